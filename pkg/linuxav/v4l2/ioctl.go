//go:build linux

package v4l2

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ioctlRetry repeats the call while it is interrupted by a signal.
func ioctlRetry(fd int, req uint, arg unsafe.Pointer) error {
	for {
		err := ioctl(fd, req, arg)
		if !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}

func open(path string) (int, error) {
	return syscall.Open(path, syscall.O_RDWR|syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0)
}

func close(fd int) error {
	return syscall.Close(fd)
}

func mmap(fd int, offset uint32, length uint32) ([]byte, error) {
	return unix.Mmap(fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

// pollRdNorm and pollWrNorm are POLLRDNORM and POLLWRNORM from the kernel's
// asm-generic/poll.h; x/sys/unix does not export them on linux.
const (
	pollRdNorm = 0x40
	pollWrNorm = 0x100
)

// poll waits up to timeoutMs for events on fd and returns the ready mask.
func poll(fd int, events int16, timeoutMs int) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return fds[0].Revents, nil
}
