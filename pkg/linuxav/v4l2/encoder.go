//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is returned by DequeueBuffer when no buffer became ready.
	ErrTimeout = errors.New("v4l2: no buffer ready")
	// ErrStopped is returned by DequeueBuffer once the last buffer after a
	// stop command has been dequeued.
	ErrStopped = errors.New("v4l2: queue stopped")
	// ErrNotEncoder is returned by OpenEncoder for devices that are not
	// multi-planar M2M devices.
	ErrNotEncoder = errors.New("v4l2: not a multi-planar m2m device")
)

type queueState struct {
	buffers   []Buffer
	numPlanes int
}

// Encoder is an open V4L2 memory-to-memory encoder. The OUTPUT queue takes
// raw frames, the CAPTURE queue returns the bitstream.
//
// QueueBuffer and DequeueBuffer may be called from different goroutines
// for different queues.
type Encoder struct {
	path string
	fd   int

	mu     sync.Mutex
	queues map[BufType]*queueState
	closed bool
}

// OpenEncoder opens path and checks that it is an M2M device.
func OpenEncoder(path string) (*Encoder, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	caps, _, err := queryCaps(fd)
	if err != nil {
		close(fd)
		return nil, fmt.Errorf("failed to query capabilities of %s: %w", path, err)
	}
	if caps&CapVideoM2MMplane == 0 || caps&CapStreaming == 0 {
		close(fd)
		return nil, fmt.Errorf("%s: %w", path, ErrNotEncoder)
	}

	return &Encoder{
		path: path,
		fd:   fd,
		queues: map[BufType]*queueState{
			BufTypeOutputMplane:  {},
			BufTypeCaptureMplane: {},
		},
	}, nil
}

// Path returns the device node this encoder was opened from.
func (e *Encoder) Path() string {
	return e.path
}

// SetFormat negotiates the format of one queue and returns what the driver
// accepted. sizeImage is only used for the compressed capture queue, where
// it sizes the bitstream buffers.
func (e *Encoder) SetFormat(typ BufType, width, height, pixelFormat, sizeImage uint32) (Format, error) {
	f := v4l2Format{typ: uint32(typ)}
	f.pixMp.width = width
	f.pixMp.height = height
	f.pixMp.pixelformat = pixelFormat
	f.pixMp.field = fieldNone
	if typ == BufTypeCaptureMplane {
		f.pixMp.numPlanes = 1
		f.pixMp.planeFmt[0].sizeimage = sizeImage
	}

	if err := ioctlRetry(e.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_S_FMT %s %s: %w", typ, FormatFourCC(pixelFormat), err)
	}

	if f.pixMp.pixelformat != pixelFormat {
		return Format{}, fmt.Errorf("driver replaced %s with %s on %s queue",
			FormatFourCC(pixelFormat), FormatFourCC(f.pixMp.pixelformat), typ)
	}

	out := Format{
		Width:       f.pixMp.width,
		Height:      f.pixMp.height,
		PixelFormat: f.pixMp.pixelformat,
	}
	n := int(f.pixMp.numPlanes)
	if n > VideoMaxPlanes {
		n = VideoMaxPlanes
	}
	for i := 0; i < n; i++ {
		out.Planes = append(out.Planes, PlaneFormat{
			SizeImage:    f.pixMp.planeFmt[i].sizeimage,
			BytesPerLine: f.pixMp.planeFmt[i].bytesperline,
		})
	}

	e.mu.Lock()
	e.queues[typ].numPlanes = n
	e.mu.Unlock()

	return out, nil
}

// SetControl sets a single codec control.
func (e *Encoder) SetControl(id uint32, value int32) error {
	ctrl := v4l2Control{id: id, value: value}
	if err := ioctlRetry(e.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return fmt.Errorf("VIDIOC_S_CTRL 0x%08x=%d: %w", id, value, err)
	}
	return nil
}

// SetFrameRate sets the nominal frame interval of the raw input.
func (e *Encoder) SetFrameRate(fps uint32) error {
	parm := v4l2StreamParm{typ: uint32(BufTypeOutputMplane)}
	parm.output.timeperframe = v4l2Fract{numerator: 1, denominator: fps}
	if err := ioctlRetry(e.fd, vidiocSParm, unsafe.Pointer(&parm)); err != nil {
		return fmt.Errorf("VIDIOC_S_PARM: %w", err)
	}
	return nil
}

// RequestBuffers allocates count mmap buffers on a queue and maps them.
// The driver may grant a different count.
func (e *Encoder) RequestBuffers(typ BufType, count int) ([]Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queues[typ]
	if len(q.buffers) > 0 {
		return nil, fmt.Errorf("%s queue already has buffers", typ)
	}
	if q.numPlanes == 0 {
		return nil, fmt.Errorf("%s queue format not set", typ)
	}

	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    uint32(typ),
		memory: memoryMMAP,
	}
	if err := ioctlRetry(e.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("VIDIOC_REQBUFS %s count=%d: %w", typ, count, err)
	}
	if req.count == 0 {
		return nil, fmt.Errorf("driver granted no %s buffers", typ)
	}

	buffers := make([]Buffer, 0, req.count)
	for i := uint32(0); i < req.count; i++ {
		planes := make([]v4l2Plane, q.numPlanes)
		buf := v4l2Buffer{
			index:  i,
			typ:    uint32(typ),
			memory: memoryMMAP,
			m:      uintptr(unsafe.Pointer(&planes[0])),
			length: uint32(q.numPlanes),
		}
		err := ioctlRetry(e.fd, vidiocQuerybuf, unsafe.Pointer(&buf))
		runtime.KeepAlive(planes)
		if err != nil {
			q.buffers = buffers
			e.releaseLocked(typ)
			return nil, fmt.Errorf("VIDIOC_QUERYBUF %s %d: %w", typ, i, err)
		}

		mapped := Buffer{Index: int(i)}
		for p := 0; p < int(buf.length); p++ {
			mem, mmapErr := mmap(e.fd, planes[p].memOffset(), planes[p].length)
			if mmapErr != nil {
				q.buffers = append(buffers, mapped)
				e.releaseLocked(typ)
				return nil, fmt.Errorf("mmap %s buffer %d plane %d: %w", typ, i, p, mmapErr)
			}
			mapped.Planes = append(mapped.Planes, mem)
		}
		buffers = append(buffers, mapped)
	}

	q.buffers = buffers
	return buffers, nil
}

// ReleaseBuffers unmaps a queue's buffers and frees them in the driver.
// The queue must be streamed off.
func (e *Encoder) ReleaseBuffers(typ BufType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(typ)
}

func (e *Encoder) releaseLocked(typ BufType) error {
	q := e.queues[typ]
	var errs []error
	for _, b := range q.buffers {
		for _, p := range b.Planes {
			if err := munmap(p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	q.buffers = nil

	req := v4l2RequestBuffers{typ: uint32(typ), memory: memoryMMAP}
	if err := ioctlRetry(e.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		errs = append(errs, fmt.Errorf("VIDIOC_REQBUFS %s count=0: %w", typ, err))
	}
	return errors.Join(errs...)
}

// QueueBuffer hands buffer index to the driver. bytesUsed gives the payload
// of each plane and may be nil for capture buffers. The timestamp is copied
// by the driver to the bitstream buffer produced from this frame.
func (e *Encoder) QueueBuffer(typ BufType, index int, bytesUsed []uint32, sec, usec int64) error {
	e.mu.Lock()
	q := e.queues[typ]
	if index < 0 || index >= len(q.buffers) {
		e.mu.Unlock()
		return fmt.Errorf("%s buffer index %d out of range", typ, index)
	}
	mapped := q.buffers[index]
	e.mu.Unlock()

	planes := make([]v4l2Plane, len(mapped.Planes))
	for i := range planes {
		planes[i].length = uint32(len(mapped.Planes[i]))
		if i < len(bytesUsed) {
			planes[i].bytesused = bytesUsed[i]
		}
	}

	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    uint32(typ),
		memory: memoryMMAP,
		field:  fieldNone,
		flags:  BufFlagTimestampCopy,
		m:      uintptr(unsafe.Pointer(&planes[0])),
		length: uint32(len(planes)),
	}
	buf.setTimestamp(sec, usec)

	err := ioctlRetry(e.fd, vidiocQbuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(planes)
	if err != nil {
		return fmt.Errorf("VIDIOC_QBUF %s %d: %w", typ, index, err)
	}
	return nil
}

// DequeueBuffer waits up to timeout for the driver to return a buffer on a
// queue. It returns ErrTimeout when nothing is ready and ErrStopped after
// the last buffer of a drained stream.
func (e *Encoder) DequeueBuffer(typ BufType, timeout time.Duration) (Dequeued, error) {
	var want int16 = unix.POLLIN | pollRdNorm
	if typ == BufTypeOutputMplane {
		want = unix.POLLOUT | pollWrNorm
	}

	revents, err := poll(e.fd, want, int(timeout/time.Millisecond))
	if err != nil {
		return Dequeued{}, fmt.Errorf("poll %s: %w", typ, err)
	}
	if revents&want == 0 {
		if revents&unix.POLLERR != 0 {
			// Nothing queued on either side; back off instead of spinning.
			time.Sleep(timeout / 10)
		}
		return Dequeued{}, ErrTimeout
	}

	e.mu.Lock()
	numPlanes := e.queues[typ].numPlanes
	e.mu.Unlock()

	planes := make([]v4l2Plane, numPlanes)
	buf := v4l2Buffer{
		typ:    uint32(typ),
		memory: memoryMMAP,
		m:      uintptr(unsafe.Pointer(&planes[0])),
		length: uint32(numPlanes),
	}
	err = ioctlRetry(e.fd, vidiocDqbuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(planes)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EAGAIN):
			return Dequeued{}, ErrTimeout
		case errors.Is(err, syscall.EPIPE):
			return Dequeued{}, ErrStopped
		}
		return Dequeued{}, fmt.Errorf("VIDIOC_DQBUF %s: %w", typ, err)
	}

	d := Dequeued{
		Index:    int(buf.index),
		Flags:    buf.flags,
		Sequence: buf.sequence,
	}
	d.Sec, d.Usec = buf.timestamp()
	for i := 0; i < int(buf.length) && i < numPlanes; i++ {
		p := planes[i]
		off := min(p.dataOffset, p.bytesused)
		d.BytesUsed = append(d.BytesUsed, p.bytesused-off)
		d.DataOffset = append(d.DataOffset, off)
	}
	return d, nil
}

// StreamOn starts a queue.
func (e *Encoder) StreamOn(typ BufType) error {
	t := uint32(typ)
	if err := ioctlRetry(e.fd, vidiocStreamon, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON %s: %w", typ, err)
	}
	return nil
}

// StreamOff stops a queue. All its buffers return to userspace.
func (e *Encoder) StreamOff(typ BufType) error {
	t := uint32(typ)
	if err := ioctlRetry(e.fd, vidiocStreamoff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF %s: %w", typ, err)
	}
	return nil
}

// Stop asks the encoder to finish the frames it holds. The driver flags the
// final capture buffer with BufFlagLast.
func (e *Encoder) Stop() error {
	cmd := v4l2EncoderCmd{cmd: encCmdStop}
	if err := ioctlRetry(e.fd, vidiocTryEncCmd, unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("VIDIOC_TRY_ENCODER_CMD stop: %w", err)
	}
	cmd = v4l2EncoderCmd{cmd: encCmdStop}
	if err := ioctlRetry(e.fd, vidiocEncoderCmd, unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("VIDIOC_ENCODER_CMD stop: %w", err)
	}
	return nil
}

// Close releases any remaining buffers and closes the device.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for typ, q := range e.queues {
		if len(q.buffers) > 0 {
			if err := e.releaseLocked(typ); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := close(e.fd); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
