//go:build linux

package v4l2

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"
)

// FindEncoders finds all V4L2 memory-to-memory devices that can produce
// H.264 or HEVC on their capture queue.
func FindEncoders() ([]DeviceInfo, error) {
	entries, err := os.ReadDir("/sys/class/video4linux")
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	var devices []DeviceInfo

	for _, entry := range entries {
		devicePath := "/dev/" + entry.Name()

		info, ok := probeEncoder(devicePath)
		if !ok {
			continue
		}

		indexValue := readSysfsInt(filepath.Join("/sys/class/video4linux", entry.Name(), "index"))
		info.DeviceID = fmt.Sprintf("%s-%s-index%d", info.Driver, info.DeviceID, indexValue)

		devices = append(devices, info)
	}

	return devices, nil
}

// probeEncoder opens a device and reports it when it is an M2M encoder.
func probeEncoder(devicePath string) (DeviceInfo, bool) {
	logger := slog.With("component", "linuxav")

	fd, err := open(devicePath)
	if err != nil {
		logger.Debug("failed to open video device", "path", devicePath, "error", err)
		return DeviceInfo{}, false
	}
	defer close(fd)

	caps, capability, err := queryCaps(fd)
	if err != nil {
		logger.Debug("failed to query device capabilities", "path", devicePath, "error", err)
		return DeviceInfo{}, false
	}

	if caps&CapVideoM2MMplane == 0 {
		return DeviceInfo{}, false
	}

	formats, err := enumFormats(fd, BufTypeCaptureMplane)
	if err != nil {
		logger.Debug("failed to enumerate capture formats", "path", devicePath, "error", err)
		return DeviceInfo{}, false
	}

	var codecs []uint32
	for _, f := range formats {
		if IsEncodedFormat(f.PixelFormat) {
			codecs = append(codecs, f.PixelFormat)
		}
	}
	if len(codecs) == 0 {
		// A decoder: bitstream goes in on the output queue instead.
		return DeviceInfo{}, false
	}

	return DeviceInfo{
		DevicePath: devicePath,
		DeviceName: cstr(capability.card[:]),
		Driver:     cstr(capability.driver[:]),
		DeviceID:   strings.ReplaceAll(cstr(capability.busInfo[:]), ":", "-"),
		Caps:       caps,
		Codecs:     codecs,
	}, true
}

// queryCaps returns the effective capabilities of an open device.
func queryCaps(fd int) (uint32, *v4l2Capability, error) {
	capability := &v4l2Capability{}
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(capability)); err != nil {
		return 0, nil, err
	}

	caps := capability.capabilities
	if caps&CapDeviceCaps != 0 {
		caps = capability.deviceCaps
	}
	return caps, capability, nil
}

// readSysfsInt reads an integer value from a sysfs file.
func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return val
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
