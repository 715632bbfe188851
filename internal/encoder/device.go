package encoder

import (
	"context"
	"errors"
)

// Plane selects one of the device's two buffer queues.
type Plane int

// Device planes. In V4L2 terms PlaneInput is the OUTPUT queue and
// PlaneOutput the CAPTURE queue.
const (
	PlaneInput Plane = iota
	PlaneOutput
)

func (p Plane) String() string {
	if p == PlaneInput {
		return "input"
	}
	return "output"
}

// ErrStreamStopped is returned by Device.Dequeue once a plane will produce
// no further completions.
var ErrStreamStopped = errors.New("stream stopped")

// DeviceBuffer is one DMA-capable buffer allocated by the device. Planes
// alias device memory.
type DeviceBuffer struct {
	Index  int
	Planes [][]byte
}

// Submission hands a buffer to the device.
type Submission struct {
	Index     int
	Sequence  uint64
	BytesUsed []int // per plane, input buffers only
	Keyframe  bool  // force a sync frame for this submission
}

// Completion is a buffer the device has finished with.
type Completion struct {
	Index     int
	Sequence  uint64 // sequence of the frame the buffer belongs to
	BytesUsed int
	// DataOffset is where the payload starts in plane 0. Some drivers
	// put a header in front of the bitstream.
	DataOffset int
	Keyframe   bool // device keyframe flag, output plane only
	Last       bool // final output buffer after Drain
	Err        error
}

// Device is a hardware encoder exposing a raw input queue and a
// compressed output queue.
//
// Queue must not block. Dequeue blocks until a buffer completes, ctx is
// done or the plane is stopped. Dequeue is called concurrently for the two
// planes, and concurrently with Queue.
type Device interface {
	Name() string

	// Configure negotiates both planes for f and applies rate control
	// settings. The returned format carries the device's strides and sizes.
	Configure(f DeviceFormat, params Params) (DeviceFormat, error)
	Allocate(plane Plane, count int) ([]DeviceBuffer, error)

	Queue(plane Plane, sub Submission) error
	Dequeue(ctx context.Context, plane Plane) (Completion, error)

	StreamOn(plane Plane) error
	StreamOff(plane Plane) error

	SetBitrate(bps int) error

	// Drain asks the device to flush held frames and mark the final
	// output buffer with Last.
	Drain() error
	// Release frees all buffers. Planes must be stopped.
	Release() error
	Close() error
}
