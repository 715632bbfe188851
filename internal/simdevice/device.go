// Package simdevice is an in-memory encoder device. It behaves like a V4L2
// memory-to-memory encoder closely enough to run sessions without hardware:
// buffers are owned by the device between Queue and Dequeue, completions
// arrive in FIFO order, and Drain ends the output plane with a Last buffer.
//
// The "bitstream" it produces is valid Annex B. Each access unit carries
// the frame's pixels as the slice payload so tests can check what the
// device read; see Payload.
package simdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/encoder"
)

// ErrInjected is the default error for injected faults.
var ErrInjected = errors.New("simulated device fault")

type job struct {
	index    int
	seq      uint64
	keyframe bool
}

// Option configures a Device.
type Option func(*Device)

// WithName sets the name reported by Name.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithStrideAlign pads every plane row to a multiple of align bytes, like
// hardware that needs aligned DMA rows.
func WithStrideAlign(align int) Option {
	return func(d *Device) { d.align = align }
}

// Device is a simulated encoder. It is safe for concurrent use.
type Device struct {
	name  string
	align int

	mu         sync.Mutex
	format     encoder.DeviceFormat
	params     encoder.Params
	configured bool
	inBufs     []encoder.DeviceBuffer
	outBufs    []encoder.DeviceBuffer
	streaming  [2]bool
	raw        []job
	capture    []int
	queued     [2]int
	draining   bool
	lastSent   bool
	frames     int
	bitrate    int
	released   bool
	closed     bool

	held  bool
	steps int

	failAfter    int
	fault        error
	configureErr error
	queueErr     error
	drainErr     error

	done   [2]chan encoder.Completion
	stop   [2]chan struct{}
	faulty chan struct{}
}

// New returns an open simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		name:      "sim",
		align:     1,
		failAfter: -1,
		stop:      [2]chan struct{}{make(chan struct{}), make(chan struct{})},
		faulty:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.align < 1 {
		d.align = 1
	}
	return d
}

// Name implements encoder.Device.
func (d *Device) Name() string { return d.name }

// Configure implements encoder.Device.
func (d *Device) Configure(f encoder.DeviceFormat, params encoder.Params) (encoder.DeviceFormat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return encoder.DeviceFormat{}, errors.New("device closed")
	}
	if err := d.configureErr; err != nil {
		d.configureErr = nil
		return encoder.DeviceFormat{}, err
	}

	f.Planes = append([]encoder.PlaneLayout(nil), f.Planes...)
	for i := range f.Planes {
		p := &f.Planes[i]
		p.Stride = (p.RowBytes + d.align - 1) / d.align * d.align
		p.Size = p.Stride * p.Rows
	}
	d.format = f
	d.params = params
	d.bitrate = params.Bitrate
	d.configured = true
	return f, nil
}

// Allocate implements encoder.Device.
func (d *Device) Allocate(plane encoder.Plane, count int) ([]encoder.DeviceBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.configured {
		return nil, errors.New("device not configured")
	}
	if count < 1 {
		return nil, fmt.Errorf("invalid buffer count %d", count)
	}

	bufs := make([]encoder.DeviceBuffer, count)
	for i := range bufs {
		bufs[i].Index = i
		if plane == encoder.PlaneInput {
			for _, p := range d.format.Planes {
				bufs[i].Planes = append(bufs[i].Planes, make([]byte, p.Size))
			}
		} else {
			bufs[i].Planes = [][]byte{make([]byte, 2*d.format.FrameSize()+1024)}
		}
	}

	d.done[plane] = make(chan encoder.Completion, count+1)
	if plane == encoder.PlaneInput {
		d.inBufs = bufs
	} else {
		d.outBufs = bufs
	}
	d.released = false
	return bufs, nil
}

// Queue implements encoder.Device.
func (d *Device) Queue(plane encoder.Plane, sub encoder.Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("device closed")
	}
	if d.fault != nil {
		return d.fault
	}
	if plane == encoder.PlaneInput {
		if err := d.queueErr; err != nil {
			return err
		}
		if sub.Index < 0 || sub.Index >= len(d.inBufs) {
			return fmt.Errorf("input buffer %d out of range", sub.Index)
		}
		if d.draining {
			return errors.New("device is draining")
		}
		d.raw = append(d.raw, job{index: sub.Index, seq: sub.Sequence, keyframe: sub.Keyframe})
	} else {
		if sub.Index < 0 || sub.Index >= len(d.outBufs) {
			return fmt.Errorf("output buffer %d out of range", sub.Index)
		}
		d.capture = append(d.capture, sub.Index)
	}
	d.queued[plane]++
	d.processLocked()
	return nil
}

// Dequeue implements encoder.Device.
func (d *Device) Dequeue(ctx context.Context, plane encoder.Plane) (encoder.Completion, error) {
	d.mu.Lock()
	ch := d.done[plane]
	if ch == nil {
		d.mu.Unlock()
		return encoder.Completion{}, encoder.ErrStreamStopped
	}
	select {
	case c := <-ch:
		d.mu.Unlock()
		return c, nil
	default:
	}
	if plane == encoder.PlaneOutput && d.lastSent {
		d.mu.Unlock()
		return encoder.Completion{}, encoder.ErrStreamStopped
	}
	stop := d.stop[plane]
	d.mu.Unlock()

	select {
	case c := <-ch:
		return c, nil
	case <-stop:
		return encoder.Completion{}, encoder.ErrStreamStopped
	case <-d.faulty:
		// Completions that happened before the fault are still delivered.
		select {
		case c := <-ch:
			return c, nil
		default:
		}
		d.mu.Lock()
		err := d.fault
		d.mu.Unlock()
		return encoder.Completion{}, err
	case <-ctx.Done():
		return encoder.Completion{}, ctx.Err()
	}
}

// StreamOn implements encoder.Device.
func (d *Device) StreamOn(plane encoder.Plane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done[plane] == nil {
		return fmt.Errorf("%s plane has no buffers", plane)
	}
	d.streaming[plane] = true
	d.processLocked()
	return nil
}

// StreamOff implements encoder.Device. Buffers still held by the device are
// returned to the caller without completions.
func (d *Device) StreamOff(plane encoder.Plane) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming[plane] {
		return nil
	}
	d.streaming[plane] = false
	close(d.stop[plane])
	d.stop[plane] = make(chan struct{})
	d.queued[plane] = 0
	if plane == encoder.PlaneInput {
		d.raw = nil
	} else {
		d.capture = nil
	}
	return nil
}

// SetBitrate implements encoder.Device.
func (d *Device) SetBitrate(bps int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return errors.New("device not configured")
	}
	d.bitrate = bps
	return nil
}

// Drain implements encoder.Device.
func (d *Device) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drainErr != nil {
		return d.drainErr
	}
	d.draining = true
	d.processLocked()
	return nil
}

// Release implements encoder.Device.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming[encoder.PlaneInput] || d.streaming[encoder.PlaneOutput] {
		return errors.New("release while streaming")
	}
	d.inBufs, d.outBufs = nil, nil
	d.done = [2]chan encoder.Completion{}
	d.released = true
	return nil
}

// Close implements encoder.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device already closed")
	}
	d.closed = true
	return nil
}

// processLocked encodes queued frames while both a raw frame and a free
// output buffer are available.
func (d *Device) processLocked() {
	if !d.streaming[encoder.PlaneInput] || !d.streaming[encoder.PlaneOutput] || d.fault != nil {
		return
	}

	for len(d.raw) > 0 && len(d.capture) > 0 {
		if d.held {
			if d.steps == 0 {
				return
			}
			d.steps--
		}
		if d.failAfter >= 0 && d.frames >= d.failAfter {
			d.fault = ErrInjected
			close(d.faulty)
			return
		}

		j := d.raw[0]
		d.raw = d.raw[1:]
		out := d.capture[0]
		d.capture = d.capture[1:]

		keyframe := j.keyframe || d.frames == 0 || (d.params.GOPSize > 0 && d.frames%d.params.GOPSize == 0)
		au := d.encodeLocked(d.inBufs[j.index], keyframe)
		n := copy(d.outBufs[out].Planes[0], au)
		d.frames++

		d.queued[encoder.PlaneInput]--
		d.queued[encoder.PlaneOutput]--
		d.done[encoder.PlaneInput] <- encoder.Completion{Index: j.index, Sequence: j.seq}
		d.done[encoder.PlaneOutput] <- encoder.Completion{
			Index:     out,
			Sequence:  j.seq,
			BytesUsed: n,
			Keyframe:  keyframe,
		}
	}

	if d.draining && !d.lastSent && len(d.raw) == 0 && len(d.capture) > 0 {
		out := d.capture[0]
		d.capture = d.capture[1:]
		d.queued[encoder.PlaneOutput]--
		d.lastSent = true
		d.done[encoder.PlaneOutput] <- encoder.Completion{Index: out, Last: true}
	}
}

func (d *Device) encodeLocked(buf encoder.DeviceBuffer, keyframe bool) []byte {
	var pixels []byte
	for i, p := range d.format.Planes {
		for r := 0; r < p.Rows; r++ {
			pixels = append(pixels, buf.Planes[i][r*p.Stride:r*p.Stride+p.RowBytes]...)
		}
	}
	return AccessUnit(d.format.Codec, d.format.ProfileIDC, d.format.LevelIDC, keyframe, pixels)
}

// Hold stops the device from encoding until Step or Resume.
func (d *Device) Hold() {
	d.mu.Lock()
	d.held = true
	d.steps = 0
	d.mu.Unlock()
}

// Step lets n more frames through a held device.
func (d *Device) Step(n int) {
	d.mu.Lock()
	d.steps += n
	d.processLocked()
	d.mu.Unlock()
}

// Resume lets the device run freely again.
func (d *Device) Resume() {
	d.mu.Lock()
	d.held = false
	d.processLocked()
	d.mu.Unlock()
}

// FailAfter makes the device fault once n frames have been encoded. Both
// planes then return ErrInjected from Dequeue.
func (d *Device) FailAfter(n int) {
	d.mu.Lock()
	d.failAfter = n
	d.processLocked()
	d.mu.Unlock()
}

// FailConfigure makes the next Configure call return err.
func (d *Device) FailConfigure(err error) {
	d.mu.Lock()
	d.configureErr = err
	d.mu.Unlock()
}

// FailQueue makes input Queue calls return err until cleared with nil.
func (d *Device) FailQueue(err error) {
	d.mu.Lock()
	d.queueErr = err
	d.mu.Unlock()
}

// FailDrain makes Drain return err without flushing.
func (d *Device) FailDrain(err error) {
	d.mu.Lock()
	d.drainErr = err
	d.mu.Unlock()
}

// Frames returns how many frames have been encoded.
func (d *Device) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Outstanding returns how many buffers of a plane the device holds.
func (d *Device) Outstanding(plane encoder.Plane) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued[plane]
}

// Bitrate returns the current bitrate setting.
func (d *Device) Bitrate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bitrate
}

// Format returns the configured format.
func (d *Device) Format() encoder.DeviceFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Released reports whether buffers were freed.
func (d *Device) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// AccessUnit builds an Annex B access unit whose slice carries payload.
// Keyframes are prefixed with parameter sets.
func AccessUnit(codec bitstream.Codec, profileIDC, levelIDC byte, keyframe bool, payload []byte) []byte {
	var au []byte
	if codec == bitstream.CodecHEVC {
		if keyframe {
			au = bitstream.AppendNAL(au, []byte{0x40, 0x01, 0x0C, 0x01, 0xFF, 0xFF})
			au = bitstream.AppendNAL(au, hevcSPS(profileIDC, levelIDC))
			au = bitstream.AppendNAL(au, []byte{0x44, 0x01, 0xC1, 0x72, 0xB4})
			return bitstream.AppendNAL(au, slice([]byte{byte(bitstream.HEVCNALIDRWRadl << 1), 0x01}, payload))
		}
		return bitstream.AppendNAL(au, slice([]byte{byte(bitstream.HEVCNALTrailR << 1), 0x01}, payload))
	}

	if keyframe {
		au = bitstream.AppendNAL(au, []byte{0x67, profileIDC, 0x00, levelIDC, 0xE0})
		au = bitstream.AppendNAL(au, []byte{0x68, 0xCE, 0x38, 0x80})
		return bitstream.AppendNAL(au, slice([]byte{0x65}, payload))
	}
	return bitstream.AppendNAL(au, slice([]byte{0x41}, payload))
}

func slice(header, payload []byte) []byte {
	nal := append([]byte(nil), header...)
	nal = append(nal, bitstream.AddEmulationPrevention(payload)...)
	return append(nal, 0x80)
}

func hevcSPS(profileIDC, levelIDC byte) []byte {
	compat := uint32(1) << (31 - uint32(profileIDC))
	rbsp := []byte{
		0x01, // sps_video_parameter_set_id, max_sub_layers, temporal_id_nesting
		profileIDC & 0x1F,
		byte(compat >> 24), byte(compat >> 16), byte(compat >> 8), byte(compat),
		0x90, 0, 0, 0, 0, 0,
		levelIDC,
		0xA0,
	}
	return append([]byte{byte(bitstream.HEVCNALSPS << 1), 0x01}, bitstream.AddEmulationPrevention(rbsp)...)
}

// Payload extracts the slice payload from an access unit built by
// AccessUnit. It returns nil if au has no slice.
func Payload(codec bitstream.Codec, au []byte) []byte {
	header := 1
	if codec == bitstream.CodecHEVC {
		header = 2
	}
	units := bitstream.ParseAnnexB(codec, au)
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if bitstream.IsParameterSet(codec, u.Type) || len(u.Data) < header+1 {
			continue
		}
		rbsp := bitstream.RemoveEmulationPrevention(u.Data[header:])
		return rbsp[:len(rbsp)-1]
	}
	return nil
}
