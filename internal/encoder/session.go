package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/m2menc/internal/events"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/internal/metrics"
)

// State is the lifecycle state of a Session.
type State int

// Session states. Only StateStreaming accepts frames.
const (
	StateUninitialized State = iota
	StateInitializing
	StateStreaming
	StateDraining
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a session.
type Stats struct {
	State             State
	Format            DeviceFormat
	FramesSubmitted   uint64
	PacketsEmitted    uint64
	FrameErrors       uint64
	PendingFrames     int
	InputOutstanding  int
	OutputOutstanding int
	Codec             string
}

// Session drives one hardware encoder. The device format is resolved from
// the first frame; FinishEncoding drains and releases everything.
//
// Encode may be called from several goroutines. The packet handler runs on
// the session's completion goroutine.
type Session struct {
	dev     Device
	name    string
	logger  *slog.Logger
	bus     *events.Bus
	metrics bool
	emitter *packetEmitter

	// submitMu orders sequence assignment with device submission.
	submitMu sync.Mutex
	nextSeq  uint64

	mu        sync.Mutex
	state     State
	params    Params
	format    DeviceFormat
	pool      *BufferPool
	input     *planeQueue
	output    *planeQueue
	outBufs   []DeviceBuffer
	fault     error
	finishing bool
	cancel    context.CancelFunc
	group     *errgroup.Group

	progress chan struct{}

	submitted atomic.Uint64
	emitted   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a session on an open device. No device resources are
// allocated until the first frame arrives.
func New(dev Device, params Params, onPacket PacketHandler, opts ...Option) (*Session, error) {
	if dev == nil {
		return nil, NewError(ErrCodeInvalidParams, "device is required", nil)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		dev:      dev,
		name:     dev.Name(),
		logger:   logging.GetLogger("encoder"),
		metrics:  true,
		params:   params,
		progress: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("device", s.name)

	s.emitter = newPacketEmitter(params.Codec, onPacket, s.logger)
	s.emitter.onEmit = s.recordEmit

	if s.metrics {
		metrics.SetSessionState(s.name, int(StateUninitialized))
	}
	return s, nil
}

// Encode submits one frame. The first call fixes the session's format.
// It blocks while all input buffers are owned by the device.
func (s *Session) Encode(ctx context.Context, frame PixelFrame, metadata string, forceKeyframe bool) error {
	format, pool, err := s.ensureStreaming(frame.PixelMeta)
	if err != nil {
		return err
	}

	if !format.Matches(frame.PixelMeta) {
		return NewError(ErrCodeFormatMismatch,
			fmt.Sprintf("frame is %s, session is %dx%d %s", frame.PixelMeta, format.Width, format.Height, format.PixelFormat), nil)
	}
	src, err := format.splitPlanes(frame.Planes)
	if err != nil {
		return err
	}

	buf, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	used := format.copyPlanes(buf.Planes, src)

	return s.submit(pool, buf.Index, used, metadata, forceKeyframe)
}

// EncodePlanar submits a frame given as separate planes. v may be nil for
// two-plane layouts such as NV12.
func (s *Session) EncodePlanar(ctx context.Context, meta PixelMeta, y, u, v []byte, metadata string, forceKeyframe bool) error {
	planes := [][]byte{y, u}
	if v != nil {
		planes = append(planes, v)
	}
	return s.Encode(ctx, PixelFrame{PixelMeta: meta, Planes: planes}, metadata, forceKeyframe)
}

// EncodePacked submits a frame whose planes are stored back to back in one
// buffer.
func (s *Session) EncodePacked(ctx context.Context, meta PixelMeta, pixels []byte, metadata string, forceKeyframe bool) error {
	return s.Encode(ctx, PixelFrame{PixelMeta: meta, Planes: [][]byte{pixels}}, metadata, forceKeyframe)
}

func (s *Session) ensureStreaming(meta PixelMeta) (DeviceFormat, *BufferPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
		if err := s.initLocked(meta); err != nil {
			return DeviceFormat{}, nil, err
		}
	case StateStreaming:
	default:
		return DeviceFormat{}, nil, s.closedErrLocked()
	}
	return s.format, s.pool, nil
}

func (s *Session) initLocked(meta PixelMeta) error {
	format, err := ResolveFormat(meta, s.params)
	if err != nil {
		return err
	}

	s.setStateLocked(StateInitializing)
	if err := s.startLocked(format); err != nil {
		s.setStateLocked(StateUninitialized)
		s.logger.Error("Device initialization failed", "format", meta.String(), "error", err)
		var encErr *Error
		if errors.As(err, &encErr) && encErr.Code == ErrCodeDeviceInit {
			return encErr
		}
		return NewError(ErrCodeDeviceInit, "device initialization failed", err)
	}
	s.setStateLocked(StateStreaming)
	return nil
}

// startLocked configures the device, allocates both planes, pre-queues
// every output buffer and starts the completion goroutines. On failure
// nothing is retained.
func (s *Session) startLocked(format DeviceFormat) (err error) {
	negotiated, err := s.dev.Configure(format, s.params)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}

	defer func() {
		if err != nil {
			_ = s.dev.StreamOff(PlaneInput)
			_ = s.dev.StreamOff(PlaneOutput)
			if relErr := s.dev.Release(); relErr != nil {
				s.logger.Warn("Failed to release device buffers", "error", relErr)
			}
		}
	}()

	inBufs, err := s.dev.Allocate(PlaneInput, s.params.InputBuffers)
	if err != nil {
		return fmt.Errorf("allocate input buffers: %w", err)
	}
	outBufs, err := s.dev.Allocate(PlaneOutput, s.params.OutputBuffers)
	if err != nil {
		return fmt.Errorf("allocate output buffers: %w", err)
	}
	if len(inBufs) == 0 || len(outBufs) == 0 {
		return errors.New("device allocated no buffers")
	}

	pool := NewBufferPool(inBufs)
	input := newPlaneQueue(PlaneInput, s.dev, len(inBufs), s.logger)
	output := newPlaneQueue(PlaneOutput, s.dev, len(outBufs), s.logger)

	for _, b := range outBufs {
		if err = output.Submit(Submission{Index: b.Index}); err != nil {
			return fmt.Errorf("queue output buffer %d: %w", b.Index, err)
		}
	}
	if err = s.dev.StreamOn(PlaneOutput); err != nil {
		return fmt.Errorf("stream on output: %w", err)
	}
	if err = s.dev.StreamOn(PlaneInput); err != nil {
		return fmt.Errorf("stream on input: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.Go(func() error { input.run(ctx); return nil })
	g.Go(func() error { output.run(ctx); return nil })
	g.Go(func() error { return s.inputLoop(input, pool) })
	g.Go(func() error { return s.outputLoop(output, outBufs) })

	s.format = negotiated
	s.pool = pool
	s.input = input
	s.output = output
	s.outBufs = outBufs
	s.cancel = cancel
	s.group = g

	s.logger.Info("Encoder initialized",
		"format", fmt.Sprintf("%dx%d %s", negotiated.Width, negotiated.Height, negotiated.PixelFormat),
		"fourcc", negotiated.FourCC,
		"codec", negotiated.Codec,
		"profile", negotiated.Profile,
		"level", negotiated.Level,
		"input_buffers", len(inBufs),
		"output_buffers", len(outBufs))
	return nil
}

func (s *Session) submit(pool *BufferPool, idx int, used []int, metadata string, keyframe bool) error {
	s.submitMu.Lock()

	s.mu.Lock()
	if s.state != StateStreaming {
		err := s.closedErrLocked()
		s.mu.Unlock()
		s.submitMu.Unlock()
		s.releaseInput(pool, idx)
		return err
	}
	input := s.input
	s.mu.Unlock()

	seq := s.nextSeq
	if err := pool.MarkQueued(idx, seq); err != nil {
		s.submitMu.Unlock()
		s.releaseInput(pool, idx)
		return err
	}
	s.emitter.track(seq, metadata)

	err := input.Submit(Submission{Index: idx, Sequence: seq, BytesUsed: used, Keyframe: keyframe})
	if err != nil {
		s.emitter.untrack(seq)
		s.submitMu.Unlock()
		s.releaseInput(pool, idx)

		devErr := NewError(ErrCodeDeviceIO, "device rejected input buffer", err)
		s.fail(devErr)
		return devErr
	}
	s.nextSeq++
	pool.MarkInFlight(idx, seq)
	s.submitMu.Unlock()

	s.submitted.Add(1)
	if s.metrics {
		metrics.RecordFrameSubmitted(s.name)
		metrics.SetOutstanding(s.name, PlaneInput.String(), input.Outstanding())
	}
	s.logger.Debug("Frame submitted", "sequence", seq, "index", idx, "keyframe", keyframe)
	return nil
}

// releaseInput returns a buffer that never reached the device. A drain
// may be waiting on it.
func (s *Session) releaseInput(pool *BufferPool, idx int) {
	if err := pool.Release(idx); err != nil {
		s.logger.Debug("Input buffer already released", "index", idx, "error", err)
	}
	s.notify()
}

// inputLoop recycles input buffers the device has consumed.
func (s *Session) inputLoop(q *planeQueue, pool *BufferPool) error {
	var fault error
	for ev := range q.ready {
		if ev.Index >= 0 {
			if err := pool.Release(ev.Index); err != nil {
				s.logger.Warn("Unexpected input completion", "index", ev.Index, "error", err)
			}
		}
		if ev.Err != nil && fault == nil {
			fault = ev.Err
			s.fail(ev.Err)
		}
		if s.metrics {
			metrics.SetOutstanding(s.name, PlaneInput.String(), q.Outstanding())
		}
		s.notify()
	}
	return fault
}

// outputLoop emits filled output buffers and hands them straight back to
// the device.
func (s *Session) outputLoop(q *planeQueue, bufs []DeviceBuffer) error {
	var fault error
	for ev := range q.ready {
		if fault != nil {
			continue
		}
		var payload []byte
		if ev.Err == nil {
			payload, ev.Err = outputPayload(bufs[ev.Index], ev)
		}
		if ev.Err != nil {
			fault = ev.Err
			s.fail(ev.Err)
			continue
		}

		if len(payload) > 0 {
			s.emitter.emit(payload, ev)
		}

		if ev.Last {
			s.logger.Debug("Last output buffer received", "index", ev.Index)
		} else if s.acceptsOutput() {
			if err := q.Submit(Submission{Index: ev.Index}); err != nil {
				fault = err
				s.fail(NewError(ErrCodeDeviceIO, "failed to requeue output buffer", err))
			}
		}

		if s.metrics {
			metrics.SetOutstanding(s.name, PlaneOutput.String(), q.Outstanding())
		}
		s.notify()
	}
	return fault
}

// outputPayload slices the encoded bytes out of plane 0, honouring the
// driver's data offset.
func outputPayload(buf DeviceBuffer, ev BufferReady) ([]byte, error) {
	plane := buf.Planes[0]
	end := ev.DataOffset + ev.BytesUsed
	if ev.DataOffset < 0 || ev.BytesUsed < 0 || end > len(plane) {
		return nil, fmt.Errorf("output buffer %d reports %d bytes at offset %d, capacity %d",
			ev.Index, ev.BytesUsed, ev.DataOffset, len(plane))
	}
	return plane[ev.DataOffset:end], nil
}

func (s *Session) acceptsOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault == nil && (s.state == StateStreaming || s.state == StateDraining)
}

// fail records a device fault. Pending frames are reported to the handler
// as DEVICE_IO errors and the session stops accepting frames.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.fault != nil || s.state == StateShutdown {
		s.mu.Unlock()
		return
	}

	var fault *Error
	if !errors.As(cause, &fault) || fault.Code != ErrCodeDeviceIO {
		fault = NewError(ErrCodeDeviceIO, "device fault", cause)
	}
	s.fault = fault
	if s.state == StateStreaming {
		s.setStateLocked(StateDraining)
	}
	pool := s.pool
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Error("Device fault", "error", cause)
	if s.bus != nil {
		s.bus.Publish(events.EncoderFaultEvent{
			Device:    s.name,
			Code:      fault.Code,
			Error:     cause.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}

	if pool != nil {
		pool.Close()
	}
	if cancel != nil {
		cancel()
	}
	n := s.emitter.failAll(func(seq uint64) error {
		return frameError(ErrCodeDeviceIO, "device fault", seq, cause)
	})
	s.publishDropped(n, ErrCodeDeviceIO)
	s.notify()
}

// FinishEncoding stops accepting frames, waits until every submitted frame
// has been emitted and every input buffer is back, then releases the
// device. If the wait exceeds the drain timeout (or ctx ends) the device
// is released anyway and the remaining frames are reported as dropped.
func (s *Session) FinishEncoding(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized:
		s.setStateLocked(StateShutdown)
		s.mu.Unlock()
		if err := s.dev.Close(); err != nil {
			return NewError(ErrCodeDeviceIO, "failed to close device", err)
		}
		return nil
	case StateShutdown:
		err := s.closedErrLocked()
		s.mu.Unlock()
		return err
	case StateDraining:
		if s.fault == nil || s.finishing {
			err := s.closedErrLocked()
			s.mu.Unlock()
			return err
		}
	case StateStreaming:
		s.setStateLocked(StateDraining)
	}
	s.finishing = true
	fault := s.fault
	timeout := s.params.DrainTimeout
	s.mu.Unlock()

	s.stopAdmission()

	var drainErr error
	if fault == nil {
		if err := s.dev.Drain(); err != nil {
			s.logger.Warn("Device drain command failed, waiting for completions", "error", err)
		}
		drainErr = s.waitDrained(ctx, timeout)
	}

	s.mu.Lock()
	fault = s.fault
	s.mu.Unlock()

	dropped := func(seq uint64) error {
		switch {
		case fault != nil:
			return frameError(ErrCodeDeviceIO, "device fault", seq, fault)
		case drainErr != nil:
			return frameError(ErrCodeFrameDropped, "frame dropped at drain timeout", seq, drainErr)
		default:
			return frameError(ErrCodeFrameDropped, "frame dropped at shutdown", seq, nil)
		}
	}
	releaseErr := s.teardown(dropped)

	switch {
	case fault != nil:
		return fault
	case drainErr != nil:
		return drainErr
	case releaseErr != nil:
		return NewError(ErrCodeDeviceIO, "failed to release device", releaseErr)
	}
	return nil
}

// Close tears the session down without draining. Frames still in flight
// are reported to the handler as SESSION_CLOSED errors.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateShutdown:
		s.mu.Unlock()
		return nil
	case StateUninitialized:
		s.setStateLocked(StateShutdown)
		s.mu.Unlock()
		return s.dev.Close()
	}
	if s.finishing {
		err := s.closedErrLocked()
		s.mu.Unlock()
		return err
	}
	s.finishing = true
	if s.state == StateStreaming {
		s.setStateLocked(StateDraining)
	}
	s.mu.Unlock()

	s.stopAdmission()
	return s.teardown(func(seq uint64) error {
		return frameError(ErrCodeSessionClosed, "session closed before frame was encoded", seq, nil)
	})
}

// stopAdmission wakes blocked submitters and waits for a submission in
// progress to reach the device.
func (s *Session) stopAdmission() {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool != nil {
		pool.Close()
	}
	s.submitMu.Lock()
	//nolint:staticcheck // empty critical section is a barrier
	s.submitMu.Unlock()
}

func (s *Session) waitDrained(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.drained() {
			return nil
		}
		select {
		case <-s.progress:
		case <-timer.C:
			return NewError(ErrCodeDrainTimeout,
				fmt.Sprintf("%d frames still pending after %s", s.emitter.pending(), timeout), nil)
		case <-ctx.Done():
			return NewError(ErrCodeDrainTimeout, "drain cancelled", ctx.Err())
		}
	}
}

func (s *Session) drained() bool {
	s.mu.Lock()
	faulted := s.fault != nil
	pool := s.pool
	s.mu.Unlock()

	if faulted {
		return true
	}
	return s.emitter.pending() == 0 && pool.Outstanding() == 0
}

// teardown stops the completion goroutines, releases the device and
// reports any frames still pending with an error built by dropped.
func (s *Session) teardown(dropped func(seq uint64) error) error {
	s.mu.Lock()
	cancel := s.cancel
	group := s.group
	pool := s.pool
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			s.logger.Debug("Completion loops ended with fault", "error", err)
		}
	}

	var errs []error
	for _, p := range []Plane{PlaneInput, PlaneOutput} {
		if err := s.dev.StreamOff(p); err != nil {
			s.logger.Warn("Failed to stop plane", "plane", p.String(), "error", err)
		}
	}
	if err := s.dev.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.dev.Close(); err != nil {
		errs = append(errs, err)
	}

	if pool != nil {
		if n := pool.ReleaseAll(); n > 0 {
			s.logger.Warn("Input buffers force-released", "count", n)
		}
	}

	n := s.emitter.failAll(dropped)
	if n > 0 {
		s.logger.Warn("Frames dropped at shutdown", "count", n)
		s.publishDropped(n, Code(dropped(0)))
	}

	s.mu.Lock()
	s.setStateLocked(StateShutdown)
	s.mu.Unlock()

	if s.metrics {
		metrics.DeleteEncoderMetrics(s.name)
	}
	return errors.Join(errs...)
}

// SetBitrate changes the target bitrate. Before the first frame it only
// updates the parameters; while streaming it reconfigures the device.
func (s *Session) SetBitrate(bps int) error {
	if bps <= 0 {
		return NewError(ErrCodeInvalidParams, "bitrate must be positive", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
	case StateStreaming:
		if err := s.dev.SetBitrate(bps); err != nil {
			return NewError(ErrCodeDeviceIO, "failed to set bitrate", err)
		}
	default:
		return s.closedErrLocked()
	}

	s.params.Bitrate = bps
	if s.params.PeakBitrate != 0 && s.params.PeakBitrate < bps {
		s.params.PeakBitrate = bps
	}
	s.logger.Info("Bitrate changed", "bitrate", bps)
	if s.bus != nil {
		s.bus.Publish(events.BitrateChangedEvent{Device: s.name, Bitrate: bps})
	}
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Format returns the resolved device format and whether it is set.
func (s *Session) Format() (DeviceFormat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format, s.format.Width > 0
}

// Stats returns a snapshot of counters and queue depths.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		State:  s.state,
		Format: s.format,
	}
	pool, input, output := s.pool, s.input, s.output
	s.mu.Unlock()

	if pool != nil {
		st.InputOutstanding = pool.Outstanding()
	}
	if output != nil && input != nil {
		st.OutputOutstanding = output.Outstanding()
	}
	st.FramesSubmitted = s.submitted.Load()
	st.PacketsEmitted = s.emitted.Load()
	st.FrameErrors = s.failed.Load()
	st.PendingFrames = s.emitter.pending()
	st.Codec = s.emitter.CodecString()
	return st
}

func (s *Session) recordEmit(p Packet, err error) {
	if err != nil {
		s.failed.Add(1)
		if s.metrics {
			metrics.RecordFrameError(s.name, Code(err))
		}
		s.logger.Debug("Frame reported as error", "sequence", p.Sequence, "error", err)
		return
	}

	s.emitted.Add(1)
	if s.metrics {
		metrics.RecordPacket(s.name, len(p.Data), p.Keyframe, p.Latency)
	}
	if s.bus != nil {
		s.bus.Publish(events.PacketEmittedEvent{
			Device:   s.name,
			Sequence: p.Sequence,
			Bytes:    len(p.Data),
			Keyframe: p.Keyframe,
		})
	}
}

func (s *Session) publishDropped(n int, code string) {
	if n == 0 || s.bus == nil {
		return
	}
	s.bus.Publish(events.FramesDroppedEvent{Device: s.name, Count: n, Reason: code})
}

func (s *Session) closedErrLocked() error {
	return NewError(ErrCodeSessionClosed, fmt.Sprintf("session is %s", s.state), s.fault)
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	s.logger.Info("Session state changed", "from", from.String(), "to", to.String())
	if s.metrics {
		metrics.SetSessionState(s.name, int(to))
	}
	if s.bus != nil {
		ev := events.SessionStateChangedEvent{
			Device:    s.name,
			From:      from.String(),
			To:        to.String(),
			Timestamp: time.Now().Format(time.RFC3339),
		}
		if s.format.Width > 0 {
			ev.Format = fmt.Sprintf("%dx%d %s", s.format.Width, s.format.Height, s.format.PixelFormat)
		}
		s.bus.Publish(ev)
	}
}

func (s *Session) notify() {
	select {
	case s.progress <- struct{}{}:
	default:
	}
}
