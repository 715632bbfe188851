package encoder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/m2menc/internal/bitstream"
)

// Packet is one encoded access unit.
type Packet struct {
	Data     []byte // owned by the receiver
	Meta     string // metadata submitted with the frame
	Keyframe bool
	Sequence uint64 // 0-based submission position
	Latency  time.Duration
}

// PacketHandler receives every packet, or the error that replaced it, in
// submission order. It runs on the session's completion goroutine and must
// not call back into the session's Encode, FinishEncoding or Close.
type PacketHandler func(Packet, error)

type pendingFrame struct {
	seq       uint64
	meta      string
	submitted time.Time
}

// packetEmitter matches output buffers to submitted frames and invokes the
// handler. mu serializes handler calls so packets and errors stay in FIFO
// order whichever goroutine reports them.
type packetEmitter struct {
	codec   bitstream.Codec
	handler PacketHandler
	logger  *slog.Logger
	onEmit  func(p Packet, err error)

	mu          sync.Mutex
	frames      []pendingFrame
	codecString string
}

func newPacketEmitter(codec bitstream.Codec, handler PacketHandler, logger *slog.Logger) *packetEmitter {
	return &packetEmitter{
		codec:   codec,
		handler: handler,
		logger:  logger,
	}
}

// track records a frame before it is handed to the device.
func (e *packetEmitter) track(seq uint64, meta string) {
	e.mu.Lock()
	e.frames = append(e.frames, pendingFrame{seq: seq, meta: meta, submitted: time.Now()})
	e.mu.Unlock()
}

// untrack forgets the newest frame when the device refused it.
func (e *packetEmitter) untrack(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.frames); n > 0 && e.frames[n-1].seq == seq {
		e.frames = e.frames[:n-1]
	}
}

// pending returns how many frames still await a packet.
func (e *packetEmitter) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// CodecString returns the RFC 6381 codec of the stream once an SPS has
// been seen.
func (e *packetEmitter) CodecString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.codecString
}

// emit converts one filled output buffer into a packet. data aliases the
// device buffer and is copied before the handler runs. It returns false
// when the buffer matched no pending frame.
func (e *packetEmitter) emit(data []byte, c BufferReady) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The device skipped frames older than this one.
	for len(e.frames) > 0 && e.frames[0].seq < c.Sequence {
		f := e.frames[0]
		e.frames = e.frames[1:]
		e.deliver(Packet{Meta: f.meta, Sequence: f.seq},
			frameError(ErrCodeFrameDropped, "device produced no packet for frame", f.seq, nil))
	}

	if len(e.frames) == 0 || e.frames[0].seq != c.Sequence {
		e.logger.Warn("Output buffer matches no pending frame", "sequence", c.Sequence, "bytes", len(data))
		return false
	}

	f := e.frames[0]
	e.frames = e.frames[1:]

	keyframe, ok := bitstream.Keyframe(e.codec, data)
	if !ok {
		keyframe = c.Keyframe
	}
	if e.codecString == "" && keyframe {
		e.codecString = bitstream.FindCodecString(e.codec, data)
		if e.codecString != "" {
			e.logger.Info("Stream codec detected", "codec", e.codecString)
		}
	}

	pkt := Packet{
		Data:     append([]byte(nil), data...),
		Meta:     f.meta,
		Keyframe: keyframe,
		Sequence: f.seq,
		Latency:  time.Since(f.submitted),
	}
	e.deliver(pkt, nil)
	return true
}

// failAll reports every pending frame with an error built by mk.
func (e *packetEmitter) failAll(mk func(seq uint64) error) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	frames := e.frames
	e.frames = nil
	for _, f := range frames {
		e.deliver(Packet{Meta: f.meta, Sequence: f.seq}, mk(f.seq))
	}
	return len(frames)
}

func (e *packetEmitter) deliver(p Packet, err error) {
	if e.onEmit != nil {
		e.onEmit(p, err)
	}
	if e.handler != nil {
		e.handler(p, err)
	}
}
