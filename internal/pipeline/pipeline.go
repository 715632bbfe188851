// Package pipeline drives one encode from a frame source to packet sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/events"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/internal/rawvideo"
)

// Sink receives every packet the session delivers. WritePacket runs on the
// session's completion goroutine.
type Sink interface {
	WritePacket(encoder.Packet) error
}

// Options configures a Pipeline.
type Options struct {
	Params encoder.Params
	// KeyframeEvery forces a keyframe on every nth frame; zero leaves
	// keyframe placement to the device.
	KeyframeEvery int
	// MaxFrames stops reading after this many frames; zero reads to EOF.
	MaxFrames int
	Sinks     []Sink
	Bus       *events.Bus
	Logger    *slog.Logger
	// SessionOptions are passed through to encoder.New.
	SessionOptions []encoder.Option
}

// Result summarizes a finished run.
type Result struct {
	Frames   int
	Packets  int
	Bytes    int64
	Dropped  int
	Codec    string
	Format   string
	Duration time.Duration
}

// Pipeline owns an encoder session and fans its packets out to sinks.
type Pipeline struct {
	opts    Options
	logger  *slog.Logger
	session *encoder.Session

	mu      sync.Mutex
	result  Result
	sinkErr error
}

// New creates a session on dev. The pipeline owns dev from here on.
func New(dev encoder.Device, opts Options) (*Pipeline, error) {
	p := &Pipeline{opts: opts, logger: opts.Logger}
	if p.logger == nil {
		p.logger = logging.GetLogger("pipeline")
	}

	sessionOpts := append([]encoder.Option{}, opts.SessionOptions...)
	if opts.Bus != nil {
		sessionOpts = append(sessionOpts, encoder.WithEventBus(opts.Bus))
	}
	s, err := encoder.New(dev, opts.Params, p.handle, sessionOpts...)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	p.session = s
	return p, nil
}

func (p *Pipeline) handle(pkt encoder.Packet, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.result.Dropped++
		p.logger.Warn("Frame not encoded", "error", err)
		return
	}

	p.result.Packets++
	p.result.Bytes += int64(len(pkt.Data))
	if p.sinkErr != nil {
		return
	}
	for _, s := range p.opts.Sinks {
		if werr := s.WritePacket(pkt); werr != nil {
			p.sinkErr = fmt.Errorf("write packet %d: %w", pkt.Sequence, werr)
			return
		}
	}
}

func (p *Pipeline) failedSink() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinkErr
}

// Run encodes frames from src until EOF, MaxFrames or ctx is done, then
// drains the session. A cancelled ctx still drains; the drain is bounded by
// the session's drain timeout.
func (p *Pipeline) Run(ctx context.Context, src rawvideo.Source) (Result, error) {
	start := time.Now()
	readErr := p.feed(ctx, src)

	p.logger.Debug("Input finished, draining", "frames", p.frames())
	finishErr := p.session.FinishEncoding(context.WithoutCancel(ctx))

	p.mu.Lock()
	res := p.result
	res.Duration = time.Since(start)
	sinkErr := p.sinkErr
	p.mu.Unlock()

	res.Codec = p.session.Stats().Codec
	if f, ok := p.session.Format(); ok {
		res.Format = fmt.Sprintf("%dx%d %s %s", f.Width, f.Height, f.FourCC, f.Codec)
	}

	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return res, readErr
	}
	if finishErr != nil {
		return res, finishErr
	}
	return res, sinkErr
}

func (p *Pipeline) feed(ctx context.Context, src rawvideo.Source) error {
	for n := 0; p.opts.MaxFrames == 0 || n < p.opts.MaxFrames; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.failedSink(); err != nil {
			return err
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame %d: %w", n, err)
		}

		key := p.opts.KeyframeEvery > 0 && n%p.opts.KeyframeEvery == 0
		if err := p.session.Encode(ctx, frame, strconv.Itoa(n), key); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("encode frame %d: %w", n, err)
		}

		p.mu.Lock()
		p.result.Frames++
		p.mu.Unlock()
	}
	return nil
}

func (p *Pipeline) frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Frames
}

// SetBitrate changes the target bitrate of the running session.
func (p *Pipeline) SetBitrate(bps int) error {
	return p.session.SetBitrate(bps)
}

// Stats returns the session's counters.
func (p *Pipeline) Stats() encoder.Stats {
	return p.session.Stats()
}

// Close tears the session down without draining. It is only needed when
// Run was never called.
func (p *Pipeline) Close() error {
	if p.session.State() == encoder.StateShutdown {
		return nil
	}
	return p.session.Close()
}
