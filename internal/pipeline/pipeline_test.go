package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/rawvideo"
	"github.com/smazurov/m2menc/internal/simdevice"
)

var meta = encoder.PixelMeta{Width: 16, Height: 8, Format: encoder.PixelFormatNV12}

func testOptions(sinks ...Sink) Options {
	params := encoder.DefaultParams()
	params.InputBuffers = 3
	params.OutputBuffers = 3
	params.GOPSize = 0
	params.DrainTimeout = 2 * time.Second
	return Options{
		Params:         params,
		Sinks:          sinks,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SessionOptions: []encoder.Option{encoder.WithoutMetrics()},
	}
}

type collectSink struct {
	mu      sync.Mutex
	packets []encoder.Packet
	err     error
}

func (c *collectSink) WritePacket(p encoder.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.packets = append(c.packets, p)
	return nil
}

func rawStream(t *testing.T, frames int) *rawvideo.Reader {
	t.Helper()
	size, err := rawvideo.FrameSize(meta)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, size*frames)
	for i := range data {
		data[i] = byte(i / size)
	}
	r, err := rawvideo.NewReader(bytes.NewReader(data), meta)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRunEncodesToEOF(t *testing.T) {
	sink := &collectSink{}
	var stream bytes.Buffer
	file := NewStreamSink(&stream)

	opts := testOptions(sink, file)
	opts.KeyframeEvery = 4
	p, err := New(simdevice.New(), opts)
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Run(context.Background(), rawStream(t, 10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := file.Flush(); err != nil {
		t.Fatal(err)
	}

	if res.Frames != 10 || res.Packets != 10 || res.Dropped != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Codec != "avc1.640028" {
		t.Errorf("codec = %q", res.Codec)
	}
	for i, pkt := range sink.packets {
		if pkt.Sequence != uint64(i) {
			t.Errorf("packet %d has sequence %d", i, pkt.Sequence)
		}
		if pkt.Keyframe != (i%4 == 0) {
			t.Errorf("packet %d keyframe = %v", i, pkt.Keyframe)
		}
		if pkt.Meta != strconv.Itoa(i) {
			t.Errorf("packet %d meta = %q", i, pkt.Meta)
		}
	}
	if int64(stream.Len()) != res.Bytes {
		t.Errorf("stream has %d bytes, result says %d", stream.Len(), res.Bytes)
	}
	if units := bitstream.ParseAnnexB(bitstream.CodecH264, stream.Bytes()); len(units) < 10 {
		t.Errorf("stream holds %d NAL units", len(units))
	}
	if p.Stats().State != encoder.StateShutdown {
		t.Errorf("state = %v", p.Stats().State)
	}
}

func TestRunMaxFrames(t *testing.T) {
	pattern, err := rawvideo.NewPattern(meta, 0)
	if err != nil {
		t.Fatal(err)
	}
	opts := testOptions()
	opts.MaxFrames = 7
	p, err := New(simdevice.New(), opts)
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Run(context.Background(), pattern)
	if err != nil {
		t.Fatal(err)
	}
	if res.Frames != 7 || res.Packets != 7 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCancelledStillDrains(t *testing.T) {
	dev := simdevice.New()
	pattern, _ := rawvideo.NewPattern(meta, 0)
	sink := &collectSink{}
	p, err := New(dev, testOptions(sink))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for dev.Frames() < 5 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := p.Run(ctx, pattern)
	if err != nil {
		t.Fatalf("cancelled run should drain cleanly, got %v", err)
	}
	if res.Frames < 5 || res.Packets != res.Frames {
		t.Errorf("result = %+v", res)
	}
	if !dev.Closed() {
		t.Error("device not closed after drain")
	}
}

func TestRunSinkError(t *testing.T) {
	sinkErr := errors.New("disk full")
	sink := &collectSink{err: sinkErr}
	p, err := New(simdevice.New(), testOptions(sink))
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Run(context.Background(), rawStream(t, 20))
	if !errors.Is(err, sinkErr) {
		t.Errorf("err = %v, want sink error", err)
	}
}

func TestRunDeviceFault(t *testing.T) {
	dev := simdevice.New()
	dev.FailAfter(3)
	p, err := New(dev, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Run(context.Background(), rawStream(t, 50))
	if !errors.Is(err, encoder.ErrDeviceIO) {
		t.Errorf("err = %v, want DEVICE_IO", err)
	}
}

func TestRunTruncatedInput(t *testing.T) {
	size, _ := rawvideo.FrameSize(meta)
	r, _ := rawvideo.NewReader(bytes.NewReader(make([]byte, size*2+5)), meta)
	p, err := New(simdevice.New(), testOptions())
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Run(context.Background(), r)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want truncation error", err)
	}
	if res.Packets != 2 {
		t.Errorf("complete frames should still be encoded, got %d packets", res.Packets)
	}
}

func TestSetBitrate(t *testing.T) {
	dev := simdevice.New()
	p, err := New(dev, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.SetBitrate(1_500_000); err != nil {
		t.Fatal(err)
	}
	if err := p.SetBitrate(0); !errors.Is(err, encoder.ErrInvalidParams) {
		t.Errorf("SetBitrate(0) = %v", err)
	}
}

func TestNewInvalidParams(t *testing.T) {
	dev := simdevice.New()
	opts := testOptions()
	opts.Params.Bitrate = -1
	if _, err := New(dev, opts); !errors.Is(err, encoder.ErrInvalidParams) {
		t.Errorf("err = %v", err)
	}
	if !dev.Closed() {
		t.Error("device should be closed when the session cannot be created")
	}
}
