package pipeline

import (
	"bufio"
	"io"

	"github.com/smazurov/m2menc/internal/encoder"
)

// StreamSink writes access units back to back, which for Annex B output is
// a playable elementary stream.
type StreamSink struct {
	w *bufio.Writer
}

// NewStreamSink buffers writes to w. Call Flush when the run ends.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: bufio.NewWriterSize(w, 1<<20)}
}

// WritePacket appends the packet's data.
func (s *StreamSink) WritePacket(p encoder.Packet) error {
	_, err := s.w.Write(p.Data)
	return err
}

// Flush writes any buffered data.
func (s *StreamSink) Flush() error {
	return s.w.Flush()
}
