// Package rawvideo reads headerless raw frames, the kind produced by
// `ffmpeg -f rawvideo`, and generates synthetic test frames.
package rawvideo

import (
	"errors"
	"fmt"
	"io"

	"github.com/smazurov/m2menc/internal/encoder"
)

// Source yields frames one at a time. Next returns io.EOF after the last
// frame. The returned planes are only valid until the following call.
type Source interface {
	Meta() encoder.PixelMeta
	Next() (encoder.PixelFrame, error)
}

// PlaneSizes returns the payload size of each plane of a tightly packed
// frame.
func PlaneSizes(meta encoder.PixelMeta) ([]int, error) {
	w, h := meta.Width, meta.Height
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	switch meta.Format {
	case encoder.PixelFormatYUV420:
		return []int{w * h, w * h / 4, w * h / 4}, nil
	case encoder.PixelFormatNV12:
		return []int{w * h, w * h / 2}, nil
	case encoder.PixelFormatYUYV:
		return []int{w * h * 2}, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %q", meta.Format)
}

// FrameSize is the sum of PlaneSizes.
func FrameSize(meta encoder.PixelMeta) (int, error) {
	sizes, err := PlaneSizes(meta)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sizes {
		n += s
	}
	return n, nil
}

// Reader cuts an io.Reader into fixed-size frames. It reuses one buffer.
type Reader struct {
	r      io.Reader
	meta   encoder.PixelMeta
	sizes  []int
	buf    []byte
	frames int
}

// NewReader returns a Reader for frames of the given geometry.
func NewReader(r io.Reader, meta encoder.PixelMeta) (*Reader, error) {
	sizes, err := PlaneSizes(meta)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sizes {
		total += s
	}
	return &Reader{r: r, meta: meta, sizes: sizes, buf: make([]byte, total)}, nil
}

// Meta returns the frame geometry.
func (r *Reader) Meta() encoder.PixelMeta {
	return r.meta
}

// Frames returns the number of complete frames read so far.
func (r *Reader) Frames() int {
	return r.frames
}

// Next reads one frame. A stream that ends mid-frame returns
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (encoder.PixelFrame, error) {
	n, err := io.ReadFull(r.r, r.buf)
	switch {
	case errors.Is(err, io.EOF):
		return encoder.PixelFrame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return encoder.PixelFrame{}, fmt.Errorf("frame %d truncated after %d of %d bytes: %w",
			r.frames, n, len(r.buf), io.ErrUnexpectedEOF)
	case err != nil:
		return encoder.PixelFrame{}, err
	}
	r.frames++
	return encoder.PixelFrame{PixelMeta: r.meta, Planes: split(r.buf, r.sizes)}, nil
}

func split(buf []byte, sizes []int) [][]byte {
	planes := make([][]byte, len(sizes))
	off := 0
	for i, s := range sizes {
		planes[i] = buf[off : off+s : off+s]
		off += s
	}
	return planes
}
