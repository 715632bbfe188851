package rawvideo

import (
	"io"

	"github.com/smazurov/m2menc/internal/encoder"
)

// Pattern generates a moving luma gradient over flat chroma. Count limits
// the number of frames; zero means unlimited.
type Pattern struct {
	meta  encoder.PixelMeta
	sizes []int
	buf   []byte
	count int
	frame int
}

// NewPattern returns a test pattern source.
func NewPattern(meta encoder.PixelMeta, count int) (*Pattern, error) {
	sizes, err := PlaneSizes(meta)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sizes {
		total += s
	}
	return &Pattern{meta: meta, sizes: sizes, buf: make([]byte, total), count: count}, nil
}

// Meta returns the frame geometry.
func (p *Pattern) Meta() encoder.PixelMeta {
	return p.meta
}

// Next renders the next frame.
func (p *Pattern) Next() (encoder.PixelFrame, error) {
	if p.count > 0 && p.frame >= p.count {
		return encoder.PixelFrame{}, io.EOF
	}
	p.render(byte(p.frame))
	p.frame++
	return encoder.PixelFrame{PixelMeta: p.meta, Planes: split(p.buf, p.sizes)}, nil
}

func (p *Pattern) render(shift byte) {
	w, h := p.meta.Width, p.meta.Height

	if p.meta.Format == encoder.PixelFormatYUYV {
		for y := range h {
			row := p.buf[y*w*2 : (y+1)*w*2]
			for x := 0; x < w; x += 2 {
				row[x*2] = byte(x+y) + shift
				row[x*2+1] = 128
				row[x*2+2] = byte(x+1+y) + shift
				row[x*2+3] = 128
			}
		}
		return
	}

	luma := p.buf[:w*h]
	for y := range h {
		for x := range w {
			luma[y*w+x] = byte(x+y) + shift
		}
	}
	for i := w * h; i < len(p.buf); i++ {
		p.buf[i] = 128
	}
}
