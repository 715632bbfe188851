package rawvideo

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/smazurov/m2menc/internal/encoder"
)

func TestPlaneSizes(t *testing.T) {
	tests := []struct {
		name    string
		meta    encoder.PixelMeta
		want    []int
		wantErr bool
	}{
		{"i420", encoder.PixelMeta{Width: 4, Height: 2, Format: encoder.PixelFormatYUV420}, []int{8, 2, 2}, false},
		{"nv12", encoder.PixelMeta{Width: 4, Height: 2, Format: encoder.PixelFormatNV12}, []int{8, 4}, false},
		{"yuyv", encoder.PixelMeta{Width: 4, Height: 2, Format: encoder.PixelFormatYUYV}, []int{16}, false},
		{"odd width", encoder.PixelMeta{Width: 3, Height: 2, Format: encoder.PixelFormatNV12}, nil, true},
		{"zero height", encoder.PixelMeta{Width: 4, Format: encoder.PixelFormatNV12}, nil, true},
		{"unknown format", encoder.PixelMeta{Width: 4, Height: 2, Format: "rgb24"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PlaneSizes(tt.meta)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("plane %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReaderSplitsFrames(t *testing.T) {
	meta := encoder.PixelMeta{Width: 4, Height: 2, Format: encoder.PixelFormatYUV420}
	var stream []byte
	for f := range 3 {
		stream = append(stream, bytes.Repeat([]byte{byte(f)}, 8)...)
		stream = append(stream, bytes.Repeat([]byte{byte(10 + f)}, 2)...)
		stream = append(stream, bytes.Repeat([]byte{byte(20 + f)}, 2)...)
	}

	r, err := NewReader(bytes.NewReader(stream), meta)
	if err != nil {
		t.Fatal(err)
	}

	for f := range 3 {
		frame, err := r.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
		if frame.PixelMeta != meta || len(frame.Planes) != 3 {
			t.Fatalf("frame %d = %+v", f, frame.PixelMeta)
		}
		if frame.Planes[0][7] != byte(f) || frame.Planes[1][0] != byte(10+f) || frame.Planes[2][1] != byte(20+f) {
			t.Errorf("frame %d planes = %v", f, frame.Planes)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
	if r.Frames() != 3 {
		t.Errorf("Frames() = %d", r.Frames())
	}
}

func TestReaderTruncatedFrame(t *testing.T) {
	meta := encoder.PixelMeta{Width: 4, Height: 2, Format: encoder.PixelFormatYUYV}
	r, err := NewReader(bytes.NewReader(make([]byte, 20)), meta)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestPatternCount(t *testing.T) {
	for _, format := range []encoder.PixelFormat{encoder.PixelFormatYUV420, encoder.PixelFormatNV12, encoder.PixelFormatYUYV} {
		t.Run(string(format), func(t *testing.T) {
			p, err := NewPattern(encoder.PixelMeta{Width: 8, Height: 4, Format: format}, 2)
			if err != nil {
				t.Fatal(err)
			}
			first, err := p.Next()
			if err != nil {
				t.Fatal(err)
			}
			y0 := first.Planes[0][0]
			if _, err := p.Next(); err != nil {
				t.Fatal(err)
			}
			if first.Planes[0][0] == y0 {
				t.Error("pattern did not move between frames")
			}
			if _, err := p.Next(); err != io.EOF {
				t.Errorf("err = %v, want io.EOF", err)
			}
		})
	}
}
