package encoder

import (
	"fmt"

	"github.com/smazurov/m2menc/internal/bitstream"
)

// PixelFormat names the memory layout of a raw input frame.
type PixelFormat string

// Input layouts the encoder accepts.
const (
	PixelFormatYUV420 PixelFormat = "yuv420" // I420: Y, U, V planes
	PixelFormatNV12   PixelFormat = "nv12"   // Y plane, interleaved UV plane
	PixelFormatYUYV   PixelFormat = "yuyv"   // packed 4:2:2
)

// PixelMeta is the geometry and layout of a frame.
type PixelMeta struct {
	Width  int
	Height int
	Format PixelFormat
}

func (m PixelMeta) String() string {
	return fmt.Sprintf("%dx%d %s", m.Width, m.Height, m.Format)
}

// PixelFrame is a borrowed view of one input frame. Planes holds either one
// slice per plane or, for packed submission, a single slice with all planes
// back to back.
type PixelFrame struct {
	PixelMeta
	Planes [][]byte
}

// PlaneLayout describes one plane as the device stores it.
type PlaneLayout struct {
	RowBytes int // payload bytes per row
	Rows     int
	Stride   int // device bytes per row, >= RowBytes
	Size     int // device plane size, >= Stride*Rows
}

// DeviceFormat is the resolved description of a session. It is set once
// from the first frame and never changes.
type DeviceFormat struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	FourCC      string // device-side raw layout, e.g. "YM12"
	Planes      []PlaneLayout

	Codec      bitstream.Codec
	Profile    string
	ProfileIDC byte
	Level      string
	LevelIDC   byte
}

// Matches reports whether a frame has the geometry this format was
// resolved from.
func (f DeviceFormat) Matches(m PixelMeta) bool {
	return f.Width == m.Width && f.Height == m.Height && f.PixelFormat == m.Format
}

// FrameSize is the number of payload bytes in one packed frame.
func (f DeviceFormat) FrameSize() int {
	n := 0
	for _, p := range f.Planes {
		n += p.RowBytes * p.Rows
	}
	return n
}

type planeShape struct {
	widthNum, widthDen   int // row bytes = width * num / den
	heightNum, heightDen int
}

var layouts = map[PixelFormat]struct {
	fourcc string
	planes []planeShape
}{
	PixelFormatYUV420: {"YM12", []planeShape{{1, 1, 1, 1}, {1, 2, 1, 2}, {1, 2, 1, 2}}},
	PixelFormatNV12:   {"NM12", []planeShape{{1, 1, 1, 1}, {1, 1, 1, 2}}},
	PixelFormatYUYV:   {"YUYV", []planeShape{{2, 1, 1, 1}}},
}

// ResolveFormat derives the device format from the first frame's geometry
// and the session parameters. It does no I/O.
func ResolveFormat(meta PixelMeta, params Params) (DeviceFormat, error) {
	layout, ok := layouts[meta.Format]
	if !ok {
		return DeviceFormat{}, NewError(ErrCodeUnsupportedFormat,
			fmt.Sprintf("no device layout for pixel format %q", meta.Format), nil)
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return DeviceFormat{}, NewError(ErrCodeUnsupportedFormat,
			fmt.Sprintf("invalid frame size %dx%d", meta.Width, meta.Height), nil)
	}
	if meta.Width%2 != 0 || meta.Height%2 != 0 {
		return DeviceFormat{}, NewError(ErrCodeUnsupportedFormat,
			fmt.Sprintf("frame size %dx%d is not a multiple of the chroma subsampling", meta.Width, meta.Height), nil)
	}

	profileIDC, ok := ProfileIDC(params.Codec, params.Profile)
	if !ok {
		return DeviceFormat{}, NewError(ErrCodeUnsupportedFormat,
			fmt.Sprintf("%s has no profile %q", params.Codec, params.Profile), nil)
	}
	levelIDC, ok := LevelIDC(params.Codec, params.Level)
	if !ok {
		return DeviceFormat{}, NewError(ErrCodeUnsupportedFormat,
			fmt.Sprintf("%s has no level %q", params.Codec, params.Level), nil)
	}

	f := DeviceFormat{
		Width:       meta.Width,
		Height:      meta.Height,
		PixelFormat: meta.Format,
		FourCC:      layout.fourcc,
		Codec:       params.Codec,
		Profile:     params.Profile,
		ProfileIDC:  profileIDC,
		Level:       params.Level,
		LevelIDC:    levelIDC,
	}
	for _, s := range layout.planes {
		row := meta.Width * s.widthNum / s.widthDen
		rows := meta.Height * s.heightNum / s.heightDen
		f.Planes = append(f.Planes, PlaneLayout{
			RowBytes: row,
			Rows:     rows,
			Stride:   row,
			Size:     row * rows,
		})
	}
	return f, nil
}

// splitPlanes maps a submitted frame onto the format's planes. A single
// slice is treated as packed input and cut at plane boundaries.
func (f DeviceFormat) splitPlanes(planes [][]byte) ([][]byte, error) {
	if len(planes) == 1 && len(f.Planes) > 1 {
		packed := planes[0]
		if len(packed) < f.FrameSize() {
			return nil, NewError(ErrCodeFormatMismatch,
				fmt.Sprintf("packed frame has %d bytes, want %d", len(packed), f.FrameSize()), nil)
		}
		out := make([][]byte, len(f.Planes))
		off := 0
		for i, p := range f.Planes {
			n := p.RowBytes * p.Rows
			out[i] = packed[off : off+n]
			off += n
		}
		return out, nil
	}

	if len(planes) != len(f.Planes) {
		return nil, NewError(ErrCodeFormatMismatch,
			fmt.Sprintf("got %d planes, %s needs %d", len(planes), f.PixelFormat, len(f.Planes)), nil)
	}
	for i, p := range f.Planes {
		if want := p.RowBytes * p.Rows; len(planes[i]) < want {
			return nil, NewError(ErrCodeFormatMismatch,
				fmt.Sprintf("plane %d has %d bytes, want %d", i, len(planes[i]), want), nil)
		}
	}
	return planes, nil
}

// copyPlanes writes src into device planes row by row, honoring the device
// stride. It returns the bytes used per plane.
func (f DeviceFormat) copyPlanes(dst, src [][]byte) []int {
	used := make([]int, len(f.Planes))
	for i, p := range f.Planes {
		if p.Stride == p.RowBytes {
			n := p.RowBytes * p.Rows
			copy(dst[i][:n], src[i][:n])
		} else {
			for r := 0; r < p.Rows; r++ {
				copy(dst[i][r*p.Stride:r*p.Stride+p.RowBytes], src[i][r*p.RowBytes:(r+1)*p.RowBytes])
			}
		}
		used[i] = p.Stride * p.Rows
	}
	return used
}
