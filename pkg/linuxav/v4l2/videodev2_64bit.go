//go:build linux && (amd64 || arm64)

package v4l2

import "unsafe"

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Fmtdesc{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2PlanePixFormat{})]byte{}
	_ [192]byte = [unsafe.Sizeof(v4l2PixFormatMplane{})]byte{}
	_ [208]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2RequestBuffers{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2Control{})]byte{}
	_ [40]byte  = [unsafe.Sizeof(v4l2EncoderCmd{})]byte{}
	_ [204]byte = [unsafe.Sizeof(v4l2StreamParm{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	vidiocQuerycap   = 0x80685600
	vidiocEnumFmt    = 0xc0405602
	vidiocGFmt       = 0xc0d05604
	vidiocSFmt       = 0xc0d05605
	vidiocReqbufs    = 0xc0145608
	vidiocQuerybuf   = 0xc0585609
	vidiocQbuf       = 0xc058560f
	vidiocDqbuf      = 0xc0585611
	vidiocStreamon   = 0x40045612
	vidiocStreamoff  = 0x40045613
	vidiocSParm      = 0xc0cc5616
	vidiocSCtrl      = 0xc008561c
	vidiocEncoderCmd = 0xc028564d
	vidiocTryEncCmd  = 0xc028564e
)

// v4l2Capability has size 104 bytes.
type v4l2Capability struct {
	driver       [16]byte  // offset 0
	card         [32]byte  // offset 16
	busInfo      [32]byte  // offset 48
	version      uint32    // offset 80
	capabilities uint32    // offset 84
	deviceCaps   uint32    // offset 88
	reserved     [3]uint32 // offset 92
}

// v4l2Fmtdesc has size 64 bytes.
type v4l2Fmtdesc struct {
	index       uint32    // offset 0
	typ         uint32    // offset 4
	flags       uint32    // offset 8
	description [32]byte  // offset 12
	pixelformat uint32    // offset 44
	mbusCode    uint32    // offset 48
	reserved    [3]uint32 // offset 52
}

// v4l2Format has size 208 bytes. The kernel union is 8-byte aligned
// because struct v4l2_window carries pointers, hence the pad after typ.
type v4l2Format struct {
	typ   uint32              // offset 0
	_     uint32              // offset 4
	pixMp v4l2PixFormatMplane // offset 8
	_     [8]byte             // offset 200
}

// v4l2Plane has size 64 bytes.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	m          uint64     // offset 8 (mem_offset | userptr | fd)
	dataOffset uint32     // offset 16
	reserved   [11]uint32 // offset 20
}

func (p *v4l2Plane) memOffset() uint32 {
	return uint32(p.m)
}

// v4l2Buffer has size 88 bytes.
type v4l2Buffer struct {
	index     uint32   // offset 0
	typ       uint32   // offset 4
	bytesused uint32   // offset 8
	flags     uint32   // offset 12
	field     uint32   // offset 16
	_         uint32   // offset 20
	tsSec     int64    // offset 24 (struct timeval)
	tsUsec    int64    // offset 32
	timecode  [16]byte // offset 40
	sequence  uint32   // offset 56
	memory    uint32   // offset 60
	m         uintptr  // offset 64 (planes pointer for mplane types)
	length    uint32   // offset 72
	reserved2 uint32   // offset 76
	requestFD int32    // offset 80
	_         uint32   // offset 84
}

func (b *v4l2Buffer) setTimestamp(sec, usec int64) {
	b.tsSec = sec
	b.tsUsec = usec
}

func (b *v4l2Buffer) timestamp() (sec, usec int64) {
	return b.tsSec, b.tsUsec
}
