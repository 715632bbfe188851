//go:build linux && arm && !arm64

package v4l2

import "unsafe"

// Compile-time struct size assertions for 32-bit ARM.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Fmtdesc{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2PlanePixFormat{})]byte{}
	_ [192]byte = [unsafe.Sizeof(v4l2PixFormatMplane{})]byte{}
	_ [204]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2RequestBuffers{})]byte{}
	_ [60]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{} // 32-bit timeval and pointer
	_ [8]byte   = [unsafe.Sizeof(v4l2Control{})]byte{}
	_ [40]byte  = [unsafe.Sizeof(v4l2EncoderCmd{})]byte{}
	_ [204]byte = [unsafe.Sizeof(v4l2StreamParm{})]byte{}
)

// IOCTL constants for 32-bit ARM.
// Only the ioctls whose argument embeds a pointer or a timeval differ
// from the 64-bit values.
const (
	vidiocQuerycap   = 0x80685600
	vidiocEnumFmt    = 0xc0405602
	vidiocGFmt       = 0xc0cc5604
	vidiocSFmt       = 0xc0cc5605
	vidiocReqbufs    = 0xc0145608
	vidiocQuerybuf   = 0xc0445609
	vidiocQbuf       = 0xc044560f
	vidiocDqbuf      = 0xc0445611
	vidiocStreamon   = 0x40045612
	vidiocStreamoff  = 0x40045613
	vidiocSParm      = 0xc0cc5616
	vidiocSCtrl      = 0xc008561c
	vidiocEncoderCmd = 0xc028564d
	vidiocTryEncCmd  = 0xc028564e
)

// v4l2Capability - size 104 bytes (same as 64-bit)
type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// v4l2Fmtdesc - size 64 bytes (same as 64-bit)
type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

// v4l2Format - size 204 bytes, union is only 4-byte aligned here.
type v4l2Format struct {
	typ   uint32
	pixMp v4l2PixFormatMplane
	_     [8]byte
}

// v4l2Plane - size 60 bytes
type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uint32
	dataOffset uint32
	reserved   [11]uint32
}

func (p *v4l2Plane) memOffset() uint32 {
	return p.m
}

// v4l2Buffer - size 68 bytes
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	tsSec     int32
	tsUsec    int32
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

func (b *v4l2Buffer) setTimestamp(sec, usec int64) {
	b.tsSec = int32(sec)
	b.tsUsec = int32(usec)
}

func (b *v4l2Buffer) timestamp() (sec, usec int64) {
	return int64(b.tsSec), int64(b.tsUsec)
}
