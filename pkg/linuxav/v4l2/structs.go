//go:build linux

package v4l2

// Structs whose layout is identical on 32-bit and 64-bit kernels.

// v4l2PlanePixFormat has size 20 bytes (packed in the kernel, naturally
// aligned here).
type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

// v4l2PixFormatMplane has size 192 bytes.
type v4l2PixFormatMplane struct {
	width        uint32                             // offset 0
	height       uint32                             // offset 4
	pixelformat  uint32                             // offset 8
	field        uint32                             // offset 12
	colorspace   uint32                             // offset 16
	planeFmt     [VideoMaxPlanes]v4l2PlanePixFormat // offset 20
	numPlanes    uint8                              // offset 180
	flags        uint8                              // offset 181
	ycbcrEnc     uint8                              // offset 182
	quantization uint8                              // offset 183
	xferFunc     uint8                              // offset 184
	reserved     [7]uint8                           // offset 185
}

// v4l2RequestBuffers has size 20 bytes.
type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

// v4l2Control has size 8 bytes.
type v4l2Control struct {
	id    uint32
	value int32
}

// v4l2EncoderCmd has size 40 bytes.
type v4l2EncoderCmd struct {
	cmd   uint32
	flags uint32
	raw   [8]uint32
}

// v4l2Fract has size 8 bytes.
type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

// v4l2OutputParm is the output member of the v4l2_streamparm union.
type v4l2OutputParm struct {
	capability   uint32
	outputmode   uint32
	timeperframe v4l2Fract
	extendedmode uint32
	writebuffers uint32
	reserved     [4]uint32
}

// v4l2StreamParm has size 204 bytes.
type v4l2StreamParm struct {
	typ    uint32
	output v4l2OutputParm // 40 bytes of the 200 byte union
	_      [160]byte
}
