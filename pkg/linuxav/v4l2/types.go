//go:build linux

package v4l2

// DeviceInfo contains information about a V4L2 memory-to-memory encoder.
type DeviceInfo struct {
	DevicePath string
	DeviceName string
	Driver     string
	DeviceID   string // Stable identifier (bus info + index)
	Caps       uint32
	Codecs     []uint32 // compressed formats on the capture queue
}

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Emulated    bool
	Compressed  bool
}

// PlaneFormat is the layout the driver chose for one memory plane.
type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// Format is the negotiated multi-planar format of one queue.
type Format struct {
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Planes      []PlaneFormat
}

// Buffer is one mmap'd buffer owned by a queue. Planes alias device memory
// and stay valid until ReleaseBuffers.
type Buffer struct {
	Index  int
	Planes [][]byte
}

// Dequeued describes a buffer handed back by the driver.
type Dequeued struct {
	Index      int
	BytesUsed  []uint32 // payload bytes per plane, excluding DataOffset
	DataOffset []uint32 // start of the payload within each plane
	Flags      uint32
	Sequence   uint32 // driver frame counter
	Sec        int64
	Usec       int64
}

// Keyframe reports whether the driver flagged the buffer as a keyframe.
func (d Dequeued) Keyframe() bool { return d.Flags&BufFlagKeyframe != 0 }

// Last reports whether this is the final buffer after a stop command.
func (d Dequeued) Last() bool { return d.Flags&BufFlagLast != 0 }

// Failed reports whether the driver marked the buffer contents as corrupt.
func (d Dequeued) Failed() bool { return d.Flags&BufFlagError != 0 }

// Capability flags.
const (
	CapVideoM2MMplane = 0x00004000
	CapVideoM2M       = 0x00008000
	CapStreaming      = 0x04000000
	CapDeviceCaps     = 0x80000000
)

// Format flags.
const (
	FmtFlagCompressed = 0x0001
	FmtFlagEmulated   = 0x0002
)

// Pixel formats used by M2M encoders.
const (
	PixFmtYUV420  = 0x32315559 // 'YU12'
	PixFmtYUV420M = 0x32314d59 // 'YM12'
	PixFmtNV12    = 0x3231564e // 'NV12'
	PixFmtNV12M   = 0x32314d4e // 'NM12'
	PixFmtYUYV    = 0x56595559 // 'YUYV'
	PixFmtH264    = 0x34363248 // 'H264'
	PixFmtHEVC    = 0x43564548 // 'HEVC'
)

// BufType selects one of the two queues of an M2M device. The raw frames go
// into the OUTPUT queue, the bitstream comes out of the CAPTURE queue.
type BufType uint32

// Multi-planar buffer types.
const (
	BufTypeCaptureMplane BufType = 9
	BufTypeOutputMplane  BufType = 10
)

func (t BufType) String() string {
	switch t {
	case BufTypeCaptureMplane:
		return "capture"
	case BufTypeOutputMplane:
		return "output"
	default:
		return "unknown"
	}
}

// Memory types.
const (
	memoryMMAP = 1
)

// Field order.
const (
	fieldNone = 1
)

// Buffer flags.
const (
	BufFlagKeyframe      = 0x00000008
	BufFlagError         = 0x00000040
	BufFlagTimestampCopy = 0x00004000
	BufFlagLast          = 0x00100000
)

// Encoder commands.
const (
	encCmdStart = 0
	encCmdStop  = 1
)

// VideoMaxPlanes is VIDEO_MAX_PLANES from videodev2.h.
const VideoMaxPlanes = 8

// Codec control IDs (V4L2_CID_CODEC_BASE = 0x00990900).
const (
	CIDGOPSize         = 0x009909cb
	CIDBitrateMode     = 0x009909ce
	CIDBitrate         = 0x009909cf
	CIDBitratePeak     = 0x009909d0
	CIDRepeatSeqHeader = 0x009909e2
	CIDForceKeyFrame   = 0x009909e5
	CIDH264IPeriod     = 0x00990a66
	CIDH264Level       = 0x00990a67
	CIDH264Profile     = 0x00990a6b
	CIDHEVCProfile     = 0x00990b67
	CIDHEVCLevel       = 0x00990b68
	CIDConstantQuality = 0x00990b85
)

// V4L2_MPEG_VIDEO_BITRATE_MODE values.
const (
	BitrateModeVBR = 0
	BitrateModeCBR = 1
	BitrateModeCQ  = 2
)
