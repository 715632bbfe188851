package bitstream

// Codec identifies the NAL syntax used by a stream.
type Codec string

// Supported codecs.
const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALTrailR    = 1
	HEVCNALBlaWLP    = 16
	HEVCNALIDRWRadl  = 19
	HEVCNALIDRNlp    = 20
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALSEIPrefix = 39
)

// StartCode is the 4-byte Annex B start code written before each NAL.
var StartCode = []byte{0, 0, 0, 1}

// NALUnit is one NAL unit found in an Annex B stream.
type NALUnit struct {
	Type byte   // 5-bit for H.264, 6-bit for H.265
	Data []byte // NAL header and payload, start code stripped
}

// H264NALType extracts the NAL type from the first header byte.
func H264NALType(b byte) byte {
	return b & 0x1F
}

// HEVCNALType extracts the NAL type from the first header byte.
func HEVCNALType(b byte) byte {
	return (b >> 1) & 0x3F
}

// ParseAnnexB splits data into NAL units for the given codec.
// Both 3-byte and 4-byte start codes are recognized. Data without
// any start code yields nil.
func ParseAnnexB(codec Codec, data []byte) []NALUnit {
	minBytes := 1
	typeOf := func(d []byte) byte { return H264NALType(d[0]) }
	if codec == CodecHEVC {
		minBytes = 2
		typeOf = func(d []byte) byte { return HEVCNALType(d[0]) }
	}

	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		if len(nal) < minBytes {
			continue
		}
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

// IsKeyframeNAL reports whether the NAL type starts a random access point.
func IsKeyframeNAL(codec Codec, nalType byte) bool {
	if codec == CodecHEVC {
		// BLA_W_LP (16) through CRA_NUT (21) are IRAP pictures.
		return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
	}
	return nalType == NALTypeIDR
}

// IsParameterSet reports whether the NAL type carries VPS, SPS or PPS.
func IsParameterSet(codec Codec, nalType byte) bool {
	if codec == CodecHEVC {
		return nalType == HEVCNALVPS || nalType == HEVCNALSPS || nalType == HEVCNALPPS
	}
	return nalType == NALTypeSPS || nalType == NALTypePPS
}

// IsSPS reports whether the NAL type is a sequence parameter set.
func IsSPS(codec Codec, nalType byte) bool {
	if codec == CodecHEVC {
		return nalType == HEVCNALSPS
	}
	return nalType == NALTypeSPS
}

// Keyframe scans an access unit and reports whether it contains a
// random access picture. ok is false when data is not Annex B at all,
// so callers can fall back to flags reported by the device.
func Keyframe(codec Codec, data []byte) (keyframe, ok bool) {
	units := ParseAnnexB(codec, data)
	if len(units) == 0 {
		return false, false
	}
	for _, u := range units {
		if IsKeyframeNAL(codec, u.Type) {
			return true, true
		}
	}
	return false, true
}

// RemoveEmulationPrevention strips 0x03 bytes inserted after 0x0000 pairs.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// AddEmulationPrevention escapes an RBSP so it can never contain a start
// code: any 0x0000 followed by a byte <= 0x03 gets 0x03 inserted.
func AddEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+1)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// AppendNAL writes a start code followed by nal to dst.
func AppendNAL(dst, nal []byte) []byte {
	dst = append(dst, StartCode...)
	return append(dst, nal...)
}
