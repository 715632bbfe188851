package bitstream

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var errSPSTooShort = errors.New("SPS data too short")

// SPSInfo holds the profile and level fields of a sequence parameter set.
type SPSInfo struct {
	Codec           Codec
	ProfileIDC      byte
	ConstraintFlags byte // H.264 constraint_set flags byte
	LevelIDC        byte

	// H.265 only.
	ProfileSpace              byte
	TierFlag                  byte
	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64 // 48 bits
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.640028"
// or "hev1.1.6.L120.B0".
func (s SPSInfo) CodecString() string {
	if s.Codec != CodecHEVC {
		return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
	}

	var b strings.Builder
	b.WriteString("hev1.")
	if s.ProfileSpace > 0 {
		b.WriteByte('A' + s.ProfileSpace - 1)
	}
	fmt.Fprintf(&b, "%d.%X.", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags))
	if s.TierFlag == 1 {
		b.WriteByte('H')
	} else {
		b.WriteByte('L')
	}
	fmt.Fprintf(&b, "%d", s.LevelIDC)

	// Constraint bytes, trailing zero bytes omitted.
	var cb [6]byte
	for i := range cb {
		cb[i] = byte(s.ConstraintIndicatorFlags >> (40 - 8*i))
	}
	last := -1
	for i := range cb {
		if cb[i] != 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		fmt.Fprintf(&b, ".%X", cb[i])
	}
	return b.String()
}

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint64, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint64((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint64, error) {
	var val uint64
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

// ParseSPS extracts profile and level from an SPS NAL unit (header
// included, start code excluded).
func ParseSPS(codec Codec, nalu []byte) (SPSInfo, error) {
	if codec == CodecHEVC {
		return parseHEVCSPS(nalu)
	}
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	rbsp := RemoveEmulationPrevention(nalu[1:])
	if len(rbsp) < 3 {
		return SPSInfo{}, errSPSTooShort
	}
	return SPSInfo{
		Codec:           CodecH264,
		ProfileIDC:      rbsp[0],
		ConstraintFlags: rbsp[1],
		LevelIDC:        rbsp[2],
	}, nil
}

func parseHEVCSPS(nalu []byte) (SPSInfo, error) {
	// 2-byte NAL header, then 4+3+1 bits before profile_tier_level, which
	// needs 2+1+5+32+48+8 bits for the general profile.
	if len(nalu) < 15 {
		return SPSInfo{}, errSPSTooShort
	}
	br := newBitReader(RemoveEmulationPrevention(nalu[2:]))

	if _, err := br.readBits(8); err != nil { // vps id, max_sub_layers, nesting
		return SPSInfo{}, err
	}

	info := SPSInfo{Codec: CodecHEVC}
	fields := []struct {
		n   int
		set func(uint64)
	}{
		{2, func(v uint64) { info.ProfileSpace = byte(v) }},
		{1, func(v uint64) { info.TierFlag = byte(v) }},
		{5, func(v uint64) { info.ProfileIDC = byte(v) }},
		{32, func(v uint64) { info.ProfileCompatibilityFlags = uint32(v) }},
		{48, func(v uint64) { info.ConstraintIndicatorFlags = v }},
		{8, func(v uint64) { info.LevelIDC = byte(v) }},
	}
	for _, f := range fields {
		v, err := br.readBits(f.n)
		if err != nil {
			return SPSInfo{}, err
		}
		f.set(v)
	}
	return info, nil
}

// FindCodecString returns the codec string of the first SPS in an access
// unit, or "" when none is present or it cannot be parsed.
func FindCodecString(codec Codec, data []byte) string {
	for _, u := range ParseAnnexB(codec, data) {
		if !IsSPS(codec, u.Type) {
			continue
		}
		info, err := ParseSPS(codec, u.Data)
		if err != nil {
			return ""
		}
		return info.CodecString()
	}
	return ""
}
