package encoder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/m2menc/internal/bitstream"
)

// RateControl selects how the device spends bits.
type RateControl string

// Rate control modes.
const (
	RateControlVBR RateControl = "vbr"
	RateControlCBR RateControl = "cbr"
	RateControlCQ  RateControl = "cq"
)

// Params configures a session. The zero value is not usable; start from
// DefaultParams.
type Params struct {
	Codec       bitstream.Codec
	Profile     string // h264: baseline, main, extended, high, high10, high422, high444; hevc: main, main10
	Level       string // e.g. "4.0", "5.1"
	Bitrate     int    // bits per second
	PeakBitrate int    // vbr only, 0 lets the device decide
	RateControl RateControl
	Quality     int // cq only, 0-100
	GOPSize     int // frames between keyframes, 0 means only the first
	FrameRate   int

	InputBuffers  int
	OutputBuffers int
	DrainTimeout  time.Duration
}

// DefaultParams returns the defaults used by the CLI.
func DefaultParams() Params {
	return Params{
		Codec:         bitstream.CodecH264,
		Profile:       "high",
		Level:         "4.0",
		Bitrate:       4_000_000,
		RateControl:   RateControlVBR,
		Quality:       50,
		GOPSize:       30,
		FrameRate:     30,
		InputBuffers:  6,
		OutputBuffers: 6,
		DrainTimeout:  5 * time.Second,
	}
}

var h264Profiles = map[string]byte{
	"baseline": 66,
	"main":     77,
	"extended": 88,
	"high":     100,
	"high10":   110,
	"high422":  122,
	"high444":  244,
}

var hevcProfiles = map[string]byte{
	"main":   1,
	"main10": 2,
}

// ProfileIDC returns the profile_idc for a named profile.
func ProfileIDC(codec bitstream.Codec, profile string) (byte, bool) {
	table := h264Profiles
	if codec == bitstream.CodecHEVC {
		table = hevcProfiles
	}
	idc, ok := table[strings.ToLower(profile)]
	return idc, ok
}

// LevelIDC returns the level_idc for a level string. H.264 uses level*10
// (1b is 9), H.265 uses level*30.
func LevelIDC(codec bitstream.Codec, level string) (byte, bool) {
	if codec == bitstream.CodecH264 && strings.EqualFold(level, "1b") {
		return 9, true
	}
	v, err := strconv.ParseFloat(level, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	switch codec {
	case bitstream.CodecHEVC:
		if v > 6.2 {
			return 0, false
		}
		return byte(v*30 + 0.5), true
	default:
		if v > 6.2 {
			return 0, false
		}
		return byte(v*10 + 0.5), true
	}
}

// Validate checks the fields that do not depend on the input frames.
func (p Params) Validate() error {
	if p.Codec != bitstream.CodecH264 && p.Codec != bitstream.CodecHEVC {
		return NewError(ErrCodeInvalidParams, fmt.Sprintf("unknown codec %q", p.Codec), nil)
	}
	if p.Bitrate <= 0 && p.RateControl != RateControlCQ {
		return NewError(ErrCodeInvalidParams, "bitrate must be positive", nil)
	}
	switch p.RateControl {
	case RateControlVBR, RateControlCBR, RateControlCQ:
	default:
		return NewError(ErrCodeInvalidParams, fmt.Sprintf("unknown rate control %q", p.RateControl), nil)
	}
	if p.PeakBitrate != 0 && p.PeakBitrate < p.Bitrate {
		return NewError(ErrCodeInvalidParams, "peak bitrate below target bitrate", nil)
	}
	if p.GOPSize < 0 {
		return NewError(ErrCodeInvalidParams, "gop size must not be negative", nil)
	}
	if p.FrameRate <= 0 {
		return NewError(ErrCodeInvalidParams, "frame rate must be positive", nil)
	}
	if p.InputBuffers < 1 || p.OutputBuffers < 1 {
		return NewError(ErrCodeInvalidParams, "at least one buffer per plane is required", nil)
	}
	if p.DrainTimeout <= 0 {
		return NewError(ErrCodeInvalidParams, "drain timeout must be positive", nil)
	}
	return nil
}
