//go:build linux

package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/pkg/linuxav/v4l2"
)

// pollInterval bounds how long a Dequeue waits in poll before checking its
// context again.
const pollInterval = 100 * time.Millisecond

// minBitstreamBuffer is the smallest capture buffer we ask for. Drivers
// size it from the resolution when left at zero, and some get it wrong.
const minBitstreamBuffer = 256 << 10

var h264ProfileMenu = map[string]int32{
	"baseline": 0,
	"main":     2,
	"extended": 3,
	"high":     4,
	"high10":   5,
	"high422":  6,
	"high444":  7,
}

var h264LevelMenu = map[string]int32{
	"1.0": 0, "1": 0, "1b": 1, "1.1": 2, "1.2": 3, "1.3": 4,
	"2.0": 5, "2": 5, "2.1": 6, "2.2": 7,
	"3.0": 8, "3": 8, "3.1": 9, "3.2": 10,
	"4.0": 11, "4": 11, "4.1": 12, "4.2": 13,
	"5.0": 14, "5": 14, "5.1": 15, "5.2": 16,
	"6.0": 17, "6": 17, "6.1": 18, "6.2": 19,
}

var hevcProfileMenu = map[string]int32{
	"main":   0,
	"main10": 2,
}

var hevcLevelMenu = map[string]int32{
	"1.0": 0, "1": 0,
	"2.0": 1, "2": 1, "2.1": 2,
	"3.0": 3, "3": 3, "3.1": 4,
	"4.0": 5, "4": 5, "4.1": 6,
	"5.0": 7, "5": 7, "5.1": 8, "5.2": 9,
	"6.0": 10, "6": 10, "6.1": 11, "6.2": 12,
}

var bitrateModes = map[encoder.RateControl]int32{
	encoder.RateControlVBR: v4l2.BitrateModeVBR,
	encoder.RateControlCBR: v4l2.BitrateModeCBR,
	encoder.RateControlCQ:  v4l2.BitrateModeCQ,
}

// m2mDevice adapts a v4l2.Encoder to encoder.Device. The session's input
// plane is the V4L2 OUTPUT queue and its output plane the CAPTURE queue.
type m2mDevice struct {
	enc    *v4l2.Encoder
	logger *slog.Logger
}

func openM2M(path string) (encoder.Device, error) {
	enc, err := v4l2.OpenEncoder(path)
	if err != nil {
		return nil, err
	}
	return &m2mDevice{
		enc:    enc,
		logger: logging.GetLogger("devices").With("device", path),
	}, nil
}

func bufType(p encoder.Plane) v4l2.BufType {
	if p == encoder.PlaneInput {
		return v4l2.BufTypeOutputMplane
	}
	return v4l2.BufTypeCaptureMplane
}

func (d *m2mDevice) Name() string {
	return d.enc.Path()
}

func (d *m2mDevice) Configure(f encoder.DeviceFormat, params encoder.Params) (encoder.DeviceFormat, error) {
	codec := uint32(v4l2.PixFmtH264)
	if f.Codec == bitstream.CodecHEVC {
		codec = v4l2.PixFmtHEVC
	}
	width, height := uint32(f.Width), uint32(f.Height)

	// Encoders want the coded format first; it constrains the raw side.
	sizeImage := max(f.FrameSize(), minBitstreamBuffer)
	if _, err := d.enc.SetFormat(v4l2.BufTypeCaptureMplane, width, height, codec, uint32(sizeImage)); err != nil {
		return encoder.DeviceFormat{}, err
	}

	raw, err := d.enc.SetFormat(v4l2.BufTypeOutputMplane, width, height, v4l2.FourCC(f.FourCC), 0)
	if err != nil {
		return encoder.DeviceFormat{}, err
	}
	if raw.Width != width || raw.Height != height {
		return encoder.DeviceFormat{}, fmt.Errorf("driver adjusted %dx%d to %dx%d", width, height, raw.Width, raw.Height)
	}
	if len(raw.Planes) != len(f.Planes) {
		return encoder.DeviceFormat{}, fmt.Errorf("driver uses %d memory planes for %s, want %d", len(raw.Planes), f.FourCC, len(f.Planes))
	}

	out := f
	out.Planes = make([]encoder.PlaneLayout, len(f.Planes))
	for i, p := range f.Planes {
		stride := int(raw.Planes[i].BytesPerLine)
		size := int(raw.Planes[i].SizeImage)
		if stride < p.RowBytes || size < stride*p.Rows {
			return encoder.DeviceFormat{}, fmt.Errorf("driver plane %d layout stride=%d size=%d cannot hold %dx%d",
				i, stride, size, p.RowBytes, p.Rows)
		}
		p.Stride = stride
		p.Size = size
		out.Planes[i] = p
	}

	if err := d.enc.SetFrameRate(uint32(params.FrameRate)); err != nil {
		d.logger.Warn("Driver rejected frame rate", "fps", params.FrameRate, "error", err)
	}
	d.applyControls(f, params)
	return out, nil
}

// applyControls sets rate control and codec controls. Drivers implement
// different subsets, so failures are logged and skipped.
func (d *m2mDevice) applyControls(f encoder.DeviceFormat, params encoder.Params) {
	type control struct {
		name  string
		id    uint32
		value int32
	}
	controls := []control{
		{"bitrate_mode", v4l2.CIDBitrateMode, bitrateModes[params.RateControl]},
		{"gop_size", v4l2.CIDGOPSize, int32(params.GOPSize)},
		{"repeat_seq_header", v4l2.CIDRepeatSeqHeader, 1},
	}

	switch params.RateControl {
	case encoder.RateControlCQ:
		controls = append(controls, control{"constant_quality", v4l2.CIDConstantQuality, int32(params.Quality)})
	default:
		controls = append(controls, control{"bitrate", v4l2.CIDBitrate, int32(params.Bitrate)})
		if params.RateControl == encoder.RateControlVBR && params.PeakBitrate > 0 {
			controls = append(controls, control{"bitrate_peak", v4l2.CIDBitratePeak, int32(params.PeakBitrate)})
		}
	}

	if f.Codec == bitstream.CodecHEVC {
		if v, ok := hevcProfileMenu[f.Profile]; ok {
			controls = append(controls, control{"hevc_profile", v4l2.CIDHEVCProfile, v})
		}
		if v, ok := hevcLevelMenu[f.Level]; ok {
			controls = append(controls, control{"hevc_level", v4l2.CIDHEVCLevel, v})
		}
	} else {
		if v, ok := h264ProfileMenu[f.Profile]; ok {
			controls = append(controls, control{"h264_profile", v4l2.CIDH264Profile, v})
		}
		if v, ok := h264LevelMenu[f.Level]; ok {
			controls = append(controls, control{"h264_level", v4l2.CIDH264Level, v})
		}
		controls = append(controls, control{"h264_i_period", v4l2.CIDH264IPeriod, int32(params.GOPSize)})
	}

	for _, c := range controls {
		if err := d.enc.SetControl(c.id, c.value); err != nil {
			d.logger.Warn("Driver rejected control", "control", c.name, "value", c.value, "error", err)
			continue
		}
		d.logger.Debug("Control set", "control", c.name, "value", c.value)
	}
}

func (d *m2mDevice) Allocate(plane encoder.Plane, count int) ([]encoder.DeviceBuffer, error) {
	bufs, err := d.enc.RequestBuffers(bufType(plane), count)
	if err != nil {
		return nil, err
	}
	if len(bufs) != count {
		d.logger.Info("Driver adjusted buffer count", "plane", plane.String(), "requested", count, "granted", len(bufs))
	}

	out := make([]encoder.DeviceBuffer, len(bufs))
	for i, b := range bufs {
		out[i] = encoder.DeviceBuffer{Index: b.Index, Planes: b.Planes}
	}
	return out, nil
}

func (d *m2mDevice) Queue(plane encoder.Plane, sub encoder.Submission) error {
	if plane == encoder.PlaneOutput {
		return d.enc.QueueBuffer(v4l2.BufTypeCaptureMplane, sub.Index, nil, 0, 0)
	}

	if sub.Keyframe {
		if err := d.enc.SetControl(v4l2.CIDForceKeyFrame, 1); err != nil {
			d.logger.Warn("Driver rejected keyframe request", "sequence", sub.Sequence, "error", err)
		}
	}

	used := make([]uint32, len(sub.BytesUsed))
	for i, n := range sub.BytesUsed {
		used[i] = uint32(n)
	}
	// The sequence rides in the timestamp, which the driver copies to the
	// capture buffer encoded from this frame.
	sec := int64(sub.Sequence / 1_000_000)
	usec := int64(sub.Sequence % 1_000_000)
	return d.enc.QueueBuffer(v4l2.BufTypeOutputMplane, sub.Index, used, sec, usec)
}

func (d *m2mDevice) Dequeue(ctx context.Context, plane encoder.Plane) (encoder.Completion, error) {
	typ := bufType(plane)
	for {
		if err := ctx.Err(); err != nil {
			return encoder.Completion{}, err
		}

		b, err := d.enc.DequeueBuffer(typ, pollInterval)
		switch {
		case errors.Is(err, v4l2.ErrTimeout):
			continue
		case errors.Is(err, v4l2.ErrStopped):
			return encoder.Completion{}, encoder.ErrStreamStopped
		case err != nil:
			return encoder.Completion{}, err
		}

		c := encoder.Completion{
			Index:    b.Index,
			Sequence: uint64(b.Sec)*1_000_000 + uint64(b.Usec),
			Keyframe: b.Keyframe(),
			Last:     b.Last(),
		}
		if len(b.BytesUsed) > 0 {
			c.BytesUsed = int(b.BytesUsed[0])
		}
		if len(b.DataOffset) > 0 {
			c.DataOffset = int(b.DataOffset[0])
		}
		if b.Failed() && !c.Last {
			c.Err = fmt.Errorf("driver flagged %s buffer %d as corrupted", typ, b.Index)
		}
		return c, nil
	}
}

func (d *m2mDevice) StreamOn(plane encoder.Plane) error {
	return d.enc.StreamOn(bufType(plane))
}

func (d *m2mDevice) StreamOff(plane encoder.Plane) error {
	return d.enc.StreamOff(bufType(plane))
}

func (d *m2mDevice) SetBitrate(bps int) error {
	return d.enc.SetControl(v4l2.CIDBitrate, int32(bps))
}

func (d *m2mDevice) Drain() error {
	return d.enc.Stop()
}

func (d *m2mDevice) Release() error {
	return errors.Join(
		d.enc.ReleaseBuffers(v4l2.BufTypeOutputMplane),
		d.enc.ReleaseBuffers(v4l2.BufTypeCaptureMplane),
	)
}

func (d *m2mDevice) Close() error {
	return d.enc.Close()
}

func listEncoders() ([]Info, error) {
	found, err := v4l2.FindEncoders()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(found))
	for _, dev := range found {
		info := Info{
			Path:   dev.DevicePath,
			Name:   dev.DeviceName,
			Driver: dev.Driver,
			ID:     dev.DeviceID,
		}
		for _, c := range dev.Codecs {
			switch c {
			case v4l2.PixFmtH264:
				info.Codecs = append(info.Codecs, string(bitstream.CodecH264))
			case v4l2.PixFmtHEVC:
				info.Codecs = append(info.Codecs, string(bitstream.CodecHEVC))
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}
