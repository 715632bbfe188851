package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/devices"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/internal/pipeline"
	"github.com/smazurov/m2menc/internal/rawvideo"
	"github.com/spf13/cobra"
)

const (
	validateFrames = 60
	validateWidth  = 640
	validateHeight = 480
)

// ValidationResult records one device and codec probe.
type ValidationResult struct {
	Device   string  `toml:"device"`
	Codec    string  `toml:"codec"`
	Working  bool    `toml:"working"`
	Packets  int     `toml:"packets"`
	Bytes    int64   `toml:"bytes"`
	Keyframe bool    `toml:"keyframe"`
	Stream   string  `toml:"stream_codec,omitempty"`
	Seconds  float64 `toml:"seconds"`
	Error    string  `toml:"error,omitempty"`
}

// ValidationReport is written to the output file.
type ValidationReport struct {
	ValidatedAt time.Time          `toml:"validated_at"`
	Results     []ValidationResult `toml:"result"`
}

// CreateValidateCmd creates the validate-encoders command.
func CreateValidateCmd() *cobra.Command {
	var output string
	var deviceList []string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "validate-encoders",
		Short: "Validate hardware encoder availability",
		Long: `Encodes a short test pattern through each encoder and codec to find out which ones actually work ` +
			`on this system. Results are written as TOML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(deviceList) == 0 {
				found, err := devices.List()
				if err != nil {
					return err
				}
				for _, d := range found {
					deviceList = append(deviceList, d.Path)
				}
			}
			if len(deviceList) == 0 {
				return fmt.Errorf("no hardware encoders found, use --device sim to try the simulator")
			}

			var progress io.Writer = cmd.ErrOrStderr()
			if quiet {
				progress = io.Discard
			}
			report := ValidationReport{ValidatedAt: time.Now().UTC()}
			for _, path := range deviceList {
				for _, codec := range []bitstream.Codec{bitstream.CodecH264, bitstream.CodecHEVC} {
					r := ValidateEncoder(cmd.Context(), path, codec)
					report.Results = append(report.Results, r)
					status := "ok"
					if !r.Working {
						status = "failed: " + r.Error
					}
					fmt.Fprintf(progress, "%s %s: %s\n", path, codec, status)
				}
			}
			return writeReport(output, report)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "validated_encoders.toml", "Output file for validation results")
	cmd.Flags().StringSliceVarP(&deviceList, "device", "d", nil, "Devices to validate (default: all found)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress per-encoder progress output")
	return cmd
}

// ValidateEncoder encodes a test pattern through one device and reports
// whether every frame came back as a packet.
func ValidateEncoder(ctx context.Context, path string, codec bitstream.Codec) ValidationResult {
	if ctx == nil {
		ctx = context.Background()
	}
	res := ValidationResult{Device: path, Codec: string(codec)}
	start := time.Now()
	defer func() { res.Seconds = time.Since(start).Seconds() }()

	params := encoder.DefaultParams()
	params.Codec = codec
	if codec == bitstream.CodecHEVC {
		params.Profile = "main"
	}
	params.Bitrate = 1_000_000
	params.DrainTimeout = 3 * time.Second

	meta := encoder.PixelMeta{Width: validateWidth, Height: validateHeight, Format: encoder.PixelFormatNV12}
	src, err := rawvideo.NewPattern(meta, validateFrames)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	dev, err := devices.Open(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	keyframe := &firstKeyframe{}
	p, err := pipeline.New(dev, pipeline.Options{
		Params: params,
		Sinks:  []pipeline.Sink{keyframe},
		Logger: logging.GetLogger("validate").With("device", path, "codec", codec),
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	out, err := p.Run(ctx, src)
	res.Packets = out.Packets
	res.Bytes = out.Bytes
	res.Stream = out.Codec
	res.Keyframe = keyframe.seen
	if err != nil {
		res.Error = err.Error()
		return res
	}

	switch {
	case out.Packets != validateFrames:
		res.Error = fmt.Sprintf("got %d packets for %d frames", out.Packets, validateFrames)
	case !keyframe.seen:
		res.Error = "first packet is not a keyframe"
	default:
		res.Working = true
	}
	return res
}

type firstKeyframe struct {
	started bool
	seen    bool
}

func (f *firstKeyframe) WritePacket(p encoder.Packet) error {
	if !f.started {
		f.started = true
		f.seen = p.Keyframe
	}
	return nil
}

func writeReport(path string, report ValidationReport) error {
	data, err := toml.Marshal(report)
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
