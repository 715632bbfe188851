package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/m2menc/cmd"
	"github.com/smazurov/m2menc/internal/api"
	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/config"
	"github.com/smazurov/m2menc/internal/devices"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/events"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/internal/pipeline"
	"github.com/smazurov/m2menc/internal/rawvideo"
	"github.com/smazurov/m2menc/internal/rtpout"
	"github.com/smazurov/m2menc/internal/systemd"
	"github.com/smazurov/m2menc/internal/version"
)

// PatternInput selects the generated test pattern instead of a file.
const PatternInput = "pattern"

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"m2menc.toml"`

	// Input settings
	Input       string `help:"Raw video file, - for stdin, or pattern" short:"i" default:"pattern" toml:"input.path" env:"INPUT_PATH"`
	Width       int    `help:"Frame width in pixels" default:"1280" toml:"input.width" env:"INPUT_WIDTH"`
	Height      int    `help:"Frame height in pixels" default:"720" toml:"input.height" env:"INPUT_HEIGHT"`
	PixelFormat string `help:"Raw layout (yuv420, nv12, yuyv)" default:"nv12" toml:"input.pixel_format" env:"INPUT_PIXEL_FORMAT"`
	Frames      int    `help:"Stop after this many frames, 0 reads to end of input" default:"0" toml:"input.frames" env:"INPUT_FRAMES"`

	// Output settings
	Output      string `help:"Annex B output file, - for stdout" short:"o" default:"" toml:"output.path" env:"OUTPUT_PATH"`
	RtpAddr     string `help:"Send RTP to host:port" default:"" toml:"output.rtp_addr" env:"OUTPUT_RTP_ADDR"`
	RtcpReports string `help:"RTCP sender report interval on the RTP port plus one, 0 disables" default:"5s" toml:"output.rtcp_reports" env:"OUTPUT_RTCP_REPORTS"`

	// API settings
	ApiAddr      string `help:"Serve the control API and /metrics on this address" default:"" toml:"api.addr" env:"API_ADDR"`
	AuthUsername string `help:"Basic auth username for the control API" default:"" toml:"api.username" env:"API_USERNAME"`
	AuthPassword string `help:"Basic auth password for the control API" default:"" toml:"api.password" env:"API_PASSWORD"`

	// Encoder settings
	Device        string `help:"Encoder device, auto, or sim" short:"d" default:"auto" toml:"encoder.device" env:"ENCODER_DEVICE"`
	Codec         string `help:"Codec (h264, hevc)" default:"h264" toml:"encoder.codec" env:"ENCODER_CODEC"`
	Profile       string `help:"Codec profile, empty for the codec default" default:"" toml:"encoder.profile" env:"ENCODER_PROFILE"`
	Level         string `help:"Codec level" default:"4.0" toml:"encoder.level" env:"ENCODER_LEVEL"`
	Bitrate       int    `help:"Target bitrate in bits per second" default:"4000000" toml:"encoder.bitrate" env:"ENCODER_BITRATE"`
	PeakBitrate   int    `help:"Peak bitrate for vbr, 0 lets the device decide" default:"0" toml:"encoder.peak_bitrate" env:"ENCODER_PEAK_BITRATE"`
	RateControl   string `help:"Rate control (vbr, cbr, cq)" default:"vbr" toml:"encoder.rate_control" env:"ENCODER_RATE_CONTROL"`
	Quality       int    `help:"Constant quality for cq, 0-100" default:"50" toml:"encoder.quality" env:"ENCODER_QUALITY"`
	Gop           int    `help:"Frames between keyframes, 0 for only the first" default:"30" toml:"encoder.gop" env:"ENCODER_GOP"`
	Fps           int    `help:"Frame rate" default:"30" toml:"encoder.fps" env:"ENCODER_FPS"`
	InputBuffers  int    `help:"Raw frame buffers" default:"6" toml:"encoder.input_buffers" env:"ENCODER_INPUT_BUFFERS"`
	OutputBuffers int    `help:"Bitstream buffers" default:"6" toml:"encoder.output_buffers" env:"ENCODER_OUTPUT_BUFFERS"`
	DrainTimeout  string `help:"How long to wait for the device to drain" default:"5s" toml:"encoder.drain_timeout" env:"ENCODER_DRAIN_TIMEOUT"`
	KeyframeEvery int    `help:"Force a keyframe every n frames, 0 leaves it to the device" default:"0" toml:"encoder.keyframe_every" env:"ENCODER_KEYFRAME_EVERY"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingEncoder  string `help:"Encoder session logging level" default:"" toml:"logging.encoder" env:"LOGGING_ENCODER"`
	LoggingDevices  string `help:"Devices logging level" default:"" toml:"logging.devices" env:"LOGGING_DEVICES"`
	LoggingPipeline string `help:"Pipeline logging level" default:"" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingRtp      string `help:"RTP sender logging level" default:"" toml:"logging.rtp" env:"LOGGING_RTP"`
}

func main() {
	var cli humacli.CLI
	exitCode := 0

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(loggingConfig(opts))
		logger := logging.GetLogger("main")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		hooks.OnStart(func() {
			defer close(done)
			logger.Info("m2menc starting", "version", version.String(), "device", opts.Device)
			if err := run(ctx, opts, logger); err != nil {
				logger.Error("Encode failed", "error", err)
				exitCode = 1
			}
		})

		hooks.OnStop(func() {
			logger.Info("Interrupted, draining encoder")
			cancel()
			<-done
		})
	})

	cli.Root().Use = "m2menc"
	cli.Root().Short = "Hardware video encoder for V4L2 memory-to-memory devices"
	cli.Root().AddCommand(cmd.CreateDevicesCmd())
	cli.Root().AddCommand(cmd.CreateValidateCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	cli.Run()
	os.Exit(exitCode)
}

func loggingConfig(opts *Options) logging.Config {
	cfg := logging.Config{
		Level:   opts.LoggingLevel,
		Format:  opts.LoggingFormat,
		Modules: map[string]string{},
	}
	for module, level := range map[string]string{
		"encoder":  opts.LoggingEncoder,
		"devices":  opts.LoggingDevices,
		"pipeline": opts.LoggingPipeline,
		"rtp":      opts.LoggingRtp,
	} {
		if level != "" {
			cfg.Modules[module] = level
		}
	}
	return cfg
}

func paramsFromOptions(opts *Options) (encoder.Params, error) {
	p := encoder.DefaultParams()
	p.Codec = bitstream.Codec(strings.ToLower(opts.Codec))
	if p.Codec == "h265" {
		p.Codec = bitstream.CodecHEVC
	}
	p.Profile = opts.Profile
	if p.Profile == "" {
		p.Profile = "high"
		if p.Codec == bitstream.CodecHEVC {
			p.Profile = "main"
		}
	}
	p.Level = opts.Level
	p.Bitrate = opts.Bitrate
	p.PeakBitrate = opts.PeakBitrate
	p.RateControl = encoder.RateControl(strings.ToLower(opts.RateControl))
	p.Quality = opts.Quality
	p.GOPSize = opts.Gop
	p.FrameRate = opts.Fps
	p.InputBuffers = opts.InputBuffers
	p.OutputBuffers = opts.OutputBuffers

	d, err := time.ParseDuration(opts.DrainTimeout)
	if err != nil {
		return encoder.Params{}, fmt.Errorf("drain timeout: %w", err)
	}
	p.DrainTimeout = d
	return p, p.Validate()
}

func openSource(opts *Options) (rawvideo.Source, io.Closer, error) {
	meta := encoder.PixelMeta{
		Width:  opts.Width,
		Height: opts.Height,
		Format: encoder.PixelFormat(strings.ToLower(opts.PixelFormat)),
	}

	switch opts.Input {
	case PatternInput:
		frames := opts.Frames
		if frames == 0 {
			frames = 10 * opts.Fps
		}
		src, err := rawvideo.NewPattern(meta, frames)
		return src, io.NopCloser(nil), err
	case "-":
		src, err := rawvideo.NewReader(os.Stdin, meta)
		return src, io.NopCloser(nil), err
	}

	f, err := os.Open(opts.Input)
	if err != nil {
		return nil, nil, err
	}
	src, err := rawvideo.NewReader(f, meta)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return src, f, nil
}

func run(ctx context.Context, opts *Options, logger *slog.Logger) error {
	params, err := paramsFromOptions(opts)
	if err != nil {
		return err
	}

	src, srcCloser, err := openSource(opts)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer srcCloser.Close()

	bus := events.New()
	defer logEvents(bus, logger)()

	notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
	defer notifier.Stopping()
	defer bus.Subscribe(func(e events.SessionStateChangedEvent) {
		notifier.Status(fmt.Sprintf("%s: %s %s", e.Device, e.To, e.Format))
	})()
	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go notifier.Run(watchdogCtx)

	var sinks []pipeline.Sink
	var stream *pipeline.StreamSink
	switch opts.Output {
	case "":
	case "-":
		stream = pipeline.NewStreamSink(os.Stdout)
	default:
		f, createErr := os.Create(opts.Output)
		if createErr != nil {
			return fmt.Errorf("create output: %w", createErr)
		}
		defer f.Close()
		stream = pipeline.NewStreamSink(f)
	}
	if stream != nil {
		sinks = append(sinks, stream)
	}

	if opts.RtpAddr != "" {
		rtpOpts, optErr := rtpOptions(opts, params)
		if optErr != nil {
			return optErr
		}
		sender, dialErr := rtpout.Dial(opts.RtpAddr, params.Codec, rtpOpts...)
		if dialErr != nil {
			return dialErr
		}
		defer sender.Close()
		sinks = append(sinks, sender)
		logger.Info("Sending RTP", "destination", opts.RtpAddr)
	}

	dev, err := devices.Open(opts.Device)
	if err != nil {
		return fmt.Errorf("open encoder %s: %w", opts.Device, err)
	}

	p, err := pipeline.New(dev, pipeline.Options{
		Params:        params,
		KeyframeEvery: opts.KeyframeEvery,
		MaxFrames:     opts.Frames,
		Sinks:         sinks,
		Bus:           bus,
		Logger:        logging.GetLogger("pipeline").With("device", dev.Name()),
	})
	if err != nil {
		return err
	}

	if stopWatch := watchConfig(opts.Config, p, logger); stopWatch != nil {
		defer stopWatch()
	}
	if opts.ApiAddr != "" {
		stopAPI, apiErr := serveAPI(opts, p, bus, logger)
		if apiErr != nil {
			p.Close()
			return apiErr
		}
		defer stopAPI()
	}
	notifier.Ready()

	res, runErr := p.Run(ctx, src)
	if stream != nil {
		if flushErr := stream.Flush(); flushErr != nil && runErr == nil {
			runErr = fmt.Errorf("flush output: %w", flushErr)
		}
	}

	logger.Info("Encode finished",
		"frames", res.Frames,
		"packets", res.Packets,
		"bytes", res.Bytes,
		"dropped", res.Dropped,
		"codec", res.Codec,
		"format", res.Format,
		"duration", res.Duration.Round(time.Millisecond))
	return runErr
}

func rtpOptions(opts *Options, params encoder.Params) ([]rtpout.Option, error) {
	rtpOpts := []rtpout.Option{rtpout.WithFrameRate(params.FrameRate)}
	if opts.RtcpReports == "" || opts.RtcpReports == "0" {
		return rtpOpts, nil
	}
	interval, err := time.ParseDuration(opts.RtcpReports)
	if err != nil {
		return nil, fmt.Errorf("invalid rtcp report interval %q: %w", opts.RtcpReports, err)
	}
	if interval <= 0 {
		return rtpOpts, nil
	}
	rtcpAddr, err := rtpout.RTCPAddr(opts.RtpAddr)
	if err != nil {
		return nil, fmt.Errorf("rtcp address for %s: %w", opts.RtpAddr, err)
	}
	return append(rtpOpts, rtpout.WithRTCP(rtcpAddr, interval)), nil
}

// watchConfig hot-reloads bitrate and log levels from the config file. It
// returns nil when there is no file to watch.
func watchConfig(path string, p *pipeline.Pipeline, logger *slog.Logger) func() {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	w := config.NewConfigWatcher(path, config.LoadRuntime, logging.GetLogger("config"))
	var mu sync.Mutex
	last := 0
	w.OnReload(func(rt config.Runtime) {
		logging.Initialize(rt.Logging)

		mu.Lock()
		defer mu.Unlock()
		if rt.Bitrate == 0 || rt.Bitrate == last {
			return
		}
		if err := p.SetBitrate(rt.Bitrate); err != nil {
			logger.Warn("Bitrate reload rejected", "bitrate", rt.Bitrate, "error", err)
			return
		}
		last = rt.Bitrate
		logger.Info("Bitrate reloaded", "bitrate", rt.Bitrate)
	})

	if err := w.Start(); err != nil {
		logger.Warn("Failed to start config watcher, hot-reload disabled", "error", err)
		return nil
	}
	return func() { _ = w.Stop() }
}

func logEvents(bus *events.Bus, logger *slog.Logger) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.SessionStateChangedEvent) {
			logger.Debug("Session state", "device", e.Device, "from", e.From, "to", e.To, "format", e.Format)
		}),
		bus.Subscribe(func(e events.EncoderFaultEvent) {
			logger.Error("Encoder fault", "device", e.Device, "code", e.Code, "error", e.Error)
		}),
		bus.Subscribe(func(e events.FramesDroppedEvent) {
			logger.Warn("Frames dropped", "device", e.Device, "count", e.Count, "reason", e.Reason)
		}),
		bus.Subscribe(func(e events.BitrateChangedEvent) {
			logger.Info("Bitrate changed", "device", e.Device, "bitrate", e.Bitrate)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func serveAPI(opts *Options, p *pipeline.Pipeline, bus *events.Bus, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", opts.ApiAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.ApiAddr, err)
	}

	srv := api.NewServer(api.Options{
		AuthUsername: opts.AuthUsername,
		AuthPassword: opts.AuthPassword,
		Controller:   p,
		Bus:          bus,
		Metrics:      true,
	})
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil {
			logger.Error("API server failed", "error", serveErr)
		}
	}()
	return func() { _ = srv.Stop() }, nil
}
