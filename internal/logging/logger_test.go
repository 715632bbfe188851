package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func reset(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	output = &buf
	mutex.Unlock()
	return &buf
}

func TestModuleLevelOverride(t *testing.T) {
	reset(t)
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"encoder": "debug",
			"devices": "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"encoder", true, true, true},
		{"devices", false, false, true},
		{"other", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestLoggerCreatedBeforeInitialize(t *testing.T) {
	reset(t)
	early := GetLogger("encoder")
	if early.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("default level should be info")
	}

	Initialize(Config{Level: "debug"})
	if !GetLogger("encoder").Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Initialize should raise existing module levels")
	}
}

func TestOutputIncludesModule(t *testing.T) {
	buf := reset(t)
	Initialize(Config{Level: "info", Format: "text"})

	GetLogger("encoder").Info("Session state changed", "to", "streaming")

	out := buf.String()
	for _, want := range []string{"module=encoder", "to=streaming", "Session state changed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	buf := reset(t)
	Initialize(Config{Level: "info", Format: "json"})

	GetLogger("rtp").Warn("Packet too large", "bytes", 70000)
	if !strings.Contains(buf.String(), `"module":"rtp"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestSetModuleLevel(t *testing.T) {
	buf := reset(t)
	Initialize(Config{Level: "info"})
	logger := GetLogger("encoder")

	logger.Debug("hidden")
	if !SetModuleLevel("encoder", "debug") {
		t.Fatal("SetModuleLevel rejected debug")
	}
	logger.Debug("visible")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "visible") {
		t.Errorf("unexpected output %q", buf.String())
	}
	if SetModuleLevel("encoder", "loud") {
		t.Error("unknown level should be rejected")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want *slog.Level
	}{
		{"debug", ptr(slog.LevelDebug)},
		{"INFO", ptr(slog.LevelInfo)},
		{"warning", ptr(slog.LevelWarn)},
		{"error", ptr(slog.LevelError)},
		{"", nil},
		{"trace", nil},
	}
	for _, tt := range tests {
		got := parseLevel(tt.in)
		if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func ptr(l slog.Level) *slog.Level { return &l }

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("down") }

func TestMultiHandler(t *testing.T) {
	var debugBuf, infoBuf bytes.Buffer
	debug := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	info := slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debug, info)).With("module", "encoder").WithGroup("frame")
	logger.Debug("debug only", "seq", 1)
	logger.Info("both", "seq", 2)

	if !strings.Contains(debugBuf.String(), "debug only") || !strings.Contains(debugBuf.String(), "frame.seq=2") {
		t.Errorf("debug handler output %q", debugBuf.String())
	}
	if strings.Contains(infoBuf.String(), "debug only") || !strings.Contains(infoBuf.String(), "both") {
		t.Errorf("info handler output %q", infoBuf.String())
	}

	var okBuf bytes.Buffer
	m := NewMultiHandler(failingHandler{info}, slog.NewTextHandler(&okBuf, nil))
	err := m.Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "still delivered", 0))
	if err == nil || !strings.Contains(okBuf.String(), "still delivered") {
		t.Errorf("err = %v, output %q", err, okBuf.String())
	}
}

func TestJournalKey(t *testing.T) {
	tests := []struct {
		groups []string
		key    string
		want   string
	}{
		{nil, "sequence", "SEQUENCE"},
		{[]string{"packet"}, "keyframe", "PACKET_KEYFRAME"},
		{nil, "remote.addr", "REMOTE_ADDR"},
		{nil, "_private", "PRIVATE"},
		{[]string{"fmt"}, "pixel-format", "FMT_PIXEL_FORMAT"},
		{nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := journalKey(tt.groups, tt.key); got != tt.want {
				t.Errorf("journalKey(%v, %q) = %q, want %q", tt.groups, tt.key, got, tt.want)
			}
		})
	}
}

func TestJournalFields(t *testing.T) {
	var lv slog.LevelVar
	h := NewJournalHandler(&lv).
		WithAttrs([]slog.Attr{slog.String("module", "encoder")}).
		WithGroup("packet").(*JournalHandler)

	r := slog.NewRecord(time.Time{}, slog.LevelWarn, "late packet", 0)
	r.AddAttrs(
		slog.Int("sequence", 7),
		slog.Bool("keyframe", true),
		slog.Group("fmt", slog.String("codec", "h264")),
	)
	fields := h.fields(r, journalPriority(r.Level))

	want := map[string]string{
		"PRIORITY":          "4",
		"SYSLOG_IDENTIFIER": SyslogIdentifier,
		"PACKET_MODULE":     "encoder",
		"PACKET_SEQUENCE":   "7",
		"PACKET_KEYFRAME":   "true",
		"PACKET_FMT_CODEC":  "h264",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%s] = %q, want %q", k, fields[k], v)
		}
	}

	lv.Set(slog.LevelError)
	if h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("journal handler should follow its LevelVar")
	}
}
