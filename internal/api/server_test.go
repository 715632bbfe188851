package api

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/m2menc/internal/api/models"
	"github.com/smazurov/m2menc/internal/devices"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/events"
	"github.com/smazurov/m2menc/internal/metrics"
)

type fakeController struct {
	mu      sync.Mutex
	stats   encoder.Stats
	bitrate int
	err     error
}

func (f *fakeController) Stats() encoder.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeController) SetBitrate(bps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bitrate = bps
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	s := NewServer(Options{})
	for _, path := range []string{"/api/health", "/api/version"} {
		if rec := do(t, s.Handler(), http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestSessionStatus(t *testing.T) {
	ctrl := &fakeController{stats: encoder.Stats{
		State:           encoder.StateStreaming,
		Codec:           "avc1.640028",
		FramesSubmitted: 12,
		PacketsEmitted:  10,
		Format: encoder.DeviceFormat{
			Width: 1280, Height: 720, PixelFormat: encoder.PixelFormatNV12,
			FourCC: "NM12", Codec: "h264", Profile: "high", Level: "4.0",
		},
	}}
	s := NewServer(Options{Controller: ctrl})

	rec := do(t, s.Handler(), http.MethodGet, "/api/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var got models.SessionData
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.State != "streaming" || got.Codec != "avc1.640028" || got.FramesSubmitted != 12 {
		t.Errorf("session = %+v", got)
	}
	if got.Format == nil || got.Format.Width != 1280 || got.Format.FourCC != "NM12" {
		t.Errorf("format = %+v", got.Format)
	}
}

func TestSessionUnavailable(t *testing.T) {
	s := NewServer(Options{})
	if rec := do(t, s.Handler(), http.MethodGet, "/api/session", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSetBitrate(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		ctrlErr  error
		wantCode int
	}{
		{"accepted", `{"bitrate": 2000000}`, nil, http.StatusOK},
		{"below minimum", `{"bitrate": 0}`, nil, http.StatusUnprocessableEntity},
		{"rejected by session", `{"bitrate": 1000}`, encoder.NewError(encoder.ErrCodeInvalidParams, "too low", nil), http.StatusUnprocessableEntity},
		{"session closed", `{"bitrate": 1000}`, encoder.NewError(encoder.ErrCodeSessionClosed, "closed", nil), http.StatusConflict},
		{"device fault", `{"bitrate": 1000}`, encoder.NewError(encoder.ErrCodeDeviceIO, "ioctl", nil), http.StatusBadGateway},
		{"other", `{"bitrate": 1000}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{err: tt.ctrlErr}
			s := NewServer(Options{Controller: ctrl})
			rec := do(t, s.Handler(), http.MethodPut, "/api/session/bitrate", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode == http.StatusOK && ctrl.bitrate != 2_000_000 {
				t.Errorf("bitrate = %d", ctrl.bitrate)
			}
		})
	}
}

func TestListDevices(t *testing.T) {
	s := NewServer(Options{ListDevices: func() ([]devices.Info, error) {
		return []devices.Info{{Path: "/dev/video11", Name: "enc", Codecs: []string{"h264"}}}, nil
	}})
	rec := do(t, s.Handler(), http.MethodGet, "/api/devices", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.DevicesData
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 1 || got.Devices[0].Path != "/dev/video11" {
		t.Errorf("devices = %+v", got)
	}

	failing := NewServer(Options{ListDevices: func() ([]devices.Info, error) { return nil, errors.New("no sysfs") }})
	if rec := do(t, failing.Handler(), http.MethodGet, "/api/devices", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	s := NewServer(Options{AuthUsername: "admin", AuthPassword: "secret", Controller: &fakeController{}})
	basic := func(cred string) http.Header {
		return http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(cred))}}
	}

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"health is open", "/api/health", nil, http.StatusOK},
		{"missing credentials", "/api/session", nil, http.StatusUnauthorized},
		{"wrong password", "/api/session", basic("admin:nope"), http.StatusUnauthorized},
		{"not basic", "/api/session", http.Header{"Authorization": {"Bearer x"}}, http.StatusUnauthorized},
		{"valid", "/api/session", basic("admin:secret"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodGet, tt.path, "", tt.header)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.SetSessionState("api-metrics-test", 2)
	defer metrics.DeleteEncoderMetrics("api-metrics-test")

	tests := []struct {
		name    string
		opts    Options
		want    int
		content []string
	}{
		{
			name:    "enabled behind auth",
			opts:    Options{Metrics: true, AuthUsername: "admin", AuthPassword: "secret"},
			want:    http.StatusOK,
			content: []string{"go_goroutines", `m2menc_encoder_session_state{device="api-metrics-test"} 2`},
		},
		{
			name: "disabled",
			opts: Options{},
			want: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(tt.opts)
			rec := do(t, s.Handler(), http.MethodGet, "/metrics", "", nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			for _, c := range tt.content {
				if !strings.Contains(rec.Body.String(), c) {
					t.Errorf("metrics output missing %q", c)
				}
			}
		})
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	s := NewServer(Options{Bus: bus})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The handler subscribes after the response starts, so keep publishing
	// until an event comes through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.BitrateChangedEvent{Device: "sim", Bitrate: 1234})
			}
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	deadline := time.After(3 * time.Second)
	var sawEvent bool
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			if line == "event: bitrate-changed" {
				sawEvent = true
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				if !strings.Contains(line, `"bitrate":1234`) {
					t.Errorf("data = %q", line)
				}
				return
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestServeAndStop(t *testing.T) {
	s := NewServer(Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v after Stop", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
