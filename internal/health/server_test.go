package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/pwnat/internal/metrics"
)

// fakeAgent implements StatsProvider.
type fakeAgent struct {
	running bool
	stats   Stats
}

func (f *fakeAgent) IsRunning() bool { return f.running }

func (f *fakeAgent) Stats() Stats { return f.stats }

func get(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Endpoints(t *testing.T) {
	tests := []struct {
		name     string
		provider StatsProvider
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"health", &fakeAgent{running: true}, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health while stopped", &fakeAgent{}, http.MethodGet, "/health", http.StatusOK, "OK\n"},
		{"health post", &fakeAgent{running: true}, http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
		{"ready", &fakeAgent{running: true}, http.MethodGet, "/ready", http.StatusOK, "READY\n"},
		{"not ready", &fakeAgent{}, http.MethodGet, "/ready", http.StatusServiceUnavailable, "NOT READY\n"},
		{"ready without agent", nil, http.MethodGet, "/ready", http.StatusServiceUnavailable, "NOT READY\n"},
		{"healthz post", &fakeAgent{running: true}, http.MethodPost, "/healthz", http.StatusMethodNotAllowed, ""},
		{"healthz without agent", nil, http.MethodGet, "/healthz", http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tt.provider)
			rec := get(t, s, tt.method, tt.path)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_HealthzReportsStats(t *testing.T) {
	agent := &fakeAgent{
		running: true,
		stats: Stats{
			Mode:          "client",
			Version:       "v1.2.3",
			UptimeSeconds: 90,
			Flows:         3,
			QueuedOps:     2,
		},
	}
	rec := get(t, NewServer(DefaultServerConfig(), agent), http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body struct {
		Status    string `json:"status"`
		Running   bool   `json:"running"`
		Mode      string `json:"mode"`
		Version   string `json:"version"`
		Uptime    int64  `json:"uptime_seconds"`
		Sessions  int    `json:"sessions"`
		Flows     int    `json:"flows"`
		QueuedOps int    `json:"queued_ops"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	if body.Status != "healthy" || !body.Running {
		t.Errorf("status = %q running = %v", body.Status, body.Running)
	}
	if body.Mode != "client" || body.Version != "v1.2.3" || body.Uptime != 90 {
		t.Errorf("mode = %q version = %q uptime = %d", body.Mode, body.Version, body.Uptime)
	}
	if body.Sessions != 0 || body.Flows != 3 || body.QueuedOps != 2 {
		t.Errorf("sessions = %d flows = %d queued_ops = %d", body.Sessions, body.Flows, body.QueuedOps)
	}
}

func TestServer_HealthzStopped(t *testing.T) {
	rec := get(t, NewServer(DefaultServerConfig(), &fakeAgent{}), http.MethodGet, "/healthz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["status"] != "unavailable" {
		t.Errorf("status = %v, want unavailable", body["status"])
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordSignal(metrics.SignalAccepted)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	rec := get(t, NewServer(cfg, &fakeAgent{running: true}), http.MethodGet, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `pwnat_signals_received_total{result="accepted"} 1`) {
		t.Errorf("metrics output missing signal counter:\n%s", rec.Body.String())
	}
}

func TestServer_Pprof(t *testing.T) {
	rec := get(t, NewServer(DefaultServerConfig(), nil), http.MethodGet, "/debug/pprof/")

	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Errorf("pprof index status = %d, %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, &fakeAgent{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("server not running after Start")
	}
	addr := s.Address()
	if addr == nil {
		t.Fatal("Address() = nil")
	}

	// The listener is open before Start returns, so the first request lands.
	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("GET /health = %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("server running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
