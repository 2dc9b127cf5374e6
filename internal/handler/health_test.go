package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"api-gateway/internal/config"
	"api-gateway/internal/health"
)

func newHealthHandler(cfg *config.Config) (*HealthHandler, *health.Monitor) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := health.NewMonitor(cfg, nil, logger, nil)
	h := NewHealthHandler(cfg, mon, "1.2.3")
	h.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	}
	return h, mon
}

func TestInfo(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	h, _ := newHealthHandler(cfg)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Info(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Info() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body infoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Service != "API Gateway Service" {
		t.Errorf("service = %q, want %q", body.Service, "API Gateway Service")
	}
	if body.Version != "1.2.3" {
		t.Errorf("version = %q, want %q", body.Version, "1.2.3")
	}

	want := map[string]string{
		"health":   "/health",
		"proxy":    "/api/proxy?url=<target_url>",
		"services": "/services/<name>/<path>",
		"metrics":  "/metrics",
	}
	if len(body.Endpoints) != len(want) {
		t.Errorf("endpoints = %v, want %v", body.Endpoints, want)
	}
	for k, v := range want {
		if body.Endpoints[k] != v {
			t.Errorf("endpoints[%q] = %q, want %q", k, body.Endpoints[k], v)
		}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["title"]; ok {
		t.Errorf("unexpected title field in %s", rec.Body.String())
	}
}

func TestInfo_MetricsDisabled(t *testing.T) {
	h, _ := newHealthHandler(config.Default())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Info(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Info() error = %v", err)
	}

	var body infoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := body.Endpoints["metrics"]; ok {
		t.Errorf("endpoints = %v, metrics listed while disabled", body.Endpoints)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*health.Monitor)
		wantStatus int
		wantState  string
		wantReason string
	}{
		{"starting", func(*health.Monitor) {}, http.StatusOK, "starting", ""},
		{"healthy", func(m *health.Monitor) { m.MarkReady() }, http.StatusOK, "healthy", ""},
		{
			"degraded",
			func(m *health.Monitor) { m.MarkReady(); m.MarkDegraded("upstream probes failing") },
			http.StatusServiceUnavailable, "degraded", "upstream probes failing",
		},
		{"stopping", func(m *health.Monitor) { m.MarkStopping() }, http.StatusServiceUnavailable, "stopping", "shutting down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mon := newHealthHandler(config.Default())
			tt.setup(mon)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
			rec := httptest.NewRecorder()
			if err := h.Health(e.NewContext(req, rec)); err != nil {
				t.Fatalf("Health() error = %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["status"] != tt.wantState {
				t.Errorf("body.status = %q, want %q", body["status"], tt.wantState)
			}
			if body["timestamp"] != "2026-03-01T11:30:00Z" {
				t.Errorf("body.timestamp = %q, want UTC RFC 3339", body["timestamp"])
			}
			if body["service"] != "api-gateway" || body["version"] != "1.2.3" {
				t.Errorf("body = %v", body)
			}
			if body["reason"] != tt.wantReason {
				t.Errorf("body.reason = %q, want %q", body["reason"], tt.wantReason)
			}
		})
	}
}
