package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"api-gateway/internal/config"
	"api-gateway/internal/health"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the info and health endpoints.
type HealthHandler struct {
	cfg     *config.Config
	monitor *health.Monitor
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, monitor *health.Monitor, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, monitor: monitor, version: v, now: time.Now}
}

type infoResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Reason    string `json:"reason,omitempty"`
}

// Info returns static service information.
func (h *HealthHandler) Info(c echo.Context) error {
	endpoints := map[string]string{
		"health":   "/health",
		"proxy":    "/api/proxy?url=<target_url>",
		"services": "/services/<name>/<path>",
	}
	if h.cfg.Metrics.Enabled {
		endpoints["metrics"] = h.cfg.Metrics.Path
	}

	return c.JSON(http.StatusOK, infoResponse{
		Service:   h.cfg.Service.Title,
		Version:   string(h.version),
		Endpoints: endpoints,
	})
}

// Health reports the monitor state: 200 while starting or healthy, 503 otherwise.
func (h *HealthHandler) Health(c echo.Context) error {
	st := h.monitor.Status()

	resp := healthResponse{
		Status:    string(st.State),
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Service:   h.cfg.Service.Name,
		Version:   string(h.version),
	}

	code := http.StatusOK
	if !st.State.Serving() {
		code = http.StatusServiceUnavailable
		resp.Reason = st.Reason
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(code, resp)
}
