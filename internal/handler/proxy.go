package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"

	"api-gateway/internal/model"
	"api-gateway/internal/resolver"
	"api-gateway/internal/service"
)

// secretParamPattern matches credential-like query values in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token|signature|password|secret)=)[^&\s"]+`)

// Resolver turns a target reference into a validated upstream target.
type Resolver interface {
	Resolve(ref string) (*model.UpstreamTarget, error)
}

// Forwarder executes one proxied request.
type Forwarder interface {
	Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// ProxyHandler resolves targets and relays upstream responses.
type ProxyHandler struct {
	resolver Resolver
	service  Forwarder
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(r Resolver, svc Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: r,
		service:  svc,
		logger:   logger.With("component", "proxy_handler"),
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Proxy handles GET /api/proxy?url=<target>[&timeout=<duration>].
func (h *ProxyHandler) Proxy(c echo.Context) error {
	ref := c.QueryParam("url")
	if ref == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Invalid target",
			Message: "missing required query parameter: url",
		})
	}

	timeout, err := parseTimeout(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
	}

	target, err := h.resolver.Resolve(ref)
	if err != nil {
		return h.mapError(c, nil, err)
	}

	req := c.Request()
	return h.forward(c, &model.ProxyRequest{
		Method:     http.MethodGet,
		Target:     target,
		Header:     req.Header,
		Timeout:    timeout,
		RemoteAddr: req.RemoteAddr,
		Proto:      c.Scheme(),
		Host:       req.Host,
	})
}

// Service handles ANY /services/:name/* by forwarding the inbound method,
// body and query to the configured logical service.
func (h *ProxyHandler) Service(c echo.Context) error {
	timeout, err := parseTimeout(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
	}

	req := c.Request()
	ref := c.Param("name") + "/" + c.Param("*")
	if req.URL.RawQuery != "" {
		ref += "?" + req.URL.RawQuery
	}

	target, err := h.resolver.Resolve(ref)
	if err != nil {
		return h.mapError(c, nil, err)
	}

	return h.forward(c, &model.ProxyRequest{
		Method:        req.Method,
		Target:        target,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Timeout:       timeout,
		RemoteAddr:    req.RemoteAddr,
		Proto:         c.Scheme(),
		Host:          req.Host,
	})
}

// parseTimeout reads the optional override from the timeout query parameter
// or the X-Gateway-Timeout header.
func parseTimeout(c echo.Context) (time.Duration, error) {
	raw := c.QueryParam("timeout")
	if raw == "" {
		raw = c.Request().Header.Get(service.TimeoutHeader)
	}
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("timeout must be a positive duration such as 5s")
	}
	return d, nil
}

func (h *ProxyHandler) forward(c echo.Context, pr *model.ProxyRequest) error {
	resp, err := h.service.Forward(c.Request().Context(), pr)
	if err != nil {
		return h.mapError(c, pr.Target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	ownID := c.Response().Header().Get(echo.HeaderXRequestID) != ""
	for key, vals := range resp.Header {
		// The gateway's request ID wins so logs and the client agree.
		if ownID && key == echo.HeaderXRequestID {
			continue
		}
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a mid-stream failure can only truncate the
	// response; it is logged and the connection is left to the server.
	if _, err := io.Copy(&flushWriter{w: c.Response()}, resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", sanitizeError(err),
			"upstream", pr.Target.Key(),
		)
	}

	return nil
}

// flushWriter pushes each chunk to the client as soon as it is read from the upstream.
type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		_ = http.NewResponseController(f.w).Flush()
	}
	return n, err
}

// mapError is the only place failures become status codes. Messages are
// fixed phrases; details stay in the server log.
func (h *ProxyHandler) mapError(c echo.Context, target *model.UpstreamTarget, err error) error {
	attrs := []any{
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	}
	if target != nil {
		attrs = append(attrs, "upstream", target.Key())
	}

	var rejection *resolver.RejectionError
	switch {
	// Dial-time refusals carry the resolved address; only resolver messages are shown.
	case target == nil && errors.As(err, &rejection):
		h.logger.Info("target rejected", append(attrs, "reason", rejection.Reason)...)
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Invalid target",
			Message: rejection.Message,
		})

	case errors.Is(err, model.ErrInvalidTarget):
		h.logger.Info("target rejected", attrs...)
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Invalid target",
			Message: "target address is not allowed",
		})

	case errors.Is(err, model.ErrUpstreamTimeout):
		h.logger.Warn("upstream timeout", attrs...)
		return c.JSON(http.StatusGatewayTimeout, errorResponse{
			Error:   "Upstream timeout",
			Message: "the upstream did not respond in time",
		})

	case errors.Is(err, model.ErrUpstreamUnreachable):
		h.logger.Warn("upstream unreachable", attrs...)
		return c.JSON(http.StatusBadGateway, errorResponse{
			Error:   "Upstream unreachable",
			Message: "could not connect to the upstream",
		})

	case errors.Is(err, model.ErrUpstreamProtocol):
		h.logger.Warn("upstream protocol error", attrs...)
		return c.JSON(http.StatusBadGateway, errorResponse{
			Error:   "Upstream protocol error",
			Message: "the upstream returned an invalid response",
		})
	}

	h.logger.Error("proxy error", attrs...)
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:   "Internal error",
		Message: "internal error",
	})
}

// sanitizeError redacts credential-like query values from error messages that
// may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
