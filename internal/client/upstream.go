// Package client provides the pooled upstream HTTP client.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
)

// AddrGuard decides whether a resolved address may be dialed.
type AddrGuard interface {
	CheckAddr(addr netip.Addr) error
}

// UpstreamClient sends requests to upstreams over a shared, bounded connection pool.
//
// Public targets use a transport whose dialer consults the AddrGuard after DNS
// resolution; operator-configured services use a separate, unguarded pool so
// trusted connections are never reused for ad-hoc targets.
type UpstreamClient struct {
	public  *http.Client
	trusted *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, guard AddrGuard, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	var control func(context.Context, string, string, syscall.RawConn) error
	if guard != nil {
		control = guardControl(guard)
	}

	return &UpstreamClient{
		public:  newHTTPClient(&cfg.Upstream, control),
		trusted: newHTTPClient(&cfg.Upstream, nil),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

func newHTTPClient(cfg *config.UpstreamConfig, control func(context.Context, string, string, syscall.RawConn) error) *http.Client {
	dialer := &net.Dialer{
		Timeout:        cfg.ConnectTimeout(),
		KeepAlive:      30 * time.Second,
		ControlContext: control,
	}

	transport := &http.Transport{
		// Environment proxies would bypass the dial guard.
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.IdleConnections,
		MaxIdleConnsPerHost:   min(cfg.IdleConnections, cfg.MaxConnectionsPerHost),
		MaxConnsPerHost:       cfg.MaxConnectionsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout(),
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout(),
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		// Bodies are relayed byte for byte; never negotiate or decode gzip here.
		DisableCompression: true,
	}

	return &http.Client{
		Transport: transport,
		// Redirects are relayed to the caller, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// guardControl runs after DNS resolution and before connect, so host names that
// resolve into denied ranges are refused without a separate lookup.
func guardControl(guard AddrGuard) func(context.Context, string, string, syscall.RawConn) error {
	return func(_ context.Context, _, address string, _ syscall.RawConn) error {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return err
		}
		return guard.CheckAddr(addr)
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
// The request context controls the lifetime of the upstream call: when it is
// canceled (e.g. the inbound client disconnects), the upstream call is aborted.
func (c *UpstreamClient) Do(req *http.Request, trusted bool) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	hc := c.public
	if trusted {
		hc = c.trusted
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Probe issues a GET to a configured health target and returns its status code.
// Probe targets are operator-configured and use the trusted pool.
func (c *UpstreamClient) Probe(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "api-gateway-health/1.0")

	resp, err := c.trusted.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", req.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain a little so the connection can return to the pool.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	return resp.StatusCode, nil
}

// CloseIdleConnections releases pooled connections; used on shutdown.
func (c *UpstreamClient) CloseIdleConnections() {
	c.public.CloseIdleConnections()
	c.trusted.CloseIdleConnections()
}

// IsDialError reports whether err happened while establishing the connection,
// before any request bytes were written.
func IsDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
