// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"api-gateway/internal/client"
	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
)

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	breakers *breakers
	logger   *slog.Logger
	metrics  *metrics.Metrics

	timeout    time.Duration
	maxTimeout time.Duration
	retry      config.RetryConfig
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	logger = logger.With("component", "proxy_service")

	s := &ProxyService{
		client:     c,
		logger:     logger,
		metrics:    m,
		timeout:    cfg.Upstream.Timeout(),
		maxTimeout: cfg.Upstream.MaxTimeout(),
		retry:      cfg.Retry,
	}

	if !cfg.Breaker.Disabled {
		b, err := newBreakers(&cfg.Breaker, logger, m)
		if err != nil {
			return nil, fmt.Errorf("create circuit breakers: %w", err)
		}
		s.breakers = b
	}

	return s, nil
}

// Forward sends a ProxyRequest to its upstream and returns the response.
// The caller is responsible for closing the response body; the total timeout
// keeps running until it does.
//
// Errors wrap one of model.ErrInvalidTarget, model.ErrUpstreamUnreachable,
// model.ErrUpstreamTimeout or model.ErrUpstreamProtocol.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Target == nil {
		return nil, fmt.Errorf("%w: no target", model.ErrInvalidTarget)
	}

	ctx, cancel := context.WithTimeout(ctx, s.effectiveTimeout(pr.Timeout))

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"upstream", pr.Target.Key(),
		"path", pr.Target.Path,
	)

	resp, err := s.forwardWithRetry(ctx, pr)
	if err != nil {
		err = s.classify(ctx, pr.Target, err)
		cancel()
		return nil, err
	}

	resp.Header = responseHeader(resp.Header)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// effectiveTimeout applies the per-request override, clamped to the maximum.
func (s *ProxyService) effectiveTimeout(override time.Duration) time.Duration {
	if override <= 0 {
		return s.timeout
	}
	return min(override, s.maxTimeout)
}

func (s *ProxyService) forwardWithRetry(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	retries := 0
	if replayable(pr) {
		retries = s.retry.MaxRetries
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(s.retry.InitialBackoffMS) * time.Millisecond
	eb.MaxInterval = time.Duration(s.retry.MaxBackoffMS) * time.Millisecond
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx) //nolint:gosec // non-negative

	attempt := 0
	operation := func() (*model.ProxyResponse, error) {
		attempt++
		resp, err := s.attempt(ctx, pr)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Info("retrying upstream request",
			"method", pr.Method,
			"upstream", pr.Target.Key(),
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.UpstreamRetries.WithLabelValues(metrics.NormalizeMethod(pr.Method)).Inc()
		}
	}

	return backoff.RetryNotifyWithData(operation, b, notify)
}

// attempt performs a single upstream round trip through the target's breaker.
func (s *ProxyService) attempt(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := newUpstreamRequest(ctx, pr)
	if err != nil {
		return nil, err
	}

	if s.breakers == nil {
		return s.client.Do(req, pr.Target.Trusted())
	}

	out, err := s.breakers.get(pr.Target.Key()).Execute(func() (interface{}, error) {
		return s.client.Do(req, pr.Target.Trusted())
	})
	if err != nil {
		return nil, err
	}
	return out.(*model.ProxyResponse), nil
}

func newUpstreamRequest(ctx context.Context, pr *model.ProxyRequest) (*http.Request, error) {
	body := pr.Body
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, pr.Target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	req.Header = outboundHeader(pr.Header, pr.RemoteAddr, pr.Proto, pr.Host)
	return req, nil
}

// replayable reports whether a failed attempt may be sent again: the method
// must be idempotent and there must be no body that was already consumed.
func replayable(pr *model.ProxyRequest) bool {
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		return false
	}
	return pr.Body == nil || pr.Body == http.NoBody
}

// retryable reports whether err is a connection-level failure worth retrying.
func retryable(err error) bool {
	if errors.Is(err, model.ErrInvalidTarget) || isBreakerOpen(err) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	return client.IsDialError(err) || errors.Is(err, syscall.ECONNRESET)
}

// classify maps a forwarding failure onto the error taxonomy.
func (s *ProxyService) classify(ctx context.Context, target *model.UpstreamTarget, err error) error {
	var kind string
	var out error

	var netErr net.Error
	switch {
	case errors.Is(err, model.ErrInvalidTarget):
		kind = "invalid_target"
		out = err
	case isBreakerOpen(err):
		kind = "circuit_open"
		out = fmt.Errorf("%w: circuit open for %s", model.ErrUpstreamUnreachable, target.Key())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = "timeout"
		out = fmt.Errorf("%w: %s: %w", model.ErrUpstreamTimeout, target.Key(), err)
	case errors.Is(ctx.Err(), context.Canceled):
		kind = "canceled"
		out = fmt.Errorf("%w: request canceled: %w", model.ErrUpstreamUnreachable, err)
	case client.IsDialError(err) && errors.As(err, &netErr) && netErr.Timeout() && !errors.As(err, new(*net.DNSError)):
		kind = "timeout"
		out = fmt.Errorf("%w: connect to %s: %w", model.ErrUpstreamTimeout, target.Key(), err)
	case client.IsDialError(err):
		kind = "unreachable"
		out = fmt.Errorf("%w: %s: %w", model.ErrUpstreamUnreachable, target.Key(), err)
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = "timeout"
		out = fmt.Errorf("%w: %s: %w", model.ErrUpstreamTimeout, target.Key(), err)
	default:
		kind = "protocol"
		out = fmt.Errorf("%w: %s: %w", model.ErrUpstreamProtocol, target.Key(), err)
	}

	if s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues(kind).Inc()
		if kind == "invalid_target" && client.IsDialError(err) {
			s.metrics.ResolverRejections.WithLabelValues("dial_guard").Inc()
		}
	}
	return out
}

// cancelOnClose releases the request context once the body has been relayed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
