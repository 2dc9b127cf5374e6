package client

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"api-gateway/internal/config"
	"api-gateway/internal/model"
)

// denyLoopback refuses every loopback address.
type denyLoopback struct{}

func (denyLoopback) CheckAddr(addr netip.Addr) error {
	if addr.Unmap().IsLoopback() {
		return model.ErrInvalidTarget
	}
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Upstream.ConnectTimeoutSeconds = 1
	cfg.Upstream.IdleConnections = 10
	return cfg
}

func newRequest(t *testing.T, ctx context.Context, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestUpstreamClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), nil, logger, nil)

	resp, err := c.Do(newRequest(t, context.Background(), srv.URL+"/test"), false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_Do_Unreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), nil, logger, nil)

	_, err := c.Do(newRequest(t, context.Background(), "http://127.0.0.1:1/nonexistent"), false)
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
	if !IsDialError(err) {
		t.Errorf("IsDialError(%v) = false, want true", err)
	}
}

func TestUpstreamClient_Do_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), nil, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Do(newRequest(t, ctx, srv.URL+"/slow"), false)
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestUpstreamClient_GuardBlocksPublicPoolOnly(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), denyLoopback{}, logger, nil)

	_, err := c.Do(newRequest(t, context.Background(), srv.URL), false)
	if !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("Do(public) error = %v, want ErrInvalidTarget", err)
	}
	if hits != 0 {
		t.Fatalf("upstream received %d requests, want 0", hits)
	}

	resp, err := c.Do(newRequest(t, context.Background(), srv.URL), true)
	if err != nil {
		t.Fatalf("Do(trusted) error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/", http.StatusFound)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), nil, logger, nil)

	resp, err := c.Do(newRequest(t, context.Background(), srv.URL), false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "http://169.254.169.254/" {
		t.Errorf("Location = %q", loc)
	}
}

func TestUpstreamClient_KeepsEncodedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ae := r.Header.Get("Accept-Encoding"); ae != "" {
			t.Errorf("Accept-Encoding = %q, want none added by the transport", ae)
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("hello"))
		_ = gz.Close()
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), nil, logger, nil)

	resp, err := c.Do(newRequest(t, context.Background(), srv.URL), false)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip preserved", resp.Header.Get("Content-Encoding"))
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	plain, _ := io.ReadAll(gz)
	if string(plain) != "hello" {
		t.Errorf("decoded body = %q, want %q", plain, "hello")
	}
}

func TestUpstreamClient_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(), denyLoopback{}, logger, nil)

	code, err := c.Probe(context.Background(), srv.URL+"/healthz")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("Probe() = %d, want %d", code, http.StatusServiceUnavailable)
	}
}
