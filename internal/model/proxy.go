// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Method string
	Target *UpstreamTarget
	Header http.Header
	Body   io.ReadCloser
	// ContentLength follows http.Request: -1 means unknown.
	ContentLength int64

	// Timeout overrides the default total timeout when non-zero.
	Timeout time.Duration

	// RemoteAddr and Proto describe the inbound hop for X-Forwarded-* headers.
	RemoteAddr string
	Proto      string
	Host       string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// TargetClass records why a target passed the allow policy.
type TargetClass string

const (
	// ClassPublic is an ad-hoc URL that passed the deny policy.
	ClassPublic TargetClass = "public"
	// ClassService is an operator-configured logical service.
	ClassService TargetClass = "service"
)

// UpstreamTarget is a resolved, normalized destination.
type UpstreamTarget struct {
	Scheme   string
	Host     string
	Port     int
	Path     string
	RawPath  string
	RawQuery string
	Class    TargetClass
	// Service is the logical service name when Class is ClassService.
	Service string
}

// Trusted reports whether the target bypasses the dial-time address guard.
func (t *UpstreamTarget) Trusted() bool {
	return t.Class == ClassService
}

// Key identifies the upstream origin; identical logical targets share a key.
func (t *UpstreamTarget) Key() string {
	return t.Scheme + "://" + t.hostPort()
}

// URL renders the target as an absolute URL, omitting default ports.
func (t *UpstreamTarget) URL() *url.URL {
	host := t.hostPort()
	if t.Port == DefaultPort(t.Scheme) {
		host = bracketHost(t.Host)
	}
	return &url.URL{
		Scheme:   t.Scheme,
		Host:     host,
		Path:     t.Path,
		RawPath:  t.RawPath,
		RawQuery: t.RawQuery,
	}
}

// String returns the rendered URL.
func (t *UpstreamTarget) String() string {
	return t.URL().String()
}

func (t *UpstreamTarget) hostPort() string {
	return bracketHost(t.Host) + ":" + strconv.Itoa(t.Port)
}

// DefaultPort returns the well-known port of an HTTP scheme, or 0.
func DefaultPort(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}

func bracketHost(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
