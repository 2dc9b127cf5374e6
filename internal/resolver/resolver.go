// Package resolver validates and normalizes proxy target references.
//
// A reference is either an absolute http(s) URL or the name of a logical
// service from the [services] config table, optionally followed by a path
// ("billing/orders/42?expand=1"). Resolution never touches the network:
// host names are checked against the deny list by name only, and the dial
// guard in the client re-checks the addresses DNS actually returns.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
)

// Resolver turns target references into UpstreamTargets.
type Resolver struct {
	policy   *Policy
	services map[string]*url.URL
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Resolver. The metrics parameter is optional.
func New(cfg *config.Config, policy *Policy, logger *slog.Logger, m *metrics.Metrics) (*Resolver, error) {
	services := make(map[string]*url.URL, len(cfg.Services))
	for name, raw := range cfg.Services {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		services[name] = u
	}

	return &Resolver{
		policy:   policy,
		services: services,
		logger:   logger.With("component", "resolver"),
		metrics:  m,
	}, nil
}

// Resolve validates ref and returns the normalized target. Failures are
// *RejectionError values wrapping model.ErrInvalidTarget.
func (r *Resolver) Resolve(ref string) (*model.UpstreamTarget, error) {
	target, err := r.resolve(strings.TrimSpace(ref))
	if err != nil {
		reason := "malformed"
		var re *RejectionError
		if errors.As(err, &re) {
			reason = re.Reason
		}
		if r.metrics != nil {
			r.metrics.ResolverRejections.WithLabelValues(reason).Inc()
		}
		r.logger.Debug("target rejected", "reason", reason, "err", err)
		return nil, err
	}
	return target, nil
}

func (r *Resolver) resolve(ref string) (*model.UpstreamTarget, error) {
	if ref == "" {
		return nil, reject("empty", "target is empty")
	}
	if !strings.Contains(ref, "://") {
		return r.resolveService(ref)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, reject("malformed", "target is not a valid URL")
	}

	target, err := fromURL(u, model.ClassPublic)
	if err != nil {
		return nil, err
	}

	if addr, err := netip.ParseAddr(target.Host); err == nil {
		if err := r.policy.CheckAddr(addr); err != nil {
			return nil, err
		}
	} else if err := r.policy.CheckHost(target.Host); err != nil {
		return nil, err
	}

	return target, nil
}

// resolveService maps "name[/path][?query]" onto the configured base URL.
// Operator-configured services are trusted and skip the address deny list.
func (r *Resolver) resolveService(ref string) (*model.UpstreamTarget, error) {
	name, rest, _ := strings.Cut(ref, "/")
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name, rest = name[:i], rest+name[i:]
	}

	base, ok := r.services[name]
	if !ok {
		return nil, reject("unknown_service", "target must be an absolute http(s) URL or a configured service name")
	}

	extra, err := url.Parse("/" + rest)
	if err != nil {
		return nil, reject("malformed", "service path is not valid")
	}
	// Checked on the decoded path so %2e%2e cannot slip past JoinPath.
	if hasDotSegment(extra.Path) {
		return nil, reject("malformed", "service path must not contain . or .. segments")
	}

	u := *base
	if extra.Path != "/" {
		u = *base.JoinPath(extra.EscapedPath())
		if prefix := strings.TrimSuffix(base.Path, "/"); !strings.HasPrefix(u.Path, prefix+"/") && u.Path != prefix {
			return nil, reject("malformed", "service path escapes the service base path")
		}
	}
	switch {
	case base.RawQuery != "" && extra.RawQuery != "":
		u.RawQuery = base.RawQuery + "&" + extra.RawQuery
	case extra.RawQuery != "":
		u.RawQuery = extra.RawQuery
	}

	target, err := fromURL(&u, model.ClassService)
	if err != nil {
		return nil, err
	}
	target.Service = name
	return target, nil
}

func hasDotSegment(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func fromURL(u *url.URL, class model.TargetClass) (*model.UpstreamTarget, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, reject("scheme", "scheme %q is not supported; use http or https", u.Scheme)
	}
	if u.User != nil {
		return nil, reject("credentials", "credentials in the target URL are not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, reject("malformed", "target has no host")
	}

	port := model.DefaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, reject("port", "port %q is out of range", p)
		}
		port = n
	}

	return &model.UpstreamTarget{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     normalizePath(u.Path),
		RawPath:  normalizeRawPath(u.RawPath),
		RawQuery: u.RawQuery,
		Class:    class,
	}, nil
}

// normalizePath makes the empty path "/" and collapses runs of trailing slashes.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	for strings.HasSuffix(p, "//") {
		p = p[:len(p)-1]
	}
	return p
}

func normalizeRawPath(p string) string {
	if p == "" {
		return ""
	}
	return normalizePath(p)
}
