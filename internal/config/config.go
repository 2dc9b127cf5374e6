// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/api-gateway/config.toml",
	"configs/config.toml",
}

// reservedRoutes cannot be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/health", "/api/proxy", "/services"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig      `toml:"server"`
	Service  ServiceConfig     `toml:"service"`
	Upstream UpstreamConfig    `toml:"upstream"`
	Retry    RetryConfig       `toml:"retry"`
	Breaker  BreakerConfig     `toml:"breaker"`
	Policy   PolicyConfig      `toml:"policy"`
	Services map[string]string `toml:"services"`
	Health   HealthConfig      `toml:"health"`
	Log      LogConfig         `toml:"log"`
	Metrics  MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                 string          `toml:"host"`
	Port                 int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes         int64           `toml:"body_max_bytes"`
	ShutdownDelaySeconds int             `toml:"shutdown_delay_seconds"`
	RateLimit            RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ServiceConfig identifies the gateway in the info and health documents.
type ServiceConfig struct {
	Name  string `toml:"name"`
	Title string `toml:"title"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds        int `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	TimeoutSeconds               int `toml:"timeout_seconds"`
	MaxTimeoutSeconds            int `toml:"max_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"`
	MaxConnectionsPerHost        int `toml:"max_connections_per_host"`
}

// RetryConfig controls retries of idempotent requests.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Negative disables retries.
	MaxRetries       int `toml:"max_retries"`
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`
}

// BreakerConfig controls the per-host circuit breakers.
type BreakerConfig struct {
	Disabled         bool `toml:"disabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
	MaxHosts         int  `toml:"max_hosts"`
}

// PolicyConfig is the static allow/deny policy for proxy targets.
type PolicyConfig struct {
	// AllowPrivate lifts the RFC 1918 and ULA denials only. Loopback,
	// link-local and reserved ranges need an explicit AllowCIDRs entry.
	AllowPrivate bool     `toml:"allow_private"`
	AllowCIDRs   []string `toml:"allow_cidrs"`
	DenyCIDRs    []string `toml:"deny_cidrs"`
	DenyHosts    []string `toml:"deny_hosts"`
}

// HealthConfig configures optional upstream probes.
type HealthConfig struct {
	Targets              []string `toml:"targets"`
	ProbeIntervalSeconds int      `toml:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int      `toml:"probe_timeout_seconds"`
	FailureThreshold     int      `toml:"failure_threshold"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/api-gateway/config.toml then configs/config.toml. If neither exists the
// built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownDelaySeconds < 0 {
		return fmt.Errorf("server.shutdown_delay_seconds must be non-negative; got %d", c.Server.ShutdownDelaySeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for name, v := range map[string]int{
		"upstream.connect_timeout_seconds":         c.Upstream.ConnectTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.timeout_seconds":                 c.Upstream.TimeoutSeconds,
		"upstream.max_timeout_seconds":             c.Upstream.MaxTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
		"upstream.max_connections_per_host":        c.Upstream.MaxConnectionsPerHost,
		"retry.initial_backoff_ms":                 c.Retry.InitialBackoffMS,
		"retry.max_backoff_ms":                     c.Retry.MaxBackoffMS,
		"breaker.failure_threshold":                c.Breaker.FailureThreshold,
		"breaker.open_seconds":                     c.Breaker.OpenSeconds,
		"breaker.max_hosts":                        c.Breaker.MaxHosts,
		"health.probe_interval_seconds":            c.Health.ProbeIntervalSeconds,
		"health.probe_timeout_seconds":             c.Health.ProbeTimeoutSeconds,
		"health.failure_threshold":                 c.Health.FailureThreshold,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Retry.MaxRetries > 5 {
		return fmt.Errorf("retry.max_retries must be at most 5; got %d", c.Retry.MaxRetries)
	}
	if c.Upstream.MaxTimeoutSeconds > 0 && c.Upstream.TimeoutSeconds > c.Upstream.MaxTimeoutSeconds {
		return fmt.Errorf("upstream.timeout_seconds (%d) exceeds upstream.max_timeout_seconds (%d)",
			c.Upstream.TimeoutSeconds, c.Upstream.MaxTimeoutSeconds)
	}

	// Policy.
	for _, cidr := range append(append([]string{}, c.Policy.AllowCIDRs...), c.Policy.DenyCIDRs...) {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("policy: invalid CIDR %q: %w", cidr, err)
		}
	}
	for _, h := range c.Policy.DenyHosts {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("policy.deny_hosts must not contain empty entries")
		}
	}

	// Logical services must map to absolute HTTP(S) base URLs.
	for name, raw := range c.Services {
		if name == "" || strings.ContainsAny(name, "/:?#") {
			return fmt.Errorf("services: invalid service name %q", name)
		}
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("services.%s: %w", name, err)
		}
	}
	for _, t := range c.Health.Targets {
		if err := validateHTTPURL(t); err != nil {
			return fmt.Errorf("health.targets: %w", err)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' || p == "/" {
			return fmt.Errorf("metrics.path must start with '/' and not be the root; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Service.Name == "" {
		c.Service.Name = "api-gateway"
	}
	if c.Service.Title == "" {
		c.Service.Title = "API Gateway Service"
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 30
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.MaxTimeoutSeconds == 0 {
		c.Upstream.MaxTimeoutSeconds = max(120, c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxConnectionsPerHost == 0 {
		c.Upstream.MaxConnectionsPerHost = 64
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 2
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.InitialBackoffMS == 0 {
		c.Retry.InitialBackoffMS = 100
	}
	if c.Retry.MaxBackoffMS == 0 {
		c.Retry.MaxBackoffMS = 1000
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.OpenSeconds == 0 {
		c.Breaker.OpenSeconds = 30
	}
	if c.Breaker.MaxHosts == 0 {
		c.Breaker.MaxHosts = 1024
	}
	if c.Health.ProbeIntervalSeconds == 0 {
		c.Health.ProbeIntervalSeconds = 10
	}
	if c.Health.ProbeTimeoutSeconds == 0 {
		c.Health.ProbeTimeoutSeconds = 2
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownDelay is how long /health reports stopping before the listener closes.
func (c *ServerConfig) ShutdownDelay() time.Duration {
	return time.Duration(c.ShutdownDelaySeconds) * time.Second
}

// ConnectTimeout bounds dialing and the TLS handshake.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout bounds the wait for upstream response headers.
func (c *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutSeconds) * time.Second
}

// Timeout is the default total timeout of one forwarded request.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxTimeout caps per-request timeout overrides.
func (c *UpstreamConfig) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
