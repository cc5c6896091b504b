// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/opsdesk-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot be shadowed.
var reservedRoutes = []string{"/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL string `kong:"name='upstream-url',help='Upstream API base URL (overrides config).',env='UPSTREAM_API_BASE_URL'"`
	APIKey      string `kong:"help='Service API key injected when callers send no Authorization (overrides config).',env='UPSTREAM_API_KEY'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RoutePrefix  string          `toml:"route_prefix"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings and the service credential.
type UpstreamConfig struct {
	BaseURL         string      `toml:"base_url"`
	APIKey          string      `toml:"api_key"`
	TimeoutSeconds  int         `toml:"timeout_seconds"`
	IdleConnections int         `toml:"idle_connections"`
	Retry           RetryConfig `toml:"retry"`
}

// RetryConfig bounds retries of idempotent requests that failed before any
// upstream response arrived.
type RetryConfig struct {
	MaxAttempts       int `toml:"max_attempts"`
	MaxElapsedSeconds int `toml:"max_elapsed_seconds"`
}

// ProxyConfig holds forwarding behaviour.
type ProxyConfig struct {
	// NoCachePaths are upstream path suffixes whose responses must never be cached.
	NoCachePaths []string `toml:"no_cache_paths"`
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

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/opsdesk-proxy/config.toml then configs/config.toml; if neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.APIKey != "" {
		c.Upstream.APIKey = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Upstream.APIKey == "YOUR_API_KEY_HERE" {
		return errors.New("upstream.api_key contains placeholder value; set a real key or leave empty to require caller credentials")
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.Retry.MaxAttempts < 0 || c.Upstream.Retry.MaxAttempts > 10 {
		return fmt.Errorf("upstream.retry.max_attempts must be 0–10; got %d", c.Upstream.Retry.MaxAttempts)
	}
	if c.Upstream.Retry.MaxElapsedSeconds < 0 {
		return fmt.Errorf("upstream.retry.max_elapsed_seconds must be non-negative; got %d", c.Upstream.Retry.MaxElapsedSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	prefix := c.Server.RoutePrefix
	if prefix[0] != '/' || (len(prefix) > 1 && strings.HasSuffix(prefix, "/")) || prefix == "/" {
		return fmt.Errorf("server.route_prefix must start with '/', must not end with '/' and must not be the root; got %q", prefix)
	}
	for _, reserved := range reservedRoutes {
		if prefix == reserved || strings.HasPrefix(prefix, reserved+"/") {
			return fmt.Errorf("server.route_prefix %q conflicts with reserved route %q", prefix, reserved)
		}
	}

	for _, p := range c.Proxy.NoCachePaths {
		if strings.Trim(p, "/") == "" {
			return fmt.Errorf("proxy.no_cache_paths entries must be non-empty; got %q", p)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append([]string{prefix}, reservedRoutes...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within [0, 1]; got %v", c.Tracing.SampleRatio)
		}
		if c.Tracing.Endpoint != "" {
			if _, err := url.Parse(c.Tracing.Endpoint); err != nil {
				return fmt.Errorf("tracing.endpoint is not a valid URL: %w", err)
			}
		}
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
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RoutePrefix == "" {
		c.Server.RoutePrefix = "/api/proxy"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://127.0.0.1:8000"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.Retry.MaxAttempts == 0 {
		c.Upstream.Retry.MaxAttempts = 3
	}
	if c.Upstream.Retry.MaxElapsedSeconds == 0 {
		c.Upstream.Retry.MaxElapsedSeconds = 10
	}
	if c.Proxy.NoCachePaths == nil {
		c.Proxy.NoCachePaths = []string{"whatsapp/qr"}
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
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "opsdesk-proxy"
	}
	if c.Tracing.Enabled && c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
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
