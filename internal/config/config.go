// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/filterproxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Name        string `kong:"help='Display name of this proxy (overrides config).',env='PROXY_NAME'"`
	DefaultHost string `kong:"help='Origin used for requests that do not name one (overrides config).',env='DEFAULT_HOST'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug       bool   `kong:"short='d',help='Trace every request and response.',env='PROXY_DEBUG'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration. It is read once at
// startup and never changed afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Trace    TraceConfig    `toml:"trace"`
	Filter   FilterConfig   `toml:"filter"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds settings of the proxy listener.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8070); TOML cannot distinguish 0 from unset
	Name         string `toml:"name"`
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds settings for connections toward origin servers.
type UpstreamConfig struct {
	// DefaultHost is used for origin-form requests (reverse proxy mode).
	DefaultHost string `toml:"default_host"`
	// ParentProxy, when set, receives every request in absolute form.
	ParentProxy        string   `toml:"parent_proxy"`
	AllowedHosts       []string `toml:"allowed_hosts"`
	DialTimeoutSeconds int      `toml:"dial_timeout_seconds"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
}

// TraceConfig toggles per-request diagnostic records.
type TraceConfig struct {
	Enabled bool `toml:"enabled"`
}

// FilterConfig selects the built-in response policies.
type FilterConfig struct {
	BlockContentTypes []string `toml:"block_content_types"`
	BlockExecutables  bool     `toml:"block_executables"`
	DenyStatus        int      `toml:"deny_status"`
	DenyReason        string   `toml:"deny_reason"`
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

// AdminConfig holds settings of the health/status/metrics listener.
type AdminConfig struct {
	Disabled bool   `toml:"disabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/filterproxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
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

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Name != "" {
		c.Server.Name = cli.Name
	}
	if cli.DefaultHost != "" {
		c.Upstream.DefaultHost = cli.DefaultHost
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Trace.Enabled = true
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}

	// Upstream addresses.
	if err := validateHostPort("upstream.default_host", c.Upstream.DefaultHost); err != nil {
		return err
	}
	if err := validateHostPort("upstream.parent_proxy", c.Upstream.ParentProxy); err != nil {
		return err
	}
	for _, h := range c.Upstream.AllowedHosts {
		if strings.TrimSpace(h) == "" {
			return errors.New("upstream.allowed_hosts must not contain empty entries")
		}
	}

	// Filter policy.
	if c.Filter.DenyStatus != 0 && (c.Filter.DenyStatus < 100 || c.Filter.DenyStatus > 999) {
		return fmt.Errorf("filter.deny_status must be a three-digit status code; got %d", c.Filter.DenyStatus)
	}
	if strings.ContainsAny(c.Filter.DenyReason, "\r\n") {
		return fmt.Errorf("filter.deny_reason must be a single line")
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
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateHostPort accepts "", "host" or "host:port".
func validateHostPort(field, v string) error {
	if v == "" {
		return nil
	}
	if strings.Contains(v, "://") || strings.ContainsAny(v, "/ ") {
		return fmt.Errorf("%s must be host or host:port; got %q", field, v)
	}
	if strings.Contains(v, ":") {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("%s is not a valid host:port: %w", field, err)
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
		c.Server.Port = 8070
	}
	if c.Server.Name == "" {
		c.Server.Name = "filterproxy"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Filter.DenyStatus == 0 {
		c.Filter.DenyStatus = 403
	}
	if c.Filter.DenyReason == "" {
		c.Filter.DenyReason = "Unauthorized by policy"
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
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8071
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
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
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
