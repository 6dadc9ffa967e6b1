// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/vhost-proxy/config.toml",
	"configs/config.toml",
}

// adminRoutes are served by the admin listener and cannot be used as the metrics path.
var adminRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
// Every flag has an environment fallback so the binary can run without arguments.
type CLI struct {
	Config             string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host               string `kong:"help='Listen host (overrides config).',env='LISTEN_HOST'"`
	Port               int    `kong:"short='p',help='Listen port (overrides config).',env='LISTEN_PORT'"`
	UpstreamHost       string `kong:"help='Upstream host or IP (overrides config).',env='UPSTREAM_HOST'"`
	UpstreamPort       int    `kong:"help='Upstream TLS port (overrides config).',env='UPSTREAM_PORT'"`
	VirtualHost        string `kong:"help='Host header sent upstream (overrides config).',env='VIRTUAL_HOST'"`
	InsecureSkipVerify bool   `kong:"help='INSECURE: accept any upstream certificate. Trusted networks only.',env='UPSTREAM_INSECURE_SKIP_VERIFY'"`
	LogLevel           string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the plaintext listener settings.
type ServerConfig struct {
	Host                     string          `toml:"host"`
	Port                     int             `toml:"port"` // 0 means "use default" (8443)
	ReadHeaderTimeoutSeconds int             `toml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int             `toml:"read_timeout_seconds"`  // 0 disables; uploads are streamed
	WriteTimeoutSeconds      int             `toml:"write_timeout_seconds"` // 0 disables; downloads are streamed
	IdleTimeoutSeconds       int             `toml:"idle_timeout_seconds"`
	BodyMaxBytes             int64           `toml:"body_max_bytes"` // 0 means unlimited
	StripHopByHop            bool            `toml:"strip_hop_by_hop"`
	RateLimit                RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig describes the single HTTPS backend every request is relayed to.
type UpstreamConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	VirtualHost string `toml:"virtual_host"`
	ServerName  string `toml:"server_name"`

	// InsecureSkipVerify disables certificate chain and hostname validation.
	// The channel is still encrypted. Only for trusted internal networks.
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`

	DialTimeoutSeconds           int `toml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `toml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"` // 0 waits forever
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the health/metrics listener settings.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MetricsPath string `toml:"metrics_path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/vhost-proxy/config.toml then configs/config.toml. If neither exists the
// configuration is built from CLI flags and environment variables alone.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if cfg.Admin.Enabled && cfg.Admin.Addr() == cfg.Server.Addr() {
		return nil, fmt.Errorf("config: validate: admin listener %s collides with proxy listener", cfg.Admin.Addr())
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
// InsecureSkipVerify can only be switched on from the command line.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.VirtualHost != "" {
		c.Upstream.VirtualHost = cli.VirtualHost
	}
	if cli.InsecureSkipVerify {
		c.Upstream.InsecureSkipVerify = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream address: a bare host or IP, never a URL.
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if strings.Contains(c.Upstream.Host, "://") || strings.ContainsAny(c.Upstream.Host, "/?#") {
		return fmt.Errorf("upstream.host must be a host name or IP, not a URL; got %q", c.Upstream.Host)
	}
	if strings.ContainsAny(c.Upstream.VirtualHost, " /\t") {
		return fmt.Errorf("upstream.virtual_host must be a bare host[:port]; got %q", c.Upstream.VirtualHost)
	}

	// Numeric bounds.
	for name, port := range map[string]int{
		"server.port":   c.Server.Port,
		"upstream.port": c.Upstream.Port,
		"admin.port":    c.Admin.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0-65535; got %d", name, port)
		}
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, secs := range map[string]int{
		"server.read_header_timeout_seconds":       c.Server.ReadHeaderTimeoutSeconds,
		"server.read_timeout_seconds":              c.Server.ReadTimeoutSeconds,
		"server.write_timeout_seconds":             c.Server.WriteTimeoutSeconds,
		"server.idle_timeout_seconds":              c.Server.IdleTimeoutSeconds,
		"upstream.dial_timeout_seconds":            c.Upstream.DialTimeoutSeconds,
		"upstream.tls_handshake_timeout_seconds":   c.Upstream.TLSHandshakeTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
	} {
		if secs < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, secs)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when the admin listener is enabled).
	if c.Admin.Enabled && c.Admin.MetricsPath != "" {
		p := c.Admin.MetricsPath
		if p[0] != '/' {
			return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
		}
		for _, reserved := range adminRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key. The exceptions are the read/write timeouts
// and response_header_timeout_seconds, where 0 keeps the timeout disabled.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8443
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 443
	}
	if c.Upstream.VirtualHost == "" {
		c.Upstream.VirtualHost = c.Upstream.Host
	}
	if c.Upstream.ServerName == "" {
		c.Upstream.ServerName = hostOnly(c.Upstream.VirtualHost)
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		c.Upstream.TLSHandshakeTimeoutSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = "/metrics"
	}
}

// hostOnly strips an optional port from a host[:port] string.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
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

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Address returns the upstream dial address as host:port.
func (c *UpstreamConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ReadHeaderTimeout returns the inbound header read timeout.
func (c *ServerConfig) ReadHeaderTimeout() time.Duration { return seconds(c.ReadHeaderTimeoutSeconds) }

// ReadTimeout returns the inbound read timeout; zero disables it.
func (c *ServerConfig) ReadTimeout() time.Duration { return seconds(c.ReadTimeoutSeconds) }

// WriteTimeout returns the inbound write timeout; zero disables it.
func (c *ServerConfig) WriteTimeout() time.Duration { return seconds(c.WriteTimeoutSeconds) }

// IdleTimeout returns the keep-alive idle timeout for client connections.
func (c *ServerConfig) IdleTimeout() time.Duration { return seconds(c.IdleTimeoutSeconds) }

// DialTimeout returns the TCP connect timeout for the upstream.
func (c *UpstreamConfig) DialTimeout() time.Duration { return seconds(c.DialTimeoutSeconds) }

// TLSHandshakeTimeout returns the upstream TLS handshake timeout.
func (c *UpstreamConfig) TLSHandshakeTimeout() time.Duration {
	return seconds(c.TLSHandshakeTimeoutSeconds)
}

// ResponseHeaderTimeout returns how long to wait for upstream response headers; zero waits forever.
func (c *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return seconds(c.ResponseHeaderTimeoutSeconds)
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

// WarnInsecure logs a warning when upstream certificate verification is disabled.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	if !c.Upstream.InsecureSkipVerify {
		return
	}
	logger.Warn("upstream certificate verification is DISABLED; use only on trusted networks",
		"upstream", c.Upstream.Address(),
		"server_name", c.Upstream.ServerName,
	)
}
