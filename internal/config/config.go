// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/storefront-proxy/config.toml",
	"configs/config.toml",
}

// placeholderValues are example values shipped in configs/config.example.toml.
var placeholderValues = map[string]bool{
	"YOUR_API_KEY_HERE":    true,
	"YOUR_API_SECRET_HERE": true,
}

const (
	// defaultTokenTTLSeconds applies when the token response carries no expiry.
	defaultTokenTTLSeconds = 300
	// defaultRefreshSkewSeconds applies when refresh_skew_seconds is unset.
	defaultRefreshSkewSeconds = 30
)

// CLI holds command-line arguments parsed by Kong.
// Environment names match the ones the storefront deployment already uses.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BaseURL   string `kong:"name='base-url',help='Upstream commerce API base URL (overrides config).',env='BASE_URL'"`
	APIKey    string `kong:"name='api-key',help='Upstream API key (overrides config).',env='API_KEY'"`
	APISecret string `kong:"name='api-secret',help='Upstream API secret (overrides config).',env='API_SECRET'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Credentials CredentialsConfig `toml:"credentials"`
	Token       TokenConfig       `toml:"token"`
	Upload      UploadConfig      `toml:"upload"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string          `toml:"host"`
	Port               int             `toml:"port"` // 0 means "use default" (5000)
	BodyMaxBytes       int64           `toml:"body_max_bytes"`
	CORSAllowedOrigins []string        `toml:"cors_allowed_origins"`
	RateLimit          RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// CredentialsConfig holds the static key pair exchanged for bearer tokens.
type CredentialsConfig struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// TokenConfig controls access token caching.
type TokenConfig struct {
	RefreshSkewSeconds int         `toml:"refresh_skew_seconds"`
	DefaultTTLSeconds  int         `toml:"default_ttl_seconds"`
	TimeoutSeconds     int         `toml:"timeout_seconds"`
	Redis              RedisConfig `toml:"redis"`
}

// RedisConfig enables a token store shared between proxy replicas.
// An empty Addr disables it.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// UploadConfig bounds multipart uploads independently of the JSON body limit.
type UploadConfig struct {
	MaxBytes    int64 `toml:"max_bytes"`
	MemoryBytes int64 `toml:"memory_bytes"`
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/storefront-proxy/config.toml then configs/config.toml. A missing file
// is not an error: flags and environment alone may configure the proxy.
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
	if cli.BaseURL != "" {
		c.Upstream.BaseURL = cli.BaseURL
	}
	if cli.APIKey != "" {
		c.Credentials.APIKey = cli.APIKey
	}
	if cli.APISecret != "" {
		c.Credentials.APISecret = cli.APISecret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.validateCredentials(); err != nil {
		return err
	}
	if err := c.validateUpstream(); err != nil {
		return err
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
	if c.Token.RefreshSkewSeconds < 0 || c.Token.DefaultTTLSeconds < 0 || c.Token.TimeoutSeconds < 0 {
		return errors.New("token.* durations must be non-negative")
	}
	// Compare the values that will be in effect once defaults are applied.
	skew, ttl := c.Token.RefreshSkewSeconds, c.Token.DefaultTTLSeconds
	if skew == 0 {
		skew = defaultRefreshSkewSeconds
	}
	if ttl == 0 {
		ttl = defaultTokenTTLSeconds
	}
	if skew >= ttl {
		return fmt.Errorf("token.refresh_skew_seconds (%d) must be below token.default_ttl_seconds (%d)",
			skew, ttl)
	}
	if c.Token.Redis.DB < 0 {
		return fmt.Errorf("token.redis.db must be non-negative; got %d", c.Token.Redis.DB)
	}
	if c.Upload.MaxBytes < 0 || c.Upload.MemoryBytes < 0 {
		return errors.New("upload.max_bytes and upload.memory_bytes must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateCredentials() error {
	if c.Credentials.APIKey == "" {
		return errors.New("credentials.api_key is required (or set API_KEY)")
	}
	if c.Credentials.APISecret == "" {
		return errors.New("credentials.api_secret is required (or set API_SECRET)")
	}
	if placeholderValues[c.Credentials.APIKey] || placeholderValues[c.Credentials.APISecret] {
		return errors.New("credentials contain a placeholder value; set the real key pair")
	}
	return nil
}

// validateUpstream requires an HTTPS base URL. Plain HTTP is accepted only
// for loopback hosts so a local upstream stub can be used in development.
func (c *Config) validateUpstream() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required (or set BASE_URL)")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
		}
	default:
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
	}
	return nil
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1 * 1024 * 1024 // 1 MB
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Token.RefreshSkewSeconds == 0 {
		c.Token.RefreshSkewSeconds = defaultRefreshSkewSeconds
	}
	if c.Token.DefaultTTLSeconds == 0 {
		c.Token.DefaultTTLSeconds = defaultTokenTTLSeconds
	}
	if c.Token.TimeoutSeconds == 0 {
		c.Token.TimeoutSeconds = 10
	}
	if c.Token.Redis.KeyPrefix == "" {
		c.Token.Redis.KeyPrefix = "storefront-proxy:token"
	}
	if c.Upload.MaxBytes == 0 {
		c.Upload.MaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upload.MemoryBytes == 0 {
		c.Upload.MemoryBytes = 4 * 1024 * 1024 // 4 MB, the rest spills to temp files
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

// Timeout returns the per-call upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RefreshSkew is how long before expiry a cached token is replaced.
func (c *TokenConfig) RefreshSkew() time.Duration {
	return time.Duration(c.RefreshSkewSeconds) * time.Second
}

// DefaultTTL is the lifetime assumed for tokens that carry no expiry.
func (c *TokenConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// Timeout bounds a single authentication call.
func (c *TokenConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether a shared Redis token store is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file holds the API secret.
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
