package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// minimalConfig is the smallest TOML document that passes validation.
const minimalConfig = `
[credentials]
api_key = "test-key"
api_secret = "test-secret"

[upstream]
base_url = "https://api.example.com/local"
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880
cors_allowed_origins = ["http://localhost:3000"]

[credentials]
api_key = "key-12345"
api_secret = "secret-12345"

[upstream]
base_url = "https://api.example.com/local"
timeout_seconds = 60
idle_connections = 50

[token]
refresh_skew_seconds = 15
default_ttl_seconds = 600
timeout_seconds = 5

[token.redis]
addr = "localhost:6379"
db = 2

[upload]
max_bytes = 2048
memory_bytes = 1024

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if len(cfg.Server.CORSAllowedOrigins) != 1 || cfg.Server.CORSAllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.CORSAllowedOrigins = %v", cfg.Server.CORSAllowedOrigins)
	}
	if cfg.Credentials.APIKey != "key-12345" || cfg.Credentials.APISecret != "secret-12345" {
		t.Errorf("Credentials = %+v", cfg.Credentials)
	}
	if cfg.Upstream.Timeout() != 60*time.Second {
		t.Errorf("Upstream.Timeout() = %v, want 60s", cfg.Upstream.Timeout())
	}
	if cfg.Token.RefreshSkew() != 15*time.Second {
		t.Errorf("Token.RefreshSkew() = %v, want 15s", cfg.Token.RefreshSkew())
	}
	if cfg.Token.DefaultTTL() != 10*time.Minute {
		t.Errorf("Token.DefaultTTL() = %v, want 10m", cfg.Token.DefaultTTL())
	}
	if !cfg.Token.Redis.Enabled() || cfg.Token.Redis.DB != 2 {
		t.Errorf("Token.Redis = %+v, want enabled db 2", cfg.Token.Redis)
	}
	if cfg.Upload.MaxBytes != 2048 || cfg.Upload.MemoryBytes != 1024 {
		t.Errorf("Upload = %+v", cfg.Upload)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, minimalConfig)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 5000)
	}
	if cfg.Server.BodyMaxBytes != 1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 1024*1024)
	}
	if len(cfg.Server.CORSAllowedOrigins) != 1 || cfg.Server.CORSAllowedOrigins[0] != "*" {
		t.Errorf("default CORSAllowedOrigins = %v, want [*]", cfg.Server.CORSAllowedOrigins)
	}
	if cfg.Token.RefreshSkewSeconds != 30 || cfg.Token.DefaultTTLSeconds != 300 || cfg.Token.TimeoutSeconds != 10 {
		t.Errorf("default Token = %+v", cfg.Token)
	}
	if cfg.Token.Redis.Enabled() {
		t.Error("Token.Redis should be disabled by default")
	}
	if cfg.Token.Redis.KeyPrefix != "storefront-proxy:token" {
		t.Errorf("default Token.Redis.KeyPrefix = %q", cfg.Token.Redis.KeyPrefix)
	}
	if cfg.Upload.MaxBytes != 10*1024*1024 {
		t.Errorf("default Upload.MaxBytes = %d, want %d", cfg.Upload.MaxBytes, 10*1024*1024)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	// No file anywhere in the search path: CLI/env values alone must suffice.
	orig := configSearchPaths
	configSearchPaths = []string{"/nonexistent/config.toml"}
	defer func() { configSearchPaths = orig }()

	cfg, err := Load(&CLI{
		BaseURL:   "https://api.example.com",
		APIKey:    "env-key",
		APISecret: "env-secret",
		Port:      5001,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.BaseURL != "https://api.example.com" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Server.Port != 5001 {
		t.Errorf("Server.Port = %d, want 5001", cfg.Server.Port)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:    path,
		Host:      "127.0.0.1",
		Port:      3000,
		BaseURL:   "https://api-dev.example.com",
		APIKey:    "cli-key",
		APISecret: "cli-secret",
		LogLevel:  "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "https://api-dev.example.com" {
		t.Errorf("Upstream.BaseURL = %q (CLI override)", cfg.Upstream.BaseURL)
	}
	if cfg.Credentials.APIKey != "cli-key" || cfg.Credentials.APISecret != "cli-secret" {
		t.Errorf("Credentials = %+v (CLI override)", cfg.Credentials)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "missing api key",
			data: `
[credentials]
api_secret = "s"
[upstream]
base_url = "https://api.example.com"
`,
			wantErr: "api_key",
		},
		{
			name: "missing api secret",
			data: `
[credentials]
api_key = "k"
[upstream]
base_url = "https://api.example.com"
`,
			wantErr: "api_secret",
		},
		{
			name: "placeholder key",
			data: `
[credentials]
api_key = "YOUR_API_KEY_HERE"
api_secret = "s"
[upstream]
base_url = "https://api.example.com"
`,
			wantErr: "placeholder",
		},
		{
			name: "missing base url",
			data: `
[credentials]
api_key = "k"
api_secret = "s"
`,
			wantErr: "base_url",
		},
		{
			name: "plain http to remote host",
			data: `
[credentials]
api_key = "k"
api_secret = "s"
[upstream]
base_url = "http://api.example.com"
`,
			wantErr: "HTTPS",
		},
		{
			name:    "negative port",
			data:    minimalConfig + "[server]\nport = -1\n",
			wantErr: "server.port",
		},
		{
			name:    "negative body_max_bytes",
			data:    minimalConfig + "[server]\nbody_max_bytes = -1\n",
			wantErr: "body_max_bytes",
		},
		{
			name:    "negative upstream timeout",
			data:    minimalConfig + "timeout_seconds = -5\n",
			wantErr: "timeout_seconds",
		},
		{
			name:    "skew above ttl",
			data:    minimalConfig + "[token]\nrefresh_skew_seconds = 60\ndefault_ttl_seconds = 60\n",
			wantErr: "refresh_skew_seconds",
		},
		{
			name:    "skew above default ttl",
			data:    minimalConfig + "[token]\nrefresh_skew_seconds = 400\n",
			wantErr: "refresh_skew_seconds",
		},
		{
			name:    "default skew above ttl",
			data:    minimalConfig + "[token]\ndefault_ttl_seconds = 20\n",
			wantErr: "refresh_skew_seconds (30)",
		},
		{
			name:    "negative upload limit",
			data:    minimalConfig + "[upload]\nmax_bytes = -1\n",
			wantErr: "upload",
		},
		{
			name:    "invalid log level",
			data:    minimalConfig + "[log]\nlevel = \"verbose\"\n",
			wantErr: "log.level",
		},
		{
			name:    "rate limit enabled without rate",
			data:    minimalConfig + "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n",
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_HTTPLoopbackAllowed(t *testing.T) {
	path := writeConfig(t, `
[credentials]
api_key = "k"
api_secret = "s"

[upstream]
base_url = "http://127.0.0.1:4010"
`)
	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; loopback http upstream should be allowed", err)
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	path1 := writeConfig(t, minimalConfig)
	path2 := writeConfig(t, minimalConfig)

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"found", []string{path1}, path1},
		{"not found", []string{"/nonexistent/a.toml", "/nonexistent/b.toml"}, ""},
		{"first match wins", []string{path1, path2}, path1},
		{"skips missing", []string{"/nonexistent/a.toml", path2}, path2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findConfigInPaths(tt.paths); got != tt.want {
				t.Errorf("findConfigInPaths() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name     string
		metrics  string
		wantPath string
		wantErr  string
	}{
		{"default", "enabled = true\n", "/metrics", ""},
		{"custom", "enabled = true\npath = \"/custom-metrics\"\n", "/custom-metrics", ""},
		{"no leading slash", "enabled = true\npath = \"metrics\"\n", "", "metrics.path"},
		{"conflicts with api", "enabled = true\npath = \"/api/metrics\"\n", "", "conflicts"},
		{"conflicts with healthz", "enabled = true\npath = \"/healthz\"\n", "", "conflicts"},
		{"conflicts with status", "enabled = true\npath = \"/proxy/status\"\n", "", "conflicts"},
		{"disabled skips validation", "enabled = false\npath = \"bad-no-slash\"\n", "bad-no-slash", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, minimalConfig+"[metrics]\n"+tt.metrics)))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.wantPath {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.wantPath)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
