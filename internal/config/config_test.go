package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Path != "/docker-container-logs" {
		t.Errorf("path = %q", cfg.Server.Path)
	}
	if len(cfg.Server.IgnorePaths) != 1 || cfg.Server.IgnorePaths[0] != "/_next/webpack-hmr" {
		t.Errorf("ignore paths = %v", cfg.Server.IgnorePaths)
	}
	if cfg.Relay.MaxBytesPerSec != 0 {
		t.Errorf("relay should be unbounded by default, got %d", cfg.Relay.MaxBytesPerSec)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	p := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
auth:
  db_path: /tmp/x.db
  session_duration: 2h
  validators: [jwt]
launcher:
  cols: 120
  kill_grace: 500ms
logging:
  level: warn
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	// Unset keys keep defaults.
	if cfg.Server.Path != "/docker-container-logs" {
		t.Errorf("path = %q", cfg.Server.Path)
	}
	if cfg.Auth.SessionDuration != 2*time.Hour {
		t.Errorf("session duration = %v", cfg.Auth.SessionDuration)
	}
	if len(cfg.Auth.Validators) != 1 || cfg.Auth.Validators[0] != "jwt" {
		t.Errorf("validators = %v", cfg.Auth.Validators)
	}
	if cfg.Launcher.Cols != 120 || cfg.Launcher.Rows != 30 {
		t.Errorf("cols/rows = %d/%d", cfg.Launcher.Cols, cfg.Launcher.Rows)
	}
	if cfg.Launcher.KillGrace != 500*time.Millisecond {
		t.Errorf("kill grace = %v", cfg.Launcher.KillGrace)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DLOGS_ADDR", ":7000")
	t.Setenv("DLOGS_DB", ":memory:")
	t.Setenv("DLOGS_SHELL", "/bin/zsh")
	t.Setenv("DLOGS_MAX_BYTES_PER_SEC", "4096")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.DBPath != ":memory:" {
		t.Errorf("db = %q", cfg.Auth.DBPath)
	}
	if cfg.Launcher.Shell != "/bin/zsh" {
		t.Errorf("shell = %q", cfg.Launcher.Shell)
	}
	if cfg.Relay.MaxBytesPerSec != 4096 {
		t.Errorf("max bytes = %d", cfg.Relay.MaxBytesPerSec)
	}
}

func TestLoadEnvBadNumber(t *testing.T) {
	t.Setenv("DLOGS_MAX_BYTES_PER_SEC", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric DLOGS_MAX_BYTES_PER_SEC")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing path", func(c *Config) { c.Server.Path = "" }, "server.path is required"},
		{"relative path", func(c *Config) { c.Server.Path = "logs" }, "server.path must start with"},
		{"bad addr", func(c *Config) { c.Server.Addr = "nope" }, "server.addr must be host:port"},
		{"unknown validator", func(c *Config) { c.Auth.Validators = []string{"ldap"} }, "auth.validators[0] must be one of"},
		{"no validators", func(c *Config) { c.Auth.Validators = nil }, "auth.validators is required"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level must be one of"},
		{"zero cols", func(c *Config) { c.Launcher.Cols = 0 }, "launcher.cols must be gt"},
		{"secret not base64", func(c *Config) { c.Auth.JWTSecret = "%%%" }, "auth.jwt_secret must be base64"},
		{"ignore equals path", func(c *Config) { c.Server.IgnorePaths = []string{c.Server.Path} }, "is the streaming path"},
		{"throttle without burst", func(c *Config) {
			c.Relay.MaxBytesPerSec = 10
			c.Relay.Burst = 0
		}, "relay.burst is required"},
		{"bad proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "lb.internal"} }, "server.trusted_proxies[1]"},
		{"negative write timeout", func(c *Config) { c.Relay.WriteTimeout = -time.Second }, "relay.write_timeout must be gte 0"},
		{"metrics collides", func(c *Config) { c.Metrics.Path = c.Server.Path }, "metrics.path collides"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnsureDBDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDBDir(filepath.Join(dir, "dlogd.db")); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("dir not created: %v", err)
	}
	if err := EnsureDBDir(":memory:"); err != nil {
		t.Errorf("memory dsn: %v", err)
	}
}
