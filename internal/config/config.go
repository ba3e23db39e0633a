package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the dlogd configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Launcher LauncherConfig `yaml:"launcher"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" validate:"required,hostname_port"`
	Path        string   `yaml:"path" validate:"required,startswith=/"`
	IgnorePaths []string `yaml:"ignore_paths" validate:"dive,startswith=/"`

	// OriginPatterns are host patterns allowed to open the websocket cross-origin.
	OriginPatterns     []string `yaml:"origin_patterns,omitempty"`
	InsecureSkipOrigin bool     `yaml:"insecure_skip_origin,omitempty"`

	// UpgradeRate limits upgrade attempts per client IP per second. 0 disables.
	UpgradeRate  float64 `yaml:"upgrade_rate" validate:"gte=0"`
	UpgradeBurst int     `yaml:"upgrade_burst" validate:"gte=0"`

	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty" validate:"dive,cidr|ip"`
}

type AuthConfig struct {
	DBPath          string        `yaml:"db_path" validate:"required"`
	JWTSecret       string        `yaml:"jwt_secret,omitempty" validate:"omitempty,base64"`
	SessionCookie   string        `yaml:"session_cookie" validate:"required"`
	SessionDuration time.Duration `yaml:"session_duration" validate:"gt=0"`
	CacheTTL        time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	// Validators lists the enabled validators in precedence order.
	Validators []string `yaml:"validators" validate:"required,min=1,dive,oneof=cookie jwt api_token"`
}

type LauncherConfig struct {
	Shell     string        `yaml:"shell,omitempty"`
	DockerBin string        `yaml:"docker_bin" validate:"required"`
	Term      string        `yaml:"term" validate:"required"`
	Cols      uint16        `yaml:"cols" validate:"gt=0"`
	Rows      uint16        `yaml:"rows" validate:"gt=0"`
	Dir       string        `yaml:"dir,omitempty"`
	KillGrace time.Duration `yaml:"kill_grace" validate:"gte=0"`
}

type RelayConfig struct {
	ReadLimit int64 `yaml:"read_limit" validate:"gt=0"`
	// MaxBytesPerSec throttles outbound log bytes per user. 0 leaves the relay unbounded.
	MaxBytesPerSec int `yaml:"max_bytes_per_sec" validate:"gte=0"`
	Burst          int `yaml:"burst" validate:"gte=0"`

	// MaxSessionsPerUser caps concurrent streams per user. 0 is unlimited.
	MaxSessionsPerUser int `yaml:"max_sessions_per_user" validate:"gte=0"`

	// WriteTimeout bounds each outbound message to a slow viewer.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File  string `yaml:"file,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	dbPath := "dlogd.db"
	if dir, err := GetUserConfigDir(); err == nil {
		dbPath = filepath.Join(dir, "dlogd.db")
	}
	return &Config{
		Server: ServerConfig{
			Addr:         ":3000",
			Path:         "/docker-container-logs",
			IgnorePaths:  []string{"/_next/webpack-hmr"},
			UpgradeRate:  5,
			UpgradeBurst: 20,
		},
		Auth: AuthConfig{
			DBPath:          dbPath,
			SessionCookie:   "auth_session",
			SessionDuration: 30 * 24 * time.Hour,
			CacheTTL:        30 * time.Second,
			Validators:      []string{"cookie", "jwt", "api_token"},
		},
		Launcher: LauncherConfig{
			DockerBin: "docker",
			Term:      "xterm-256color",
			Cols:      80,
			Rows:      30,
			KillGrace: 3 * time.Second,
		},
		Relay: RelayConfig{
			ReadLimit:    512 * 1024,
			Burst:        1024 * 1024,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads configuration from a file on top of Default. An empty path skips
// the file. Environment variables override both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DLOGS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DLOGS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DLOGS_DB"); v != "" {
		c.Auth.DBPath = v
	}
	if v := os.Getenv("DLOGS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DLOGS_SHELL"); v != "" {
		c.Launcher.Shell = v
	}
	if v := os.Getenv("DLOGS_MAX_BYTES_PER_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DLOGS_MAX_BYTES_PER_SEC: %w", err)
		}
		c.Relay.MaxBytesPerSec = n
	}
	return nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlTagName)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, p := range c.Server.IgnorePaths {
		if p == c.Server.Path {
			return fmt.Errorf("server.ignore_paths: %s is the streaming path", p)
		}
	}
	if c.Relay.MaxBytesPerSec > 0 && c.Relay.Burst == 0 {
		return errors.New("relay.burst is required when relay.max_bytes_per_sec is set")
	}
	if c.Metrics.Enabled && c.Metrics.Path == c.Server.Path {
		return errors.New("metrics.path collides with server.path")
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	var messages []string
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := yamlPath(e.Namespace())
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, e.Param(), e.Value())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "gt", "gte", "min":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	case "cidr|ip":
		return fmt.Sprintf("%s must be an address or CIDR, got %q", field, e.Value())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port, got %q", field, e.Value())
	case "base64":
		return field + " must be base64"
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// yamlPath turns "Config.server.ignore_paths[0]" into "server.ignore_paths[0]".
func yamlPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func yamlTagName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
