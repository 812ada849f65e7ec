// Package config loads jumpd settings from an optional YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "JUMPD_CONFIG"
	EnvDSN        = "JUMPD_DB_DSN"
	EnvBaseURL    = "JUMPD_BASE_URL"
	EnvPort       = "PORT"
	EnvJWTSecret  = "JWT_SECRET"
	EnvJWTExpiry  = "JWT_EXPIRY"
	EnvLogLevel   = "JUMPD_LOG_LEVEL"
)

// Defaults. The matcher thresholds are product heuristics; change them only
// with product sign-off.
const (
	DefaultPort              = 8080
	DefaultDSN               = "jumpd.db"
	DefaultBaseURL           = "http://localhost:8080"
	DefaultJWTExpiry         = 24 * time.Hour
	DefaultMatchThreshold    = 0.75
	DefaultBestEffort        = 0.65
	DefaultReconcileInterval = 10 * time.Minute
	DefaultMetadataTimeout   = 5 * time.Second

	devJWTSecret = "jumpd-dev-secret-change-in-production"
)

// Config is the resolved application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Metadata  MetadataConfig  `yaml:"metadata"`
}

type ServerConfig struct {
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// MatcherConfig tunes name matching and fuzzy suggestions.
//
// CaseSensitive is the single case policy applied to every name comparison:
// exact jump/alias lookup and the matcher's exact-match short-circuit.
// Pointer fields distinguish "unset" from an explicit false/zero.
type MatcherConfig struct {
	Threshold     float64 `yaml:"threshold"`
	BestEffort    float64 `yaml:"best_effort"`
	CaseSensitive *bool   `yaml:"case_sensitive"`
}

// IsCaseSensitive reports the effective case policy (default: sensitive)
func (m MatcherConfig) IsCaseSensitive() bool {
	return m.CaseSensitive == nil || *m.CaseSensitive
}

type ReconcileConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// IsEnabled reports whether the periodic reconciler runs (default: true)
func (r ReconcileConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type MetadataConfig struct {
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	// AllowPrivateNetworks permits fetching loopback, private and
	// link-local locations (default false).
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// IsEnabled reports whether title/icon refresh runs (default: true)
func (m MetadataConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ResolvePath normalizes the config path and applies defaults.
func ResolvePath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML file at path (a missing file is not an error),
// applies environment overrides and fills in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvDSN)); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		c.Server.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.JWT.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); v != "" {
		if expiry, err := time.ParseDuration(v); err == nil && expiry > 0 {
			c.JWT.Expiry = expiry
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.Database.DSN == "" {
		c.Database.DSN = DefaultDSN
	}
	if c.JWT.Secret == "" {
		c.JWT.Secret = devJWTSecret
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = DefaultJWTExpiry
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Matcher.Threshold <= 0 {
		c.Matcher.Threshold = DefaultMatchThreshold
	}
	if c.Matcher.BestEffort <= 0 {
		c.Matcher.BestEffort = DefaultBestEffort
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = DefaultReconcileInterval
	}
	if c.Metadata.Timeout <= 0 {
		c.Metadata.Timeout = DefaultMetadataTimeout
	}
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Matcher.Threshold > 1 || c.Matcher.BestEffort > 1 {
		return errors.New("matcher thresholds must be within [0, 1]")
	}
	if c.Matcher.BestEffort > c.Matcher.Threshold {
		return fmt.Errorf("matcher best_effort (%.2f) must not exceed threshold (%.2f)", c.Matcher.BestEffort, c.Matcher.Threshold)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format)
	}
	return nil
}

// UsesDevSecret reports whether the JWT secret is the built-in development value
func (c *Config) UsesDevSecret() bool {
	return c.JWT.Secret == devJWTSecret
}
