// Package config loads and validates the gateway's YAML configuration,
// including server settings, client API keys, Kiro credential sources, and
// logging behavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort                  = 8317
	defaultRequestTimeoutSeconds = 300
	defaultCooldownSeconds       = 30
	defaultRefreshLeadMinutes    = 5
	defaultNearExpiryMinutes     = 10
	defaultRequestRetry          = 3
)

// Config represents the gateway configuration, loaded from a YAML file with
// optional environment overrides.
type Config struct {
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// APIKeys lists keys for authenticating clients to this gateway. Entries
	// with a bcrypt prefix ($2a$/$2b$/$2y$) are compared as bcrypt hashes.
	APIKeys []string `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// AuthDir is the directory scanned and watched for Kiro token JSON files.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// ProxyURL routes upstream requests through an http, https, or socks5 proxy.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// Region is the default AWS region for accounts that do not carry one.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// RequestTimeoutSeconds bounds a single upstream call, streaming included.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds,omitempty" json:"request-timeout-seconds,omitempty"`

	// RequestRetry is the maximum number of backoff retries on 429/5xx.
	RequestRetry int `yaml:"request-retry,omitempty" json:"request-retry,omitempty"`

	// CooldownSeconds is how long a failed account is skipped by the pool.
	CooldownSeconds int `yaml:"cooldown-seconds,omitempty" json:"cooldown-seconds,omitempty"`

	// RefreshLeadMinutes refreshes credentials this long before expiry.
	RefreshLeadMinutes int `yaml:"refresh-lead-minutes,omitempty" json:"refresh-lead-minutes,omitempty"`

	// NearExpiryMinutes is the background reconciliation window: accounts
	// expiring within it are refreshed proactively.
	NearExpiryMinutes int `yaml:"near-expiry-minutes,omitempty" json:"near-expiry-minutes,omitempty"`

	// QuotaResetUTC computes the quota-exhausted recovery instant on the UTC
	// month boundary instead of the local-zone one.
	QuotaResetUTC bool `yaml:"quota-reset-utc,omitempty" json:"quota-reset-utc,omitempty"`

	// Logging configures file logging and rotation.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Redis enables the Redis-backed account store when Addr is set.
	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// KiroTokenFiles lists explicit token files to import in addition to the
	// auth-dir scan.
	KiroTokenFiles []KiroTokenFile `yaml:"kiro-token-files,omitempty" json:"kiro-token-files,omitempty"`
}

// LoggingConfig holds file logging behavior.
type LoggingConfig struct {
	// ToFile mirrors log output into a rotating file under Dir.
	ToFile bool `yaml:"to-file,omitempty" json:"to-file,omitempty"`

	// Dir is the log directory. Defaults to "logs".
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// MaxSizeMB rotates the log file after it exceeds this size.
	MaxSizeMB int `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`

	// MaxBackups keeps at most this many rotated files.
	MaxBackups int `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`

	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int `yaml:"max-age-days,omitempty" json:"max-age-days,omitempty"`
}

// RedisConfig holds the optional Redis account-store connection.
type RedisConfig struct {
	// Addr is host:port. Empty disables the Redis store.
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`

	// Password authenticates the connection when set.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB selects the logical database.
	DB int `yaml:"db,omitempty" json:"db,omitempty"`

	// KeyPrefix namespaces account keys. Defaults to "kiro".
	KeyPrefix string `yaml:"key-prefix,omitempty" json:"key-prefix,omitempty"`
}

// LoadConfig reads, parses, and normalizes the configuration file at path.
// A missing file yields defaults rather than an error so the gateway can run
// from environment and auth-dir alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.SetDefaults()
	cfg.NormalizeKiroTokenFiles()
	return cfg, nil
}

// SetDefaults fills zero-valued fields with their documented defaults.
func (cfg *Config) SetDefaults() {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultKiroRegion
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		cfg.AuthDir = "~/.kiro-gateway"
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if cfg.RequestRetry <= 0 {
		cfg.RequestRetry = defaultRequestRetry
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = defaultCooldownSeconds
	}
	if cfg.RefreshLeadMinutes <= 0 {
		cfg.RefreshLeadMinutes = defaultRefreshLeadMinutes
	}
	if cfg.NearExpiryMinutes <= 0 {
		cfg.NearExpiryMinutes = defaultNearExpiryMinutes
	}
	if strings.TrimSpace(cfg.Logging.Dir) == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if strings.TrimSpace(cfg.Redis.KeyPrefix) == "" {
		cfg.Redis.KeyPrefix = "kiro"
	}
}

func (cfg *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("KIRO_GATEWAY_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("KIRO_GATEWAY_API_KEY")); v != "" {
		cfg.APIKeys = append(cfg.APIKeys, v)
	}
	if v := strings.TrimSpace(os.Getenv("KIRO_GATEWAY_AUTH_DIR")); v != "" {
		cfg.AuthDir = v
	}
	if v := strings.TrimSpace(os.Getenv("KIRO_GATEWAY_PROXY_URL")); v != "" {
		cfg.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("KIRO_GATEWAY_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
}

// ResolveAuthDir returns the auth directory with ~ expanded.
func (cfg *Config) ResolveAuthDir() (string, error) {
	return expandUserPath(cfg.AuthDir)
}

// RequestTimeout returns the per-request upstream timeout.
func (cfg *Config) RequestTimeout() time.Duration {
	if cfg == nil || cfg.RequestTimeoutSeconds <= 0 {
		return defaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(cfg.RequestTimeoutSeconds) * time.Second
}

// Cooldown returns how long a failed account stays ineligible.
func (cfg *Config) Cooldown() time.Duration {
	if cfg == nil || cfg.CooldownSeconds <= 0 {
		return defaultCooldownSeconds * time.Second
	}
	return time.Duration(cfg.CooldownSeconds) * time.Second
}

// RefreshLead returns the on-demand refresh window before token expiry.
func (cfg *Config) RefreshLead() time.Duration {
	if cfg == nil || cfg.RefreshLeadMinutes <= 0 {
		return defaultRefreshLeadMinutes * time.Minute
	}
	return time.Duration(cfg.RefreshLeadMinutes) * time.Minute
}

// NearExpiryLead returns the background reconciliation window.
func (cfg *Config) NearExpiryLead() time.Duration {
	if cfg == nil || cfg.NearExpiryMinutes <= 0 {
		return defaultNearExpiryMinutes * time.Minute
	}
	return time.Duration(cfg.NearExpiryMinutes) * time.Minute
}

// RedisEnabled reports whether the Redis account store is configured.
func (cfg *Config) RedisEnabled() bool {
	return cfg != nil && strings.TrimSpace(cfg.Redis.Addr) != ""
}
