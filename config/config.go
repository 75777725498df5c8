// Package config loads the typed service configuration from an optional
// YAML file plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Token     TokenConfig     `yaml:"token"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	JWTSecret     string `yaml:"jwt_secret"`
	PublicBaseURL string `yaml:"public_base_url"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	// Enable it only behind a proxy that overwrites the header.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

type TokenConfig struct {
	// Secret may stay empty; the key is then generated and persisted on first use.
	Secret string `yaml:"secret"`

	// ExpiryDays per token type, e.g. {checkout: 7, damage: 3}.
	ExpiryDays   map[string]int `yaml:"expiry_days"`
	StrictExpiry bool           `yaml:"strict_expiry"`
}

type RateLimitConfig struct {
	MaxAttempts   int    `yaml:"max_attempts"`
	WindowSeconds int    `yaml:"window_seconds"`
	FailClosed    bool   `yaml:"fail_closed"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// RedisConfig is disabled when Host is empty; the service then keeps the
// rate-limit log and request store in process.
type RedisConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DB             int    `yaml:"db"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`

	// PurgeIntervalHours of 0 disables the in-process retention sweep.
	PurgeIntervalHours int `yaml:"purge_interval_hours"`

	// BufferSize is how many events may wait for the background writer.
	BufferSize int `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultListenAddr     = ":8080"
	DefaultMaxAttempts    = 10
	DefaultWindowSeconds  = 3600
	DefaultRedisPort      = 6379
	DefaultRedisTimeout   = 2
	DefaultDatabaseDriver = "sqlite"
	DefaultDatabaseDSN    = "sign-access.db"
	DefaultRetentionDays  = 730
	DefaultAuditBuffer    = 1024
)

// Default returns a configuration with every optional field filled in.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.RateLimit.MaxAttempts == 0 {
		c.RateLimit.MaxAttempts = DefaultMaxAttempts
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = DefaultWindowSeconds
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Redis.TimeoutSeconds == 0 {
		c.Redis.TimeoutSeconds = DefaultRedisTimeout
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.DSN == "" && c.Database.Driver == DefaultDatabaseDriver {
		c.Database.DSN = DefaultDatabaseDSN
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = DefaultRetentionDays
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = DefaultAuditBuffer
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks every constraint and reports all violations at once.
func (c Config) Validate() error {
	var errs []error

	if c.RateLimit.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_attempts must be positive, got %d", c.RateLimit.MaxAttempts))
	}
	if c.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window_seconds must be positive, got %d", c.RateLimit.WindowSeconds))
	}
	for k, v := range c.Token.ExpiryDays {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("token.expiry_days[%s] must be positive, got %d", k, v))
		}
	}
	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("redis.port must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db must not be negative, got %d", c.Redis.DB))
	}
	if c.Redis.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("redis.timeout_seconds must be positive, got %d", c.Redis.TimeoutSeconds))
	}
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or pgx, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Audit.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("audit.retention_days must be positive, got %d", c.Audit.RetentionDays))
	}
	if c.Audit.PurgeIntervalHours < 0 {
		errs = append(errs, fmt.Errorf("audit.purge_interval_hours must not be negative, got %d", c.Audit.PurgeIntervalHours))
	}
	if c.Audit.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("audit.buffer_size must not be negative, got %d", c.Audit.BufferSize))
	}

	return errors.Join(errs...)
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func (c Config) RedisTimeout() time.Duration {
	return time.Duration(c.Redis.TimeoutSeconds) * time.Second
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}
