package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func read(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadWithEnv loads path (when non-empty) and then applies environment
// overrides. A malformed numeric or boolean variable is an error.
func LoadWithEnv(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup lookupFunc) (*Config, error) {
	var cfg Config
	if path != "" {
		var err error
		if cfg, err = read(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
			return
		}
		*dst = b
	}
	expiry := func(key, tokenType string) {
		var days int
		before := len(errs)
		num(key, &days)
		if len(errs) > before || days == 0 {
			return
		}
		if cfg.Token.ExpiryDays == nil {
			cfg.Token.ExpiryDays = make(map[string]int)
		}
		cfg.Token.ExpiryDays[tokenType] = days
	}

	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("JWT_SECRET", &cfg.Server.JWTSecret)
	str("PUBLIC_BASE_URL", &cfg.Server.PublicBaseURL)
	flag("TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders)

	// secrets are taken verbatim
	if v, ok := lookup("SIGNATURE_SECRET"); ok && v != "" {
		cfg.Token.Secret = v
	}
	expiry("CHECKOUT_TOKEN_EXPIRY_DAYS", "checkout")
	expiry("DAMAGE_TOKEN_EXPIRY_DAYS", "damage")
	expiry("APPROVAL_TOKEN_EXPIRY_DAYS", "approval")
	flag("STRICT_TOKEN_EXPIRY", &cfg.Token.StrictExpiry)

	num("RATE_LIMIT_REQUESTS", &cfg.RateLimit.MaxAttempts)
	num("RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimit.WindowSeconds)
	flag("RATE_LIMIT_FAIL_CLOSED", &cfg.RateLimit.FailClosed)

	str("REDIS_HOST", &cfg.Redis.Host)
	num("REDIS_PORT", &cfg.Redis.Port)
	num("REDIS_DB", &cfg.Redis.DB)
	if v, ok := lookup("REDIS_PASSWORD"); ok && v != "" {
		cfg.Redis.Password = v
	}
	num("REDIS_TIMEOUT_SECONDS", &cfg.Redis.TimeoutSeconds)

	str("DATABASE_DRIVER", &cfg.Database.Driver)
	if v, ok := lookup("DATABASE_DSN"); ok && v != "" {
		cfg.Database.DSN = v
	}

	num("AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)
	num("AUDIT_PURGE_INTERVAL_HOURS", &cfg.Audit.PurgeIntervalHours)
	num("AUDIT_BUFFER_SIZE", &cfg.Audit.BufferSize)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(errs...)
}
