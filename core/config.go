package core

import (
	"log/slog"
	"time"
)

type ManagerOptions struct {
	// Secret is a configured key; empty or the placeholder defers to SecretStore.
	Secret       string
	SecretStore  SecretStore
	ExpiryDays   map[TokenType]int
	StrictExpiry bool
	Audit        AuditSink
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewManager wires a Manager with a lazily resolved secret.
func NewManager(opts ManagerOptions) (*Manager, error) {
	store := opts.SecretStore
	if store == nil && !usableSecret(opts.Secret) {
		store = NewMemorySecretStore("")
	}
	return newManager(Config{
		Secrets:      NewSecretProvider(store, opts.Secret, opts.Logger),
		Expiry:       DefaultExpiryPolicy().WithDays(opts.ExpiryDays),
		Now:          opts.Now,
		Audit:        opts.Audit,
		Logger:       opts.Logger,
		StrictExpiry: opts.StrictExpiry,
	})
}

type BackendOptions struct {
	// Redis selects shared backends; nil keeps everything in process.
	Redis            *RedisOptions
	RateKeyPrefix    string
	RequestKeyPrefix string
}

// Backends are the stateful collaborators: the request store and the
// rate-limit log. Conn is nil for in-process backends.
type Backends struct {
	Store   Store
	Limiter RateLimiter
	Conn    *RedisConn
}

func NewBackends(opts BackendOptions) Backends {
	if opts.Redis == nil {
		return Backends{
			Store:   NewMemoryStore(),
			Limiter: NewMemoryRateLimiter().WithKeyPrefix(opts.RateKeyPrefix),
		}
	}
	conn := NewRedisConn(*opts.Redis)
	return Backends{
		Store:   NewRedisStore(conn, opts.RequestKeyPrefix),
		Limiter: NewRedisRateLimiter(conn, opts.RateKeyPrefix),
		Conn:    conn,
	}
}

func (b Backends) Close() error {
	if b.Conn == nil {
		return nil
	}
	return b.Conn.Close()
}
