package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// PlaceholderSecret is the value shipped in fresh installs. It is treated
// exactly like a missing key.
const PlaceholderSecret = "CHANGE_ME_DURING_INSTALLATION"

const secretBytes = 32

// SecretSource yields the process-wide HMAC key.
type SecretSource interface {
	Secret(ctx context.Context) ([]byte, error)
}

// SecretStore persists the key. StoreSecret must only write when the current
// value is absent or the placeholder, and returns whichever value is stored
// afterwards so concurrent first callers converge.
type SecretStore interface {
	LoadSecret(ctx context.Context) (string, error)
	StoreSecret(ctx context.Context, candidate string) (string, error)
}

type SecretProvider struct {
	store  SecretStore
	static string
	logger *slog.Logger

	mu     sync.Mutex
	secret []byte
}

// NewSecretProvider resolves the key lazily. A non-placeholder static value
// wins over the store; otherwise the store is read and, if empty, seeded
// with a freshly generated 256-bit key.
func NewSecretProvider(store SecretStore, static string, logger *slog.Logger) *SecretProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretProvider{store: store, static: static, logger: logger}
}

func (p *SecretProvider) Secret(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secret != nil {
		return p.secret, nil
	}

	if usableSecret(p.static) {
		p.secret = []byte(p.static)
		return p.secret, nil
	}
	if p.store == nil {
		return nil, fmt.Errorf("%w: no static secret and no secret store", ErrSecretMissing)
	}

	current, err := p.store.LoadSecret(ctx)
	if err != nil {
		p.logger.Error("load signature secret", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrSecretMissing, err)
	}
	if !usableSecret(current) {
		candidate, err := GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSecretMissing, err)
		}
		current, err = p.store.StoreSecret(ctx, candidate)
		if err != nil {
			p.logger.Error("persist signature secret", "err", err)
			return nil, fmt.Errorf("%w: %v", ErrSecretMissing, err)
		}
		if !usableSecret(current) {
			return nil, fmt.Errorf("%w: store returned an unusable value", ErrSecretMissing)
		}
		if current == candidate {
			p.logger.Info("generated new signature secret")
		}
	}

	// the hex text itself is the key material
	p.secret = []byte(current)
	return p.secret, nil
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func usableSecret(s string) bool {
	return s != "" && s != PlaceholderSecret
}

type MemorySecretStore struct {
	mu    sync.Mutex
	value string
}

func NewMemorySecretStore(initial string) *MemorySecretStore {
	return &MemorySecretStore{value: initial}
}

func (s *MemorySecretStore) LoadSecret(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *MemorySecretStore) StoreSecret(_ context.Context, candidate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !usableSecret(s.value) {
		s.value = candidate
	}
	return s.value, nil
}
