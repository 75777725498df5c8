package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tunaaoguzhann/sign-access/core"
)

const SignatureSecretKey = "signature_secret"

// ParamStore is a small key/value table for process-wide settings. It
// backs the signature secret so every worker signs with the same key.
type ParamStore struct {
	db    *DB
	clock func() time.Time
}

func NewParamStore(db *DB) *ParamStore {
	return &ParamStore{db: db, clock: time.Now}
}

func (s *ParamStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		s.db.rebind(`SELECT value FROM system_parameters WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", key, err)
	}
	return value, nil
}

func (s *ParamStore) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO system_parameters (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`
	if _, err := s.db.ExecContext(ctx, s.db.rebind(query), key, value, s.clock().UnixMilli()); err != nil {
		return fmt.Errorf("failed to set parameter %s: %w", key, err)
	}
	return nil
}

// SetIfUnset writes value only when key is missing, empty or equal to
// placeholder, then returns whatever is stored.
func (s *ParamStore) SetIfUnset(ctx context.Context, key, value, placeholder string) (string, error) {
	query := `
		INSERT INTO system_parameters (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
		WHERE system_parameters.value = '' OR system_parameters.value = ?
	`
	if _, err := s.db.ExecContext(ctx, s.db.rebind(query), key, value, s.clock().UnixMilli(), placeholder); err != nil {
		return "", fmt.Errorf("failed to seed parameter %s: %w", key, err)
	}
	return s.Get(ctx, key)
}

func (s *ParamStore) LoadSecret(ctx context.Context) (string, error) {
	v, err := s.Get(ctx, SignatureSecretKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *ParamStore) StoreSecret(ctx context.Context, candidate string) (string, error) {
	return s.SetIfUnset(ctx, SignatureSecretKey, candidate, core.PlaceholderSecret)
}
