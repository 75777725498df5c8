// Package storage persists audit events and system parameters in SQL.
// SQLite (modernc.org/sqlite) and Postgres (pgx stdlib) share one schema.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	defaultPingTimeout = 5 * time.Second
)

var ErrNotFound = errors.New("storage: not found")

type DB struct {
	*sql.DB
	driver string
}

// Open connects, pings and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// single writer; also keeps ":memory:" on one connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	pctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.InitSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates all tables and indexes. Safe to call repeatedly.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS security_audit_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			signature_type TEXT,
			ip_address TEXT,
			user_agent TEXT,
			token_prefix TEXT,
			related_model TEXT,
			related_id BIGINT,
			error_message TEXT,
			additional_info TEXT,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON security_audit_events(created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_type_created ON security_audit_events(event_type, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ip ON security_audit_events(ip_address)`,

		`CREATE TABLE IF NOT EXISTS system_parameters (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Driver reports which SQL dialect is in use.
func (db *DB) Driver() string { return db.driver }

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
