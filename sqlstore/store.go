// Package sqlstore implements the durable stores of package authcore on
// SQL databases through sqlx. PostgreSQL (lib/pq, driver "postgres") and
// SQLite (modernc.org/sqlite, driver "sqlite") are supported.
//
// Times are stored as Unix milliseconds in BIGINT columns so that both
// dialects compare them the same way. A zero time is stored as 0.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	_ authcore.AccountStore      = (*Store)(nil)
	_ authcore.RecoveryCodeStore = (*Store)(nil)
	_ authcore.APIKeyStore       = (*Store)(nil)
)

// Store is an AccountStore, RecoveryCodeStore and APIKeyStore over one
// database handle.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database and checks the connection. SQLite handles
// are limited to one open connection, which serializes writers.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle. The handle's driver name selects the
// dialect.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle, for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) postgres() bool {
	return s.db.DriverName() == DriverPostgres
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  identifier TEXT NOT NULL UNIQUE,
  email TEXT NOT NULL DEFAULT '',
  password_hash TEXT NOT NULL,
  totp_secret TEXT NOT NULL DEFAULT '',
  totp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  failed_login_attempts INTEGER NOT NULL DEFAULT 0,
  locked BOOLEAN NOT NULL DEFAULT FALSE,
  lock_until BIGINT NOT NULL DEFAULT 0,
  last_login BIGINT NOT NULL DEFAULT 0,
  last_login_ip TEXT NOT NULL DEFAULT '',
  reset_token_hash TEXT UNIQUE,
  reset_expires_at BIGINT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS recovery_codes (
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  code_hash TEXT NOT NULL,
  used_at BIGINT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  PRIMARY KEY (account_id, code_hash)
)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  prefix TEXT NOT NULL UNIQUE,
  secret_hash TEXT NOT NULL,
  permissions TEXT NOT NULL,
  expires_at BIGINT NOT NULL,
  revoked BOOLEAN NOT NULL DEFAULT FALSE,
  revoked_at BIGINT NOT NULL DEFAULT 0,
  last_used BIGINT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_reset_expiry ON accounts(reset_expires_at)`,
}

// Migrate creates the tables if they do not exist. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

/*
====================================
HELPERS
====================================
*/

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

// wrap maps sql.ErrNoRows to authcore.ErrNotFound and annotates anything else
// with the operation.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return authcore.ErrNotFound
	}
	return fmt.Errorf("sqlstore: %s: %w", op, err)
}

// expectOne turns a zero-row update into authcore.ErrNotFound.
func expectOne(op string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return authcore.ErrNotFound
	}
	return nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return expectOne(op, res, err)
}

func joinPermissions(perms []authcore.Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitPermissions(v string) []authcore.Permission {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]authcore.Permission, len(parts))
	for i, p := range parts {
		out[i] = authcore.Permission(p)
	}
	return out
}
