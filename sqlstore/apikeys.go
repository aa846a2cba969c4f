package sqlstore

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore"
)

type apiKeyRow struct {
	ID          string `db:"id"`
	AccountID   string `db:"account_id"`
	Name        string `db:"name"`
	Prefix      string `db:"prefix"`
	SecretHash  string `db:"secret_hash"`
	Permissions string `db:"permissions"`
	ExpiresAt   int64  `db:"expires_at"`
	Revoked     bool   `db:"revoked"`
	RevokedAt   int64  `db:"revoked_at"`
	LastUsed    int64  `db:"last_used"`
	CreatedAt   int64  `db:"created_at"`
}

const apiKeyColumns = `id, account_id, name, prefix, secret_hash, permissions,
expires_at, revoked, revoked_at, last_used, created_at`

func (r apiKeyRow) record() *authcore.APIKeyRecord {
	return &authcore.APIKeyRecord{
		APIKey: authcore.APIKey{
			ID:          r.ID,
			AccountID:   r.AccountID,
			Name:        r.Name,
			Prefix:      r.Prefix,
			Permissions: splitPermissions(r.Permissions),
			ExpiresAt:   fromMillis(r.ExpiresAt),
			Revoked:     r.Revoked,
			RevokedAt:   fromMillis(r.RevokedAt),
			LastUsed:    fromMillis(r.LastUsed),
			CreatedAt:   fromMillis(r.CreatedAt),
		},
		SecretHash: r.SecretHash,
	}
}

// CreateAPIKey inserts rec unless the account already holds maxActive
// non-revoked keys. The count and the insert are one statement; on
// PostgreSQL a transaction-scoped advisory lock on the account serializes
// concurrent creators, SQLite serializes writers by itself.
func (s *Store) CreateAPIKey(ctx context.Context, rec authcore.APIKeyRecord, maxActive int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("create api key", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.postgres() {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.AccountID); err != nil {
			return wrap("create api key", err)
		}
	}

	const q = `INSERT INTO api_keys (` + apiKeyColumns + `)
SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT),
  CAST(? AS BIGINT), FALSE, 0, 0, CAST(? AS BIGINT)
WHERE (SELECT COUNT(*) FROM api_keys WHERE account_id = ? AND revoked = FALSE) < ?`

	res, err := tx.ExecContext(ctx, tx.Rebind(q),
		rec.ID, rec.AccountID, rec.Name, rec.Prefix, rec.SecretHash, joinPermissions(rec.Permissions),
		toMillis(rec.ExpiresAt), toMillis(rec.CreatedAt),
		rec.AccountID, maxActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return authcore.ErrConflict
		}
		return wrap("create api key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("create api key", err)
	}
	if n == 0 {
		return authcore.ErrQuotaExceeded
	}
	return wrap("create api key", tx.Commit())
}

func (s *Store) getAPIKey(ctx context.Context, op, where string, arg any) (*authcore.APIKeyRecord, error) {
	var row apiKeyRow
	q := s.db.Rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE ` + where)
	if err := s.db.GetContext(ctx, &row, q, arg); err != nil {
		return nil, wrap(op, err)
	}
	return row.record(), nil
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*authcore.APIKeyRecord, error) {
	return s.getAPIKey(ctx, "get api key by prefix", `prefix = ?`, prefix)
}

func (s *Store) GetAPIKeyByID(ctx context.Context, id string) (*authcore.APIKeyRecord, error) {
	return s.getAPIKey(ctx, "get api key", `id = ?`, id)
}

// ListAPIKeys returns every key of the account, revoked ones included,
// oldest first.
func (s *Store) ListAPIKeys(ctx context.Context, accountID string) ([]authcore.APIKeyRecord, error) {
	var rows []apiKeyRow
	q := s.db.Rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE account_id = ? ORDER BY created_at, id`)
	if err := s.db.SelectContext(ctx, &rows, q, accountID); err != nil {
		return nil, wrap("list api keys", err)
	}
	out := make([]authcore.APIKeyRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.record())
	}
	return out, nil
}

// RevokeAPIKey is idempotent: revoking a revoked key keeps its first
// RevokedAt and returns nil.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE api_keys SET revoked = TRUE, revoked_at = ? WHERE id = ? AND revoked = FALSE`), toMillis(at), id)
	if err != nil {
		return wrap("revoke api key", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return wrap("revoke api key", err)
	}
	_, err = s.GetAPIKeyByID(ctx, id)
	return err
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "touch api key", `UPDATE api_keys SET last_used = ? WHERE id = ?`, toMillis(at), id)
}
