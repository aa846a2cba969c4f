package sqlstore

import (
	"context"
	"errors"
	"time"
)

var errZeroTime = errors.New("sqlstore: timestamp required")

// ReplaceRecoveryCodes deletes the account's codes and inserts the new set,
// created at now, in one transaction.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, accountID string, hashes []string, now time.Time) error {
	if now.IsZero() {
		return errZeroTime
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("replace recovery codes", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM recovery_codes WHERE account_id = ?`), accountID); err != nil {
		return wrap("replace recovery codes", err)
	}

	createdAt := toMillis(now)
	insert := tx.Rebind(`INSERT INTO recovery_codes (account_id, code_hash, created_at) VALUES (?, ?, ?)`)
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, insert, accountID, h, createdAt); err != nil {
			return wrap("replace recovery codes", err)
		}
	}
	return wrap("replace recovery codes", tx.Commit())
}

// ConsumeRecoveryCode marks one unused code as used. Concurrent callers
// with the same code race on the used_at = 0 predicate; one wins.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, accountID, hash string, at time.Time) (bool, error) {
	const q = `UPDATE recovery_codes SET used_at = ? WHERE account_id = ? AND code_hash = ? AND used_at = 0`

	if at.IsZero() {
		return false, errZeroTime
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), toMillis(at), accountID, hash)
	if err != nil {
		return false, wrap("consume recovery code", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("consume recovery code", err)
	}
	return n == 1, nil
}

func (s *Store) CountRecoveryCodes(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM recovery_codes WHERE account_id = ? AND used_at = 0`), accountID)
	if err != nil {
		return 0, wrap("count recovery codes", err)
	}
	return n, nil
}
