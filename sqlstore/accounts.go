package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/segmentio/ksuid"
)

type accountRow struct {
	ID                  string         `db:"id"`
	Identifier          string         `db:"identifier"`
	Email               string         `db:"email"`
	PasswordHash        string         `db:"password_hash"`
	TOTPSecret          string         `db:"totp_secret"`
	TOTPEnabled         bool           `db:"totp_enabled"`
	FailedLoginAttempts int            `db:"failed_login_attempts"`
	Locked              bool           `db:"locked"`
	LockUntil           int64          `db:"lock_until"`
	LastLogin           int64          `db:"last_login"`
	LastLoginIP         string         `db:"last_login_ip"`
	ResetTokenHash      sql.NullString `db:"reset_token_hash"`
	ResetExpiresAt      int64          `db:"reset_expires_at"`
	CreatedAt           int64          `db:"created_at"`
}

const accountColumns = `id, identifier, email, password_hash, totp_secret, totp_enabled,
failed_login_attempts, locked, lock_until, last_login, last_login_ip,
reset_token_hash, reset_expires_at, created_at`

func (r accountRow) account() *authcore.Account {
	return &authcore.Account{
		ID:                  r.ID,
		Identifier:          r.Identifier,
		Email:               r.Email,
		PasswordHash:        r.PasswordHash,
		TOTPSecret:          r.TOTPSecret,
		TOTPEnabled:         r.TOTPEnabled,
		FailedLoginAttempts: r.FailedLoginAttempts,
		Locked:              r.Locked,
		LockUntil:           fromMillis(r.LockUntil),
		LastLogin:           fromMillis(r.LastLogin),
		LastLoginIP:         r.LastLoginIP,
		ResetTokenHash:      r.ResetTokenHash.String,
		ResetExpiresAt:      fromMillis(r.ResetExpiresAt),
		CreatedAt:           fromMillis(r.CreatedAt),
	}
}

// CreateAccount inserts a new account with a fresh KSUID. The identifier is
// stored lower-cased and trimmed. A taken identifier returns
// authcore.ErrConflict.
func (s *Store) CreateAccount(ctx context.Context, identifier, email, passwordHash string, now time.Time) (*authcore.Account, error) {
	row := accountRow{
		ID:           ksuid.New().String(),
		Identifier:   normalizeIdentifier(identifier),
		Email:        strings.TrimSpace(email),
		PasswordHash: passwordHash,
		CreatedAt:    toMillis(now),
	}
	if row.Identifier == "" {
		return nil, authcore.ErrInvalidOperation
	}

	const q = `INSERT INTO accounts (id, identifier, email, password_hash, created_at)
VALUES (:id, :identifier, :email, :password_hash, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return nil, authcore.ErrConflict
		}
		return nil, wrap("create account", err)
	}
	return row.account(), nil
}

func normalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func (s *Store) getAccount(ctx context.Context, op, where string, arg any) (*authcore.Account, error) {
	var row accountRow
	q := s.db.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE ` + where)
	if err := s.db.GetContext(ctx, &row, q, arg); err != nil {
		return nil, wrap(op, err)
	}
	return row.account(), nil
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*authcore.Account, error) {
	return s.getAccount(ctx, "get account", `id = ?`, id)
}

// GetAccountByIdentifier matches case-insensitively.
func (s *Store) GetAccountByIdentifier(ctx context.Context, identifier string) (*authcore.Account, error) {
	return s.getAccount(ctx, "get account by identifier", `identifier = ?`, normalizeIdentifier(identifier))
}

func (s *Store) GetAccountByResetHash(ctx context.Context, tokenHash string) (*authcore.Account, error) {
	if tokenHash == "" {
		return nil, authcore.ErrNotFound
	}
	return s.getAccount(ctx, "get account by reset hash", `reset_token_hash = ?`, tokenHash)
}

type attemptRow struct {
	FailedLoginAttempts int   `db:"failed_login_attempts"`
	Locked              bool  `db:"locked"`
	LockUntil           int64 `db:"lock_until"`
}

func (r attemptRow) state() authcore.AttemptState {
	return authcore.AttemptState{
		FailedAttempts: r.FailedLoginAttempts,
		Locked:         r.Locked,
		LockUntil:      fromMillis(r.LockUntil),
	}
}

// IncrementFailedLogins bumps the counter and applies the lock in a single
// UPDATE ... RETURNING statement.
func (s *Store) IncrementFailedLogins(ctx context.Context, id string, threshold int, lockUntil time.Time) (authcore.AttemptState, error) {
	const q = `UPDATE accounts SET
  failed_login_attempts = failed_login_attempts + 1,
  locked = CASE WHEN failed_login_attempts + 1 >= ? THEN TRUE ELSE locked END,
  lock_until = CASE WHEN failed_login_attempts + 1 >= ? THEN ? ELSE lock_until END
WHERE id = ?
RETURNING failed_login_attempts, locked, lock_until`

	var out attemptRow
	err := s.db.GetContext(ctx, &out, s.db.Rebind(q), threshold, threshold, toMillis(lockUntil), id)
	if err != nil {
		return authcore.AttemptState{}, wrap("increment failed logins", err)
	}
	return out.state(), nil
}

// ClearExpiredLock resets the counter only while the stored lock is expired,
// and returns the row as it stands afterwards. A lock whose expiry is unset
// (0) counts as expired.
func (s *Store) ClearExpiredLock(ctx context.Context, id string, now time.Time) (authcore.AttemptState, error) {
	const q = `UPDATE accounts SET
  failed_login_attempts = CASE WHEN locked AND lock_until < ? THEN 0 ELSE failed_login_attempts END,
  lock_until = CASE WHEN locked AND lock_until < ? THEN 0 ELSE lock_until END,
  locked = CASE WHEN locked AND lock_until < ? THEN FALSE ELSE locked END
WHERE id = ?
RETURNING failed_login_attempts, locked, lock_until`

	ms := toMillis(now)
	var out attemptRow
	if err := s.db.GetContext(ctx, &out, s.db.Rebind(q), ms, ms, ms, id); err != nil {
		return authcore.AttemptState{}, wrap("clear expired lock", err)
	}
	return out.state(), nil
}

// ResetFailedLogins unconditionally returns the account to Unlocked(0).
func (s *Store) ResetFailedLogins(ctx context.Context, id string) error {
	return s.exec(ctx, "reset failed logins",
		`UPDATE accounts SET failed_login_attempts = 0, locked = FALSE, lock_until = 0 WHERE id = ?`, id)
}

func (s *Store) RecordLogin(ctx context.Context, id, ip string, at time.Time) error {
	return s.exec(ctx, "record login",
		`UPDATE accounts SET last_login = ?, last_login_ip = ? WHERE id = ?`, toMillis(at), ip, id)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.exec(ctx, "update password hash",
		`UPDATE accounts SET password_hash = ? WHERE id = ?`, hash, id)
}

// SetTOTPSecret stores a pending secret and disables TOTP until EnableTOTP.
func (s *Store) SetTOTPSecret(ctx context.Context, id, secret string) error {
	return s.exec(ctx, "set totp secret",
		`UPDATE accounts SET totp_secret = ?, totp_enabled = FALSE WHERE id = ?`, secret, id)
}

func (s *Store) EnableTOTP(ctx context.Context, id string) error {
	return s.exec(ctx, "enable totp",
		`UPDATE accounts SET totp_enabled = TRUE WHERE id = ? AND totp_secret <> ''`, id)
}

func (s *Store) DisableTOTP(ctx context.Context, id string) error {
	return s.exec(ctx, "disable totp",
		`UPDATE accounts SET totp_enabled = FALSE, totp_secret = '' WHERE id = ?`, id)
}

func (s *Store) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	return s.exec(ctx, "set reset token",
		`UPDATE accounts SET reset_token_hash = ?, reset_expires_at = ? WHERE id = ?`, tokenHash, toMillis(expiresAt), id)
}

func (s *Store) ClearResetToken(ctx context.Context, id string) error {
	return s.exec(ctx, "clear reset token",
		`UPDATE accounts SET reset_token_hash = NULL, reset_expires_at = 0 WHERE id = ?`, id)
}

// ConsumeResetToken swaps the password hash only while the stored token
// still matches and is unexpired. A successful reset also lifts any lock.
func (s *Store) ConsumeResetToken(ctx context.Context, id, tokenHash, newPasswordHash string, now time.Time) (bool, error) {
	const q = `UPDATE accounts SET
  password_hash = ?,
  reset_token_hash = NULL,
  reset_expires_at = 0,
  failed_login_attempts = 0,
  locked = FALSE,
  lock_until = 0
WHERE id = ? AND reset_token_hash = ? AND reset_expires_at >= ?`

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), newPasswordHash, id, tokenHash, toMillis(now))
	if err != nil {
		return false, wrap("consume reset token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("consume reset token", err)
	}
	return n == 1, nil
}

func (s *Store) SweepExpiredResetTokens(ctx context.Context, now time.Time) (int, error) {
	const q = `UPDATE accounts SET reset_token_hash = NULL, reset_expires_at = 0
WHERE reset_token_hash IS NOT NULL AND reset_expires_at < ?`

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), toMillis(now))
	if err != nil {
		return 0, wrap("sweep reset tokens", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("sweep reset tokens", err)
	}
	return int(n), nil
}
