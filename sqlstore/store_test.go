package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "authcore.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	s, err := Open(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createAccount(t *testing.T, s *Store, identifier string) *authcore.Account {
	t.Helper()
	acct, err := s.CreateAccount(context.Background(), identifier, identifier+"@example.com", "$argon2id$hash", epoch)
	require.NoError(t, err)
	return acct
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestCreateAndGetAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, " Alice ", "alice@example.com", "$argon2id$hash", epoch)
	require.NoError(t, err)
	require.Len(t, acct.ID, 27, "ksuid string length")
	require.Equal(t, "alice", acct.Identifier)

	got, err := s.GetAccountByIdentifier(ctx, "ALICE")
	require.NoError(t, err)
	require.Equal(t, acct.ID, got.ID)
	require.Equal(t, "alice@example.com", got.Email)
	require.True(t, got.CreatedAt.Equal(epoch))
	require.True(t, got.LockUntil.IsZero())

	_, err = s.CreateAccount(ctx, "alice", "", "x", epoch)
	require.ErrorIs(t, err, authcore.ErrConflict)

	_, err = s.GetAccountByID(ctx, "missing")
	require.ErrorIs(t, err, authcore.ErrNotFound)
	_, err = s.GetAccountByResetHash(ctx, "")
	require.ErrorIs(t, err, authcore.ErrNotFound)
}

func TestIncrementFailedLoginsLocksAtThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, s, "alice")
	until := epoch.Add(15 * time.Minute)

	for i := 1; i <= 4; i++ {
		st, err := s.IncrementFailedLogins(ctx, acct.ID, 5, until)
		require.NoError(t, err)
		require.Equal(t, i, st.FailedAttempts)
		require.False(t, st.Locked)
		require.True(t, st.LockUntil.IsZero())
	}

	st, err := s.IncrementFailedLogins(ctx, acct.ID, 5, until)
	require.NoError(t, err)
	require.Equal(t, 5, st.FailedAttempts)
	require.True(t, st.Locked)
	require.True(t, st.LockUntil.Equal(until))

	require.NoError(t, s.ResetFailedLogins(ctx, acct.ID))
	got, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Zero(t, got.FailedLoginAttempts)
	require.False(t, got.Locked)

	_, err = s.IncrementFailedLogins(ctx, "missing", 5, until)
	require.ErrorIs(t, err, authcore.ErrNotFound)
}

func TestClearExpiredLockKeepsNewerLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, s, "dora")

	firstUntil := epoch.Add(15 * time.Minute)
	for i := 0; i < 5; i++ {
		_, err := s.IncrementFailedLogins(ctx, acct.ID, 5, firstUntil)
		require.NoError(t, err)
	}

	st, err := s.ClearExpiredLock(ctx, acct.ID, firstUntil)
	require.NoError(t, err)
	require.True(t, st.Locked, "lock is still active at its expiry instant")
	require.Equal(t, 5, st.FailedAttempts)

	later := firstUntil.Add(time.Minute)
	st, err = s.ClearExpiredLock(ctx, acct.ID, later)
	require.NoError(t, err)
	require.False(t, st.Locked)
	require.Zero(t, st.FailedAttempts)

	secondUntil := later.Add(15 * time.Minute)
	for i := 0; i < 5; i++ {
		_, err := s.IncrementFailedLogins(ctx, acct.ID, 5, secondUntil)
		require.NoError(t, err)
	}

	// A second reader that saw the first, expired lock must not clear the new one.
	st, err = s.ClearExpiredLock(ctx, acct.ID, later)
	require.NoError(t, err)
	require.True(t, st.Locked)
	require.Equal(t, 5, st.FailedAttempts)
	require.True(t, st.LockUntil.Equal(secondUntil))

	got, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, got.Locked)
	require.True(t, got.LockUntil.Equal(secondUntil))

	_, err = s.ClearExpiredLock(ctx, "missing", later)
	require.ErrorIs(t, err, authcore.ErrNotFound)
}

func TestIncrementFailedLoginsConcurrent(t *testing.T) {
	s := openTestStore(t)
	acct := createAccount(t, s, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementFailedLogins(context.Background(), acct.ID, 100, epoch)
		}()
	}
	wg.Wait()

	got, err := s.GetAccountByID(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Equal(t, 20, got.FailedLoginAttempts)
}

func TestAccountUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, s, "alice")

	require.NoError(t, s.RecordLogin(ctx, acct.ID, "203.0.113.7", epoch.Add(time.Minute)))
	require.NoError(t, s.UpdatePasswordHash(ctx, acct.ID, "new-hash"))
	require.ErrorIs(t, s.EnableTOTP(ctx, acct.ID), authcore.ErrNotFound, "no secret yet")
	require.NoError(t, s.SetTOTPSecret(ctx, acct.ID, "JBSWY3DPEHPK3PXP"))
	require.NoError(t, s.EnableTOTP(ctx, acct.ID))

	got, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", got.LastLoginIP)
	require.True(t, got.LastLogin.Equal(epoch.Add(time.Minute)))
	require.Equal(t, "new-hash", got.PasswordHash)
	require.True(t, got.TOTPEnabled)
	require.Equal(t, "JBSWY3DPEHPK3PXP", got.TOTPSecret)

	require.NoError(t, s.DisableTOTP(ctx, acct.ID))
	got, _ = s.GetAccountByID(ctx, acct.ID)
	require.False(t, got.TOTPEnabled)
	require.Empty(t, got.TOTPSecret)

	require.ErrorIs(t, s.UpdatePasswordHash(ctx, "missing", "x"), authcore.ErrNotFound)
}

func TestResetTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, s, "alice")
	exp := epoch.Add(10 * time.Minute)

	require.NoError(t, s.SetResetToken(ctx, acct.ID, "digest-1", exp))
	got, err := s.GetAccountByResetHash(ctx, "digest-1")
	require.NoError(t, err)
	require.Equal(t, acct.ID, got.ID)
	require.True(t, got.ResetExpiresAt.Equal(exp))

	_, _ = s.IncrementFailedLogins(ctx, acct.ID, 1, epoch.Add(time.Hour))

	ok, err := s.ConsumeResetToken(ctx, acct.ID, "digest-other", "h2", epoch)
	require.NoError(t, err)
	require.False(t, ok, "wrong digest")

	ok, err = s.ConsumeResetToken(ctx, acct.ID, "digest-1", "h2", exp.Add(time.Millisecond))
	require.NoError(t, err)
	require.False(t, ok, "expired")

	ok, err = s.ConsumeResetToken(ctx, acct.ID, "digest-1", "h2", exp)
	require.NoError(t, err)
	require.True(t, ok, "valid up to and including expiry")

	ok, err = s.ConsumeResetToken(ctx, acct.ID, "digest-1", "h3", exp)
	require.NoError(t, err)
	require.False(t, ok, "single use")

	got, err = s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "h2", got.PasswordHash)
	require.Empty(t, got.ResetTokenHash)
	require.False(t, got.Locked)
	require.Zero(t, got.FailedLoginAttempts)
}

func TestConsumeResetTokenConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acct := createAccount(t, s, "alice")
	require.NoError(t, s.SetResetToken(ctx, acct.ID, "digest", epoch.Add(time.Minute)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ConsumeResetToken(ctx, acct.ID, "digest", fmt.Sprintf("hash-%d", i), epoch)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestSweepExpiredResetTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	b := createAccount(t, s, "bob")

	require.NoError(t, s.SetResetToken(ctx, a.ID, "old", epoch.Add(time.Minute)))
	require.NoError(t, s.SetResetToken(ctx, b.ID, "fresh", epoch.Add(time.Hour)))

	n, err := s.SweepExpiredResetTokens(ctx, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetAccountByResetHash(ctx, "old")
	require.ErrorIs(t, err, authcore.ErrNotFound)
	_, err = s.GetAccountByResetHash(ctx, "fresh")
	require.NoError(t, err)

	require.NoError(t, s.ClearResetToken(ctx, b.ID))
	n, err = s.SweepExpiredResetTokens(ctx, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

/* ==== Recovery codes ==== */

func TestRecoveryCodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	b := createAccount(t, s, "bob")

	require.NoError(t, s.ReplaceRecoveryCodes(ctx, a.ID, []string{"h1", "h2", "h3"}, epoch))
	n, err := s.CountRecoveryCodes(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	usedAt := epoch.Add(time.Hour)
	ok, err := s.ConsumeRecoveryCode(ctx, a.ID, "h1", usedAt)
	require.NoError(t, err)
	require.True(t, ok)

	var stamps struct {
		CreatedAt int64 `db:"created_at"`
		UsedAt    int64 `db:"used_at"`
	}
	require.NoError(t, s.db.GetContext(ctx, &stamps,
		s.db.Rebind(`SELECT created_at, used_at FROM recovery_codes WHERE account_id = ? AND code_hash = ?`), a.ID, "h1"))
	require.Equal(t, epoch.UnixMilli(), stamps.CreatedAt)
	require.Equal(t, usedAt.UnixMilli(), stamps.UsedAt)

	_, err = s.ConsumeRecoveryCode(ctx, a.ID, "h2", time.Time{})
	require.Error(t, err, "zero time would read as unused")
	require.Error(t, s.ReplaceRecoveryCodes(ctx, a.ID, []string{"h4"}, time.Time{}))
	ok, err = s.ConsumeRecoveryCode(ctx, a.ID, "h1", epoch)
	require.NoError(t, err)
	require.False(t, ok, "single use")
	ok, err = s.ConsumeRecoveryCode(ctx, b.ID, "h2", epoch)
	require.NoError(t, err)
	require.False(t, ok, "bound to account")

	n, _ = s.CountRecoveryCodes(ctx, a.ID)
	require.Equal(t, 2, n)

	require.NoError(t, s.ReplaceRecoveryCodes(ctx, a.ID, []string{"h9"}, epoch))
	ok, _ = s.ConsumeRecoveryCode(ctx, a.ID, "h2", epoch)
	require.False(t, ok, "old set replaced")
	n, _ = s.CountRecoveryCodes(ctx, a.ID)
	require.Equal(t, 1, n)
}

/* ==== API keys ==== */

func apiKeyRecord(id, accountID, prefix string) authcore.APIKeyRecord {
	return authcore.APIKeyRecord{
		APIKey: authcore.APIKey{
			ID:          id,
			AccountID:   accountID,
			Name:        "key " + id,
			Prefix:      prefix,
			Permissions: []authcore.Permission{authcore.PermissionRead, authcore.PermissionWrite},
			ExpiresAt:   epoch.Add(24 * time.Hour),
			CreatedAt:   epoch,
		},
		SecretHash: "secret-digest-" + id,
	}
}

func TestAPIKeyCreateAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s, "alice")

	require.NoError(t, s.CreateAPIKey(ctx, apiKeyRecord("k1", a.ID, "ak_00000001"), 10))

	got, err := s.GetAPIKeyByPrefix(ctx, "ak_00000001")
	require.NoError(t, err)
	require.Equal(t, "k1", got.ID)
	require.Equal(t, "secret-digest-k1", got.SecretHash)
	require.Equal(t, []authcore.Permission{authcore.PermissionRead, authcore.PermissionWrite}, got.Permissions)
	require.True(t, got.ExpiresAt.Equal(epoch.Add(24*time.Hour)))
	require.False(t, got.Revoked)

	err = s.CreateAPIKey(ctx, apiKeyRecord("k2", a.ID, "ak_00000001"), 10)
	require.ErrorIs(t, err, authcore.ErrConflict)

	_, err = s.GetAPIKeyByID(ctx, "missing")
	require.ErrorIs(t, err, authcore.ErrNotFound)

	require.NoError(t, s.TouchAPIKey(ctx, "k1", epoch.Add(time.Minute)))
	got, _ = s.GetAPIKeyByID(ctx, "k1")
	require.True(t, got.LastUsed.Equal(epoch.Add(time.Minute)))
}

func TestAPIKeyQuota(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s, "alice")
	b := createAccount(t, s, "bob")

	require.NoError(t, s.CreateAPIKey(ctx, apiKeyRecord("k1", a.ID, "ak_00000001"), 2))
	require.NoError(t, s.CreateAPIKey(ctx, apiKeyRecord("k2", a.ID, "ak_00000002"), 2))
	require.ErrorIs(t, s.CreateAPIKey(ctx, apiKeyRecord("k3", a.ID, "ak_00000003"), 2), authcore.ErrQuotaExceeded)
	require.NoError(t, s.CreateAPIKey(ctx, apiKeyRecord("k4", b.ID, "ak_00000004"), 2))

	require.NoError(t, s.RevokeAPIKey(ctx, "k1", epoch))
	require.NoError(t, s.CreateAPIKey(ctx, apiKeyRecord("k3", a.ID, "ak_00000003"), 2))
}

func TestAPIKeyQuotaConcurrent(t *testing.T) {
	s := openTestStore(t)
	a := createAccount(t, s, "alice")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := apiKeyRecord(fmt.Sprintf("k%d", i), a.ID, fmt.Sprintf("ak_%08d", i))
			if s.CreateAPIKey(context.Background(), rec, 3) == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 3, created)
}

func TestAPIKeyRevokeAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := createAccount(t, s, "alice")

	first := apiKeyRecord("k1", a.ID, "ak_00000001")
	second := apiKeyRecord("k2", a.ID, "ak_00000002")
	second.CreatedAt = epoch.Add(time.Second)
	require.NoError(t, s.CreateAPIKey(ctx, second, 10))
	require.NoError(t, s.CreateAPIKey(ctx, first, 10))

	require.NoError(t, s.RevokeAPIKey(ctx, "k1", epoch.Add(time.Minute)))
	require.NoError(t, s.RevokeAPIKey(ctx, "k1", epoch.Add(time.Hour)))
	require.ErrorIs(t, s.RevokeAPIKey(ctx, "missing", epoch), authcore.ErrNotFound)

	keys, err := s.ListAPIKeys(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "k1", keys[0].ID, "oldest first")
	require.True(t, keys[0].Revoked)
	require.True(t, keys[0].RevokedAt.Equal(epoch.Add(time.Minute)))
	require.False(t, keys[1].Revoked)

	keys, err = s.ListAPIKeys(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, keys)
}
