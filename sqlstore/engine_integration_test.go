package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/sqlstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	alicePassword = "correct-password-123"
	newPassword   = "brand-new-password-456"
)

type integration struct {
	engine *authcore.Engine
	store  *sqlstore.Store
	clock  *clockwork.FakeClock
	mr     *miniredis.Miniredis
	hasher *password.Hasher
}

func newIntegration(t *testing.T, mutate func(*authcore.Config)) *integration {
	t.Helper()
	ctx := context.Background()

	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "authcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := authcore.DefaultConfig()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(store).
		WithRecoveryCodeStore(store).
		WithAPIKeyStore(store).
		WithCredentialStore(hasher).
		WithClock(clock).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &integration{engine: engine, store: store, clock: clock, mr: mr, hasher: hasher}
}

func (it *integration) createAccount(t *testing.T, identifier string) *authcore.Account {
	t.Helper()
	hash, err := it.hasher.Hash(alicePassword)
	require.NoError(t, err)
	acct, err := it.store.CreateAccount(context.Background(), identifier, identifier+"@example.com", hash, it.clock.Now())
	require.NoError(t, err)
	return acct
}

func TestEngineLockoutAndResetOverSQL(t *testing.T) {
	it := newIntegration(t, nil)
	ctx := context.Background()
	acct := it.createAccount(t, "alice")

	res, err := it.engine.Login(ctx, authcore.LoginRequest{Identifier: "Alice", Password: alicePassword, IP: "203.0.113.7"})
	require.NoError(t, err)
	require.Equal(t, acct.ID, res.AccountID)

	var last error
	for i := 0; i < 5; i++ {
		_, last = it.engine.Login(ctx, authcore.LoginRequest{Identifier: "alice", Password: "wrong-password", IP: "203.0.113.7"})
	}
	require.ErrorIs(t, last, authcore.ErrAccountLocked)

	_, err = it.engine.Login(ctx, authcore.LoginRequest{Identifier: "alice", Password: alicePassword})
	require.ErrorIs(t, err, authcore.ErrAccountLocked)

	state, err := it.engine.LockState(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, state.Locked)

	token, err := it.engine.IssuePasswordResetToken(ctx, acct.ID)
	require.NoError(t, err)
	require.NoError(t, it.engine.ResetPassword(ctx, token, newPassword))
	require.ErrorIs(t, it.engine.ResetPassword(ctx, token, newPassword+"x"), authcore.ErrInvalidToken)

	_, err = it.engine.ValidateSession(ctx, res.Token)
	require.Error(t, err, "reset revokes existing sessions")

	res, err = it.engine.Login(ctx, authcore.LoginRequest{Identifier: "alice", Password: newPassword})
	require.NoError(t, err)
	sess, err := it.engine.ValidateSession(ctx, res.Token)
	require.NoError(t, err)
	require.Equal(t, acct.ID, sess.AccountID)

	stored, err := it.store.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Zero(t, stored.FailedLoginAttempts)
	require.True(t, stored.LastLogin.Equal(it.clock.Now()))
}

func TestEngineRecoveryCodesOverSQL(t *testing.T) {
	it := newIntegration(t, nil)
	ctx := context.Background()
	acct := it.createAccount(t, "alice")

	codes, err := it.engine.IssueRecoveryCodes(ctx, acct.ID, 4)
	require.NoError(t, err)
	require.Len(t, codes, 4)

	require.NoError(t, it.engine.ConsumeRecoveryCode(ctx, acct.ID, codes[0]))
	require.ErrorIs(t, it.engine.ConsumeRecoveryCode(ctx, acct.ID, codes[0]), authcore.ErrInvalidRecoveryCode)

	n, err := it.engine.RemainingRecoveryCodes(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestEngineAPIKeysOverSQL(t *testing.T) {
	it := newIntegration(t, func(cfg *authcore.Config) { cfg.APIKey.MaxActive = 2 })
	ctx := context.Background()
	acct := it.createAccount(t, "alice")

	first, err := it.engine.GenerateAPIKey(ctx, acct.ID, "ci", []authcore.Permission{authcore.PermissionWrite}, 30)
	require.NoError(t, err)
	_, err = it.engine.GenerateAPIKey(ctx, acct.ID, "deploy", nil, 0)
	require.NoError(t, err)
	_, err = it.engine.GenerateAPIKey(ctx, acct.ID, "third", nil, 0)
	require.ErrorIs(t, err, authcore.ErrQuotaExceeded)

	key := it.engine.VerifyAPIKey(ctx, first.Key)
	require.NotNil(t, key)
	require.True(t, key.HasPermission(authcore.PermissionWrite))

	require.NoError(t, it.engine.RevokeAPIKey(ctx, acct.ID, first.ID))
	require.Nil(t, it.engine.VerifyAPIKey(ctx, first.Key))

	keys, err := it.engine.ListAPIKeys(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	_, err = it.engine.GenerateAPIKey(ctx, acct.ID, "third", nil, 0)
	require.NoError(t, err)
}

func TestEngineSweepOverSQL(t *testing.T) {
	it := newIntegration(t, nil)
	ctx := context.Background()
	acct := it.createAccount(t, "alice")

	_, err := it.engine.IssuePasswordResetToken(ctx, acct.ID)
	require.NoError(t, err)

	it.clock.Advance(11 * time.Minute)
	res, err := it.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ResetTokens)

	stored, err := it.store.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Empty(t, stored.ResetTokenHash)
}
