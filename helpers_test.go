package authcore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/totp"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	testPassword   = "correct-password-123"
	testHMACSecret = "0123456789abcdef0123456789abcdef"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

/*
====================================
IN-MEMORY STORES
====================================
*/

type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	failErr  error

	incrementCalls int
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accounts: make(map[string]*Account)}
}

func (s *memAccountStore) put(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.accounts[a.ID] = &cp
}

func (s *memAccountStore) get(id string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return *a
	}
	return Account{}
}

func (s *memAccountStore) lookup(id string) (*Account, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *memAccountStore) GetAccountByID(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (s *memAccountStore) GetAccountByIdentifier(_ context.Context, identifier string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	for _, a := range s.accounts {
		if a.Identifier == identifier {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memAccountStore) GetAccountByResetHash(_ context.Context, tokenHash string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	for _, a := range s.accounts {
		if tokenHash != "" && a.ResetTokenHash == tokenHash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memAccountStore) IncrementFailedLogins(_ context.Context, id string, threshold int, lockUntil time.Time) (AttemptState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementCalls++
	a, err := s.lookup(id)
	if err != nil {
		return AttemptState{}, err
	}
	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= threshold {
		a.Locked = true
		a.LockUntil = lockUntil
	}
	return AttemptState{FailedAttempts: a.FailedLoginAttempts, Locked: a.Locked, LockUntil: a.LockUntil}, nil
}

func (s *memAccountStore) ClearExpiredLock(_ context.Context, id string, now time.Time) (AttemptState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return AttemptState{}, err
	}
	if a.Locked && (a.LockUntil.IsZero() || now.After(a.LockUntil)) {
		a.FailedLoginAttempts = 0
		a.Locked = false
		a.LockUntil = time.Time{}
	}
	return AttemptState{FailedAttempts: a.FailedLoginAttempts, Locked: a.Locked, LockUntil: a.LockUntil}, nil
}

func (s *memAccountStore) ResetFailedLogins(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.FailedLoginAttempts = 0
	a.Locked = false
	a.LockUntil = time.Time{}
	return nil
}

func (s *memAccountStore) RecordLogin(_ context.Context, id, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.LastLogin = at
	a.LastLoginIP = ip
	return nil
}

func (s *memAccountStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.PasswordHash = hash
	return nil
}

func (s *memAccountStore) SetTOTPSecret(_ context.Context, id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.TOTPSecret = secret
	a.TOTPEnabled = false
	return nil
}

func (s *memAccountStore) EnableTOTP(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.TOTPEnabled = true
	return nil
}

func (s *memAccountStore) DisableTOTP(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.TOTPEnabled = false
	a.TOTPSecret = ""
	return nil
}

func (s *memAccountStore) SetResetToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.ResetTokenHash = tokenHash
	a.ResetExpiresAt = expiresAt
	return nil
}

func (s *memAccountStore) ClearResetToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	a.ResetTokenHash = ""
	a.ResetExpiresAt = time.Time{}
	return nil
}

func (s *memAccountStore) ConsumeResetToken(_ context.Context, id, tokenHash, newPasswordHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if a.ResetTokenHash == "" || a.ResetTokenHash != tokenHash || now.After(a.ResetExpiresAt) {
		return false, nil
	}
	a.PasswordHash = newPasswordHash
	a.ResetTokenHash = ""
	a.ResetExpiresAt = time.Time{}
	a.FailedLoginAttempts = 0
	a.Locked = false
	a.LockUntil = time.Time{}
	return true, nil
}

func (s *memAccountStore) SweepExpiredResetTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	n := 0
	for _, a := range s.accounts {
		if a.ResetTokenHash != "" && now.After(a.ResetExpiresAt) {
			a.ResetTokenHash = ""
			a.ResetExpiresAt = time.Time{}
			n++
		}
	}
	return n, nil
}

type memRecoveryEntry struct {
	hash string
	used bool
}

type memRecoveryStore struct {
	mu    sync.Mutex
	codes map[string][]memRecoveryEntry
}

func newMemRecoveryStore() *memRecoveryStore {
	return &memRecoveryStore{codes: make(map[string][]memRecoveryEntry)}
}

func (s *memRecoveryStore) ReplaceRecoveryCodes(_ context.Context, accountID string, hashes []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]memRecoveryEntry, 0, len(hashes))
	for _, h := range hashes {
		entries = append(entries, memRecoveryEntry{hash: h})
	}
	s.codes[accountID] = entries
	return nil
}

func (s *memRecoveryStore) ConsumeRecoveryCode(_ context.Context, accountID, hash string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.codes[accountID]
	for i := range entries {
		if !entries[i].used && entries[i].hash == hash {
			entries[i].used = true
			return true, nil
		}
	}
	return false, nil
}

func (s *memRecoveryStore) CountRecoveryCodes(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.codes[accountID] {
		if !e.used {
			n++
		}
	}
	return n, nil
}

type memAPIKeyStore struct {
	mu   sync.Mutex
	keys map[string]APIKeyRecord
}

func newMemAPIKeyStore() *memAPIKeyStore {
	return &memAPIKeyStore{keys: make(map[string]APIKeyRecord)}
}

func (s *memAPIKeyStore) CreateAPIKey(_ context.Context, rec APIKeyRecord, maxActive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, k := range s.keys {
		if k.Prefix == rec.Prefix {
			return ErrConflict
		}
		if k.AccountID == rec.AccountID && !k.Revoked {
			active++
		}
	}
	if active >= maxActive {
		return ErrQuotaExceeded
	}
	s.keys[rec.ID] = rec
	return nil
}

func (s *memAPIKeyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) (*APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Prefix == prefix {
			cp := k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memAPIKeyStore) GetAPIKeyByID(_ context.Context, id string) (*APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (s *memAPIKeyStore) ListAPIKeys(_ context.Context, accountID string) ([]APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []APIKeyRecord
	for _, k := range s.keys {
		if k.AccountID == accountID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memAPIKeyStore) RevokeAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if !k.Revoked {
		k.Revoked = true
		k.RevokedAt = at
		s.keys[id] = k
	}
	return nil
}

func (s *memAPIKeyStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsed = at
	s.keys[id] = k
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

type sentNotice struct {
	Destination string
	Subject     string
	Body        string
}

func (n *recordingNotifier) Send(_ context.Context, destination, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotice{Destination: destination, Subject: subject, Body: body})
	return nil
}

func (n *recordingNotifier) messages() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

/*
====================================
ENGINE FIXTURE
====================================
*/

type testEngine struct {
	*Engine
	accounts *memAccountStore
	recovery *memRecoveryStore
	apiKeys  *memAPIKeyStore
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
	mr       *miniredis.Miniredis
	rdb      *redis.Client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte(testHMACSecret)
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.RateLimit.MaxAttempts = 100
	cfg.Sweeper.Interval = 0
	return cfg
}

func testHasher(t *testing.T) *password.Hasher {
	t.Helper()
	h, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func newTestEngine(t *testing.T, cfg Config, opts ...func(*Builder)) *testEngine {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := clockwork.NewFakeClockAt(testEpoch)

	te := &testEngine{
		accounts: newMemAccountStore(),
		recovery: newMemRecoveryStore(),
		apiKeys:  newMemAPIKeyStore(),
		notifier: &recordingNotifier{},
		clock:    clock,
		mr:       mr,
		rdb:      rdb,
	}

	hash, err := testHasher(t).Hash(testPassword)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	te.accounts.put(Account{ID: "u1", Identifier: "alice", Email: "alice@example.com", PasswordHash: hash, CreatedAt: testEpoch})
	te.accounts.put(Account{ID: "u2", Identifier: "bob", Email: "bob@example.com", PasswordHash: hash, CreatedAt: testEpoch})

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(te.accounts).
		WithRecoveryCodeStore(te.recovery).
		WithAPIKeyStore(te.apiKeys).
		WithNotifier(te.notifier).
		WithClock(clock)
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		_ = rdb.Close()
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}
	te.Engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return te
}

// advance moves both the engine clock and Redis TTLs forward.
func (te *testEngine) advance(d time.Duration) {
	te.clock.Advance(d)
	te.mr.FastForward(d)
}

func (te *testEngine) login(t *testing.T, identifier string) *LoginResult {
	t.Helper()
	res, err := te.Login(context.Background(), LoginRequest{Identifier: identifier, Password: testPassword, IP: "203.0.113.7"})
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", identifier, err)
	}
	return res
}

// enrollTOTP runs setup and confirmation for accountID and returns the
// secret. The clock is moved to the next time step afterwards so that the
// caller's first code is not a replay.
func (te *testEngine) enrollTOTP(t *testing.T, accountID string) string {
	t.Helper()
	ctx := context.Background()
	setup, err := te.SetupTOTP(ctx, accountID)
	if err != nil {
		t.Fatalf("SetupTOTP failed: %v", err)
	}
	if err := te.ConfirmTOTP(ctx, accountID, te.code(t, setup.Secret, 0)); err != nil {
		t.Fatalf("ConfirmTOTP failed: %v", err)
	}
	te.advance(30 * time.Second)
	return setup.Secret
}

// code returns the TOTP code offset steps away from the current step.
func (te *testEngine) code(t *testing.T, secret string, offset int64) string {
	t.Helper()
	counter := int64(totp.Counter(te.clock.Now())) + offset
	c, err := totp.DeriveCode(secret, uint64(counter))
	if err != nil {
		t.Fatalf("DeriveCode failed: %v", err)
	}
	return c
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
