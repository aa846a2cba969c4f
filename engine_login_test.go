package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoginSuccessCreatesBoundSession(t *testing.T) {
	te := newTestEngine(t, testConfig())
	ctx := context.Background()

	res, err := te.Login(ctx, LoginRequest{
		Identifier: "alice",
		Password:   testPassword,
		IP:         "203.0.113.7",
		Device:     "Mozilla/5.0 (X11; Linux x86_64) Firefox/125.0",
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.AccountID != "u1" || res.SessionID == "" || res.Token == "" {
		t.Fatalf("unexpected login result: %+v", res)
	}
	if !res.ExpiresAt.Equal(testEpoch.Add(24 * time.Hour)) {
		t.Fatalf("expected expiry at token TTL, got %v", res.ExpiresAt)
	}

	sess, err := te.ValidateSession(ctx, res.Token)
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	if sess.ID != res.SessionID || sess.AccountID != "u1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.IP != "203.0.113.7" {
		t.Fatalf("expected session ip to be recorded, got %q", sess.IP)
	}

	acct := te.accounts.get("u1")
	if !acct.LastLogin.Equal(testEpoch) || acct.LastLoginIP != "203.0.113.7" {
		t.Fatalf("expected last login to be recorded, got %v %q", acct.LastLogin, acct.LastLoginIP)
	}
}

func TestLoginUnknownAndWrongPasswordAreIndistinguishable(t *testing.T) {
	te := newTestEngine(t, testConfig())
	ctx := context.Background()

	_, errUnknown := te.Login(ctx, LoginRequest{Identifier: "mallory", Password: testPassword})
	_, errWrong := te.Login(ctx, LoginRequest{Identifier: "alice", Password: "wrong-password-123"})
	_, errEmpty := te.Login(ctx, LoginRequest{Identifier: "", Password: ""})

	for _, err := range []error{errUnknown, errWrong, errEmpty} {
		expectErr(t, err, ErrInvalidCredentials)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("expected identical messages, got %q and %q", errUnknown, errWrong)
	}
	if got := te.accounts.get("u1").FailedLoginAttempts; got != 1 {
		t.Fatalf("expected one recorded failure for alice, got %d", got)
	}
}

func TestLoginLockoutLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = false
	te := newTestEngine(t, cfg)
	ctx := context.Background()

	bad := LoginRequest{Identifier: "alice", Password: "wrong-password-123"}
	for i := 1; i <= 4; i++ {
		_, err := te.Login(ctx, bad)
		expectErr(t, err, ErrInvalidCredentials)
	}
	_, err := te.Login(ctx, bad)
	expectErr(t, err, ErrAccountLocked)

	acct := te.accounts.get("u1")
	if !acct.Locked || acct.FailedLoginAttempts != 5 {
		t.Fatalf("expected locked account with 5 failures, got %+v", acct)
	}
	if want := testEpoch.Add(15 * time.Minute); !acct.LockUntil.Equal(want) {
		t.Fatalf("expected lock until %v, got %v", want, acct.LockUntil)
	}

	_, err = te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword})
	expectErr(t, err, ErrAccountLocked)

	// Still locked exactly at LockUntil.
	te.advance(15 * time.Minute)
	_, err = te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword})
	expectErr(t, err, ErrAccountLocked)

	te.advance(time.Second)
	if _, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
		t.Fatalf("expected login after lock expiry, got %v", err)
	}
	acct = te.accounts.get("u1")
	if acct.Locked || acct.FailedLoginAttempts != 0 {
		t.Fatalf("expected cleared lock state, got %+v", acct)
	}
}

func TestLoginLockoutSendsNotice(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = false
	te := newTestEngine(t, cfg)

	for i := 0; i < cfg.Lockout.Threshold; i++ {
		_, _ = te.Login(context.Background(), LoginRequest{Identifier: "alice", Password: "nope-nope-nope"})
	}

	msgs := te.notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one lock notice, got %d", len(msgs))
	}
	if msgs[0].Destination != "alice@example.com" || msgs[0].Subject != subjectAccountLocked {
		t.Fatalf("unexpected notice: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Body, "5 failed sign-in attempts") {
		t.Fatalf("unexpected notice body: %q", msgs[0].Body)
	}
}

func TestLoginSuccessResetsFailureCounter(t *testing.T) {
	te := newTestEngine(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = te.Login(ctx, LoginRequest{Identifier: "alice", Password: "wrong-password-123"})
	}
	te.login(t, "alice")
	if got := te.accounts.get("u1").FailedLoginAttempts; got != 0 {
		t.Fatalf("expected counter reset after success, got %d", got)
	}
}

func TestLoginRateLimitedPerSource(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxAttempts = 5
	te := newTestEngine(t, cfg)
	ctx := context.Background()

	req := LoginRequest{Identifier: "bob", Password: "wrong-password-123", IP: "198.51.100.1"}
	for i := 0; i < 4; i++ {
		_, err := te.Login(ctx, req)
		expectErr(t, err, ErrInvalidCredentials)
	}
	// The fifth attempt locks bob, which is independent of the rate limit.
	_, err := te.Login(ctx, req)
	expectErr(t, err, ErrAccountLocked)

	_, err = te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, IP: "198.51.100.1"})
	expectErr(t, err, ErrRateLimited)

	// Another source is unaffected.
	if _, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, IP: "198.51.100.2"}); err != nil {
		t.Fatalf("expected other source to pass, got %v", err)
	}

	te.advance(15*time.Minute + time.Second)
	if _, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, IP: "198.51.100.1"}); err != nil {
		t.Fatalf("expected window to slide, got %v", err)
	}
}

func TestLoginWithoutSourceUsesSharedBucket(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxAttempts = 2
	te := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := te.Login(ctx, LoginRequest{Identifier: "bob", Password: "wrong-password-123"})
		expectErr(t, err, ErrInvalidCredentials)
	}
	// Without an address the identifier is not a key, so alice shares the bucket.
	_, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword})
	expectErr(t, err, ErrRateLimited)

	if _, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, IP: "198.51.100.7"}); err != nil {
		t.Fatalf("expected addressed login to pass, got %v", err)
	}
}

func TestLoginRateLimitMemoryBackend(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Backend = "memory"
	cfg.RateLimit.MaxAttempts = 2
	te := newTestEngine(t, cfg)
	ctx := context.Background()

	ctx = WithClientIP(ctx, "192.0.2.44")
	for i := 0; i < 2; i++ {
		if _, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
			t.Fatalf("login %d failed: %v", i, err)
		}
	}
	_, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword})
	expectErr(t, err, ErrRateLimited)

	if got := te.SecurityReport().RateLimitBackend; got != "memory" {
		t.Fatalf("expected memory backend in report, got %q", got)
	}
}

func TestLoginRequiresSecondFactorWhenEnabled(t *testing.T) {
	te := newTestEngine(t, testConfig())
	ctx := context.Background()
	secret := te.enrollTOTP(t, "u1")

	_, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword})
	expectErr(t, err, ErrMFARequired)
	if got := te.accounts.get("u1").FailedLoginAttempts; got != 0 {
		t.Fatalf("missing second factor must not count as a failure, got %d", got)
	}

	_, err = te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, TOTPCode: te.code(t, secret, 5)})
	expectErr(t, err, ErrInvalidCredentials)

	res, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, TOTPCode: te.code(t, secret, 0)})
	if err != nil {
		t.Fatalf("Login with TOTP failed: %v", err)
	}
	if res.UsedRecoveryCode {
		t.Fatal("expected TOTP login, not recovery")
	}
}

func TestLoginWithRecoveryCode(t *testing.T) {
	te := newTestEngine(t, testConfig())
	ctx := context.Background()
	te.enrollTOTP(t, "u1")

	codes, err := te.IssueRecoveryCodes(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("IssueRecoveryCodes failed: %v", err)
	}

	res, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, RecoveryCode: strings.ToUpper(codes[3])})
	if err != nil {
		t.Fatalf("Login with recovery code failed: %v", err)
	}
	if !res.UsedRecoveryCode {
		t.Fatal("expected UsedRecoveryCode")
	}

	_, err = te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword, RecoveryCode: codes[3]})
	expectErr(t, err, ErrInvalidRecoveryCode)

	left, err := te.RemainingRecoveryCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("RemainingRecoveryCodes failed: %v", err)
	}
	if left != len(codes)-1 {
		t.Fatalf("expected %d codes left, got %d", len(codes)-1, left)
	}
}

func TestLoginUpgradesWeakHash(t *testing.T) {
	cfg := testConfig()
	cfg.Password.Time = 2
	te := newTestEngine(t, cfg)

	before := te.accounts.get("u1").PasswordHash
	te.login(t, "alice")
	after := te.accounts.get("u1").PasswordHash
	if before == after {
		t.Fatal("expected hash to be upgraded to the configured cost")
	}
	if !strings.Contains(after, ",t=2,") {
		t.Fatalf("expected t=2 in upgraded hash, got %s", after)
	}
	if got := te.MetricsSnapshot().Counters[MetricPasswordRehashed]; got != 1 {
		t.Fatalf("expected one rehash, got %d", got)
	}
}

func TestLoginStoreOutageIsReported(t *testing.T) {
	te := newTestEngine(t, testConfig())
	te.accounts.failErr = errors.New("connection refused")

	_, err := te.Login(context.Background(), LoginRequest{Identifier: "alice", Password: testPassword})
	expectErr(t, err, ErrStoreUnavailable)
}

func TestLoginDeviceFromContext(t *testing.T) {
	te := newTestEngine(t, testConfig())
	ctx := WithUserAgent(WithClientIP(context.Background(), "2001:db8::1"), "curl/8.5.0")

	res, err := te.Login(ctx, LoginRequest{Identifier: "alice", Password: testPassword})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	list, err := te.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != res.SessionID {
		t.Fatalf("unexpected sessions: %+v", list)
	}
	if list[0].IP != "2001:db8::1" || list[0].Device == "" {
		t.Fatalf("expected context ip and device, got %q %q", list[0].IP, list[0].Device)
	}
}
