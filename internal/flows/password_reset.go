package flows

import (
	"context"
	"time"
)

type PasswordResetMetrics struct {
	PasswordResetRequest        int
	PasswordResetDeliveryFailed int
	PasswordResetConfirmSuccess int
	PasswordResetConfirmFailure int
}

type PasswordResetEvents struct {
	PasswordResetRequest string
	PasswordResetConfirm string
}

type PasswordResetErrors struct {
	EngineNotReady   error
	NotFound         error
	InvalidToken     error
	ExpiredToken     error
	PasswordReuse    error
	RateLimited      error
	StoreUnavailable error
}

// PasswordResetDeps captures password reset flow dependencies.
//
// ConsumeResetToken must, in one atomic step, replace the password hash and
// clear the reset fields of accountID only if the stored token hash still
// equals the given one and has not expired at the given instant. It reports
// whether the swap happened.
type PasswordResetDeps struct {
	TTL time.Duration

	GetAccountByIdentifier func(context.Context, string) (AccountRecord, error)
	GetAccountByID         func(context.Context, string) (AccountRecord, error)
	GetAccountByResetHash  func(context.Context, string) (AccountRecord, error)
	IsNotFound             func(error) bool

	CheckRequestLimiter func(context.Context, string) error
	IsRateLimited       func(error) bool

	NewToken  func() (raw string, hash string, err error)
	HashToken func(string) (string, error)

	SaveResetToken    func(ctx context.Context, accountID, hash string, expiresAt time.Time) error
	ClearResetToken   func(ctx context.Context, accountID string) error
	ConsumeResetToken func(ctx context.Context, accountID, tokenHash, newPasswordHash string, now time.Time) (bool, error)

	SendResetLink         func(ctx context.Context, acct AccountRecord, rawToken string, expiresAt time.Time) error
	NotifyPasswordChanged func(context.Context, AccountRecord)

	VerifyPassword    func(plaintext, hash string) (bool, error)
	HashPassword      func(string) (string, error)
	MapHashError      func(error) error
	RevokeAllSessions func(context.Context, string) (int, error)

	Now func() time.Time

	MetricInc func(int)
	EmitAudit AuditFunc

	Metrics PasswordResetMetrics
	Events  PasswordResetEvents
	Errors  PasswordResetErrors
}

// RunRequestPasswordReset issues a token for the account behind identifier
// and hands the raw token to SendResetLink. If delivery fails the stored
// token is cleared again. The result is nil whether or not the account
// exists, the request was throttled or delivery worked; outcomes are only
// visible through audit and metrics.
func RunRequestPasswordReset(ctx context.Context, identifier string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)

	if deps.GetAccountByIdentifier == nil || deps.SaveResetToken == nil || deps.ClearResetToken == nil || deps.SendResetLink == nil {
		return deps.Errors.EngineNotReady
	}
	deps.MetricInc(deps.Metrics.PasswordResetRequest)

	if identifier == "" {
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, "", "", deps.Errors.NotFound, func() map[string]string {
			return map[string]string{"reason": "empty_identifier"}
		})
		return nil
	}

	if err := deps.CheckRequestLimiter(ctx, identifier); err != nil {
		reported := deps.Errors.StoreUnavailable
		if deps.IsRateLimited(err) {
			reported = deps.Errors.RateLimited
		}
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, "", "", reported, nil)
		return nil
	}

	acct, err := deps.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		reported := deps.Errors.StoreUnavailable
		if deps.IsNotFound(err) {
			reported = deps.Errors.NotFound
		}
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, "", "", reported, nil)
		return nil
	}

	raw, expiresAt, err := issueResetToken(ctx, acct.ID, deps)
	if err != nil {
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, acct.ID, "", err, nil)
		return nil
	}

	if err := deps.SendResetLink(ctx, acct, raw, expiresAt); err != nil {
		deps.MetricInc(deps.Metrics.PasswordResetDeliveryFailed)
		clearErr := deps.ClearResetToken(ctx, acct.ID)
		deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, false, acct.ID, "", err, func() map[string]string {
			meta := map[string]string{"reason": "delivery_failed"}
			if clearErr != nil {
				meta["cleared"] = "false"
			}
			return meta
		})
		return nil
	}

	deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, true, acct.ID, "", nil, nil)
	return nil
}

// RunIssuePasswordResetToken stores a fresh token for accountID and returns
// the raw value for callers that deliver it themselves.
func RunIssuePasswordResetToken(ctx context.Context, accountID string, deps PasswordResetDeps) (string, time.Time, error) {
	normalizePasswordResetDeps(&deps)

	if deps.GetAccountByID == nil || deps.SaveResetToken == nil {
		return "", time.Time{}, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return "", time.Time{}, deps.Errors.NotFound
	}
	if _, err := deps.GetAccountByID(ctx, accountID); err != nil {
		if deps.IsNotFound(err) {
			return "", time.Time{}, deps.Errors.NotFound
		}
		return "", time.Time{}, deps.Errors.StoreUnavailable
	}

	raw, expiresAt, err := issueResetToken(ctx, accountID, deps)
	if err != nil {
		return "", time.Time{}, err
	}
	deps.MetricInc(deps.Metrics.PasswordResetRequest)
	deps.EmitAudit(ctx, deps.Events.PasswordResetRequest, true, accountID, "", nil, func() map[string]string {
		return map[string]string{"delivery": "caller"}
	})
	return raw, expiresAt, nil
}

// RunClearPasswordReset removes any outstanding token of accountID.
func RunClearPasswordReset(ctx context.Context, accountID string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)

	if deps.ClearResetToken == nil {
		return deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return deps.Errors.NotFound
	}
	if err := deps.ClearResetToken(ctx, accountID); err != nil {
		if deps.IsNotFound(err) {
			return deps.Errors.NotFound
		}
		return deps.Errors.StoreUnavailable
	}
	return nil
}

// RunVerifyPasswordResetToken resolves rawToken to its account. The token
// is valid up to and including its expiry instant.
func RunVerifyPasswordResetToken(ctx context.Context, rawToken string, deps PasswordResetDeps) (AccountRecord, string, error) {
	normalizePasswordResetDeps(&deps)

	if deps.GetAccountByResetHash == nil || deps.HashToken == nil {
		return AccountRecord{}, "", deps.Errors.EngineNotReady
	}
	hash, err := deps.HashToken(rawToken)
	if err != nil {
		return AccountRecord{}, "", deps.Errors.InvalidToken
	}
	acct, err := deps.GetAccountByResetHash(ctx, hash)
	if err != nil {
		if deps.IsNotFound(err) {
			return AccountRecord{}, "", deps.Errors.InvalidToken
		}
		return AccountRecord{}, "", deps.Errors.StoreUnavailable
	}
	if acct.ResetTokenHash != hash || acct.ResetExpiresAt.IsZero() {
		return AccountRecord{}, "", deps.Errors.InvalidToken
	}
	if deps.Now().After(acct.ResetExpiresAt) {
		return AccountRecord{}, "", deps.Errors.ExpiredToken
	}
	return acct, hash, nil
}

// RunResetPassword redeems rawToken and sets newPassword. The token is
// single use even under concurrent redemption: only the caller whose swap
// still sees the original token hash succeeds. Every session of the account
// is revoked afterwards.
func RunResetPassword(ctx context.Context, rawToken, newPassword string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)

	if deps.ConsumeResetToken == nil || deps.VerifyPassword == nil || deps.HashPassword == nil || deps.RevokeAllSessions == nil {
		return deps.Errors.EngineNotReady
	}

	acct, hash, err := RunVerifyPasswordResetToken(ctx, rawToken, deps)
	if err != nil {
		return resetFailure(ctx, "", err, deps)
	}

	if same, err := deps.VerifyPassword(newPassword, acct.PasswordHash); err == nil && same {
		return resetFailure(ctx, acct.ID, deps.Errors.PasswordReuse, deps)
	}

	newHash, err := deps.HashPassword(newPassword)
	if err != nil {
		return resetFailure(ctx, acct.ID, deps.MapHashError(err), deps)
	}

	swapped, err := deps.ConsumeResetToken(ctx, acct.ID, hash, newHash, deps.Now())
	if err != nil {
		return resetFailure(ctx, acct.ID, deps.Errors.StoreUnavailable, deps)
	}
	if !swapped {
		return resetFailure(ctx, acct.ID, deps.Errors.InvalidToken, deps)
	}

	if _, err := deps.RevokeAllSessions(ctx, acct.ID); err != nil {
		deps.EmitAudit(ctx, deps.Events.PasswordResetConfirm, false, acct.ID, "", err, func() map[string]string {
			return map[string]string{"reason": "session_revocation_failed"}
		})
		return err
	}

	deps.NotifyPasswordChanged(ctx, acct)
	deps.MetricInc(deps.Metrics.PasswordResetConfirmSuccess)
	deps.EmitAudit(ctx, deps.Events.PasswordResetConfirm, true, acct.ID, "", nil, nil)
	return nil
}

func issueResetToken(ctx context.Context, accountID string, deps PasswordResetDeps) (string, time.Time, error) {
	if deps.NewToken == nil {
		return "", time.Time{}, deps.Errors.EngineNotReady
	}
	raw, hash, err := deps.NewToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := deps.Now().Add(deps.TTL)
	if err := deps.SaveResetToken(ctx, accountID, hash, expiresAt); err != nil {
		if deps.IsNotFound(err) {
			return "", time.Time{}, deps.Errors.NotFound
		}
		return "", time.Time{}, deps.Errors.StoreUnavailable
	}
	return raw, expiresAt, nil
}

func resetFailure(ctx context.Context, accountID string, err error, deps PasswordResetDeps) error {
	deps.MetricInc(deps.Metrics.PasswordResetConfirmFailure)
	deps.EmitAudit(ctx, deps.Events.PasswordResetConfirm, false, accountID, "", err, nil)
	return err
}

func normalizePasswordResetDeps(deps *PasswordResetDeps) {
	if deps.TTL <= 0 {
		deps.TTL = 10 * time.Minute
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.CheckRequestLimiter == nil {
		deps.CheckRequestLimiter = func(context.Context, string) error { return nil }
	}
	if deps.IsRateLimited == nil {
		deps.IsRateLimited = func(error) bool { return false }
	}
	if deps.NotifyPasswordChanged == nil {
		deps.NotifyPasswordChanged = func(context.Context, AccountRecord) {}
	}
	if deps.MapHashError == nil {
		deps.MapHashError = func(err error) error { return err }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}
