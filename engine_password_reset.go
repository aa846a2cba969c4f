package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/internal"
	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/password"
)

// RequestPasswordReset issues a reset token for the account behind
// identifier and sends a link to it through the Notifier. It returns nil
// whether or not the account exists and whether or not delivery worked; a
// failed delivery clears the stored token again.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) error {
	return internalflows.RunRequestPasswordReset(ctx, identifier, e.passwordResetFlowDeps())
}

// IssuePasswordResetToken stores a reset token for accountID and returns the
// raw value, for callers that deliver it themselves. Use ClearPasswordReset
// if that delivery fails.
func (e *Engine) IssuePasswordResetToken(ctx context.Context, accountID string) (string, error) {
	raw, _, err := internalflows.RunIssuePasswordResetToken(ctx, accountID, e.passwordResetFlowDeps())
	return raw, err
}

// ClearPasswordReset drops any outstanding reset token of accountID.
func (e *Engine) ClearPasswordReset(ctx context.Context, accountID string) error {
	return internalflows.RunClearPasswordReset(ctx, accountID, e.passwordResetFlowDeps())
}

// VerifyPasswordResetToken returns the account rawToken was issued for. It
// fails with ErrInvalidToken for unknown or malformed tokens and with
// ErrExpiredToken once the token's lifetime has passed.
func (e *Engine) VerifyPasswordResetToken(ctx context.Context, rawToken string) (*Account, error) {
	acct, _, err := internalflows.RunVerifyPasswordResetToken(ctx, rawToken, e.passwordResetFlowDeps())
	if err != nil {
		return nil, err
	}
	return fromFlowAccount(acct), nil
}

// ResetPassword redeems rawToken and sets newPassword. The new password must
// differ from the current one (ErrPasswordReuse) and satisfy the length
// policy (ErrWeakPassword). The token works once, also under concurrent
// use. On success every session of the account is revoked.
func (e *Engine) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	return internalflows.RunResetPassword(ctx, rawToken, newPassword, e.passwordResetFlowDeps())
}

func (e *Engine) passwordResetFlowDeps() internalflows.PasswordResetDeps {
	deps := internalflows.PasswordResetDeps{
		TTL:        e.config.PasswordReset.TTL,
		IsNotFound: isNotFound,
		IsRateLimited: func(err error) bool {
			return errors.Is(err, limiters.ErrResetRateLimited)
		},
		NewToken:  internal.NewResetToken,
		HashToken: internal.HashResetToken,
		MapHashError: func(err error) error {
			if errors.Is(err, password.ErrPolicy) || errors.Is(err, ErrWeakPassword) {
				return ErrWeakPassword
			}
			return fmt.Errorf("hash password: %w", err)
		},
		RevokeAllSessions: func(ctx context.Context, accountID string) (int, error) {
			return internalflows.RunRevokeAllSessions(ctx, accountID, e.sessionFlowDeps())
		},
		Now:       e.clock.Now,
		MetricInc: e.metricIncFn(),
		EmitAudit: e.emitAudit,
		Metrics: internalflows.PasswordResetMetrics{
			PasswordResetRequest:        int(MetricPasswordResetRequest),
			PasswordResetDeliveryFailed: int(MetricPasswordResetDeliveryFailed),
			PasswordResetConfirmSuccess: int(MetricPasswordResetConfirmSuccess),
			PasswordResetConfirmFailure: int(MetricPasswordResetConfirmFailure),
		},
		Events: internalflows.PasswordResetEvents{
			PasswordResetRequest: auditEventPasswordResetReq,
			PasswordResetConfirm: auditEventPasswordResetDone,
		},
		Errors: internalflows.PasswordResetErrors{
			EngineNotReady:   ErrEngineNotReady,
			NotFound:         ErrNotFound,
			InvalidToken:     ErrInvalidToken,
			ExpiredToken:     ErrExpiredToken,
			PasswordReuse:    ErrPasswordReuse,
			RateLimited:      ErrRateLimited,
			StoreUnavailable: ErrStoreUnavailable,
		},
	}

	if e.resetLimiter != nil {
		deps.CheckRequestLimiter = e.resetLimiter.CheckRequest
	}
	if e.credentials != nil {
		deps.VerifyPassword = e.credentials.Verify
		deps.HashPassword = e.credentials.Hash
	}
	if e.accounts != nil {
		deps.GetAccountByIdentifier = e.getFlowAccount("get_account_by_identifier", e.accounts.GetAccountByIdentifier)
		deps.GetAccountByID = e.getFlowAccount("get_account", e.accounts.GetAccountByID)
		deps.GetAccountByResetHash = e.getFlowAccount("get_account_by_reset_hash", e.accounts.GetAccountByResetHash)
		deps.SaveResetToken = func(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
			return e.logStoreErr("set_reset_token", e.accounts.SetResetToken(ctx, accountID, hash, expiresAt))
		}
		deps.ClearResetToken = func(ctx context.Context, accountID string) error {
			return e.logStoreErr("clear_reset_token", e.accounts.ClearResetToken(ctx, accountID))
		}
		deps.ConsumeResetToken = func(ctx context.Context, accountID, tokenHash, newHash string, now time.Time) (bool, error) {
			ok, err := e.accounts.ConsumeResetToken(ctx, accountID, tokenHash, newHash, now)
			return ok, e.logStoreErr("consume_reset_token", err)
		}
		deps.NotifyPasswordChanged = func(ctx context.Context, acct internalflows.AccountRecord) {
			e.noticePasswordChanged(ctx, fromFlowAccount(acct))
		}
	}
	deps.SendResetLink = func(ctx context.Context, acct internalflows.AccountRecord, rawToken string, expiresAt time.Time) error {
		return e.sendResetLink(ctx, fromFlowAccount(acct), rawToken, expiresAt)
	}
	return deps
}
