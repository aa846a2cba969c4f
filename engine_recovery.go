package authcore

import (
	"context"
	"errors"
	"time"

	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
)

// IssueRecoveryCodes replaces the recovery codes of accountID with count new
// ones (Config.Recovery.CodeCount when count <= 0) and returns them in
// plaintext. They cannot be shown again; only their digests are stored.
func (e *Engine) IssueRecoveryCodes(ctx context.Context, accountID string, count int) ([]string, error) {
	return internalflows.RunIssueRecoveryCodes(ctx, accountID, count, e.recoveryFlowDeps())
}

// ConsumeRecoveryCode spends one unused recovery code of accountID. Case,
// spaces and dashes are ignored; anything else must match exactly.
func (e *Engine) ConsumeRecoveryCode(ctx context.Context, accountID, code string) error {
	return internalflows.RunConsumeRecoveryCode(ctx, accountID, code, e.recoveryFlowDeps())
}

// RemainingRecoveryCodes returns how many unused codes accountID holds.
func (e *Engine) RemainingRecoveryCodes(ctx context.Context, accountID string) (int, error) {
	return internalflows.RunRemainingRecoveryCodes(ctx, accountID, e.recoveryFlowDeps())
}

func (e *Engine) recoveryFlowDeps() internalflows.RecoveryCodeDeps {
	deps := internalflows.RecoveryCodeDeps{
		Count:      e.config.Recovery.CodeCount,
		IsNotFound: isNotFound,
		IsRateLimited: func(err error) bool {
			return errors.Is(err, limiters.ErrAttemptsExceeded)
		},
		Now:       e.clock.Now,
		MetricInc: e.metricIncFn(),
		EmitAudit: e.emitAudit,
		Metrics: internalflows.RecoveryCodeMetrics{
			RecoveryCodesIssued: int(MetricRecoveryCodesIssued),
			RecoveryCodeUsed:    int(MetricRecoveryCodeUsed),
			RecoveryCodeFailed:  int(MetricRecoveryCodeFailed),
		},
		Events: internalflows.RecoveryCodeEvents{
			RecoveryCodesIssued: auditEventRecoveryCodesIssued,
			RecoveryCodeUsed:    auditEventRecoveryCodeUsed,
			RecoveryCodeFailed:  auditEventRecoveryCodeFailed,
		},
		Errors: internalflows.RecoveryCodeErrors{
			EngineNotReady:      ErrEngineNotReady,
			NotFound:            ErrNotFound,
			InvalidRecoveryCode: ErrInvalidRecoveryCode,
			RateLimited:         ErrRateLimited,
			StoreUnavailable:    ErrStoreUnavailable,
		},
	}

	if e.accounts != nil {
		deps.GetAccount = e.getFlowAccount("get_account", e.accounts.GetAccountByID)
	}
	if e.recovery != nil {
		deps.ReplaceCodes = func(ctx context.Context, accountID string, hashes []string, now time.Time) error {
			return e.logStoreErr("replace_recovery_codes", e.recovery.ReplaceRecoveryCodes(ctx, accountID, hashes, now))
		}
		deps.ConsumeCode = func(ctx context.Context, accountID, hash string, at time.Time) (bool, error) {
			ok, err := e.recovery.ConsumeRecoveryCode(ctx, accountID, hash, at)
			return ok, e.logStoreErr("consume_recovery_code", err)
		}
		deps.CountRemaining = func(ctx context.Context, accountID string) (int, error) {
			n, err := e.recovery.CountRecoveryCodes(ctx, accountID)
			return n, e.logStoreErr("count_recovery_codes", err)
		}
	}
	if e.recoveryLimiter != nil {
		deps.CheckLimiter = e.recoveryLimiter.Check
		deps.RecordLimiterFailure = e.recoveryLimiter.RecordFailure
		deps.ResetLimiter = e.recoveryLimiter.Reset
	}
	return deps
}
