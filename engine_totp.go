package authcore

import (
	"context"
	"errors"

	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/totp"
)

// SetupTOTP generates a secret for accountID and stores it as pending. The
// second factor is only enforced once ConfirmTOTP succeeds, so a setup that
// is abandoned never locks the user out. Calling it again replaces the
// pending secret.
func (e *Engine) SetupTOTP(ctx context.Context, accountID string) (*TOTPSetup, error) {
	res, err := internalflows.RunSetupTOTP(ctx, accountID, e.totpFlowDeps())
	if err != nil {
		return nil, err
	}
	return &TOTPSetup{Secret: res.Secret, ProvisioningURI: res.ProvisioningURI}, nil
}

// ConfirmTOTP enables TOTP for accountID after checking code against the
// pending secret.
func (e *Engine) ConfirmTOTP(ctx context.Context, accountID, code string) error {
	return internalflows.RunConfirmTOTP(ctx, accountID, code, e.totpFlowDeps())
}

// DisableTOTP turns TOTP off for accountID after checking a current code.
func (e *Engine) DisableTOTP(ctx context.Context, accountID, code string) error {
	return internalflows.RunDisableTOTP(ctx, accountID, code, e.totpFlowDeps())
}

// VerifyTOTP checks code for an account with TOTP enabled, as a step-up
// check outside of Login. A wrong or replayed code yields
// ErrInvalidCredentials; repeated failures yield ErrRateLimited.
func (e *Engine) VerifyTOTP(ctx context.Context, accountID, code string) error {
	if e.accounts == nil {
		return ErrEngineNotReady
	}
	acct, err := e.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return storeUnavailable(e.logStoreErr("get_account", err))
	}
	if !acct.TOTPEnabled {
		return ErrTOTPNotConfigured
	}
	return internalflows.RunVerifyTOTP(ctx, acct.ID, acct.TOTPSecret, code, e.totpFlowDeps())
}

func (e *Engine) totpFlowDeps() internalflows.TOTPDeps {
	deps := internalflows.TOTPDeps{
		Issuer:     e.config.TOTP.Issuer,
		Window:     e.config.TOTP.Window,
		IsNotFound: isNotFound,
		GenerateSecret: func(label, issuer string) (string, string, error) {
			key, err := totp.GenerateSecret(label, issuer)
			if err != nil {
				return "", "", err
			}
			return key.Secret, key.ProvisioningURI, nil
		},
		IsReplay: func(err error) bool {
			return errors.Is(err, limiters.ErrCodeReplayed)
		},
		IsRateLimited: func(err error) bool {
			return errors.Is(err, limiters.ErrAttemptsExceeded)
		},
		MetricInc: e.metricIncFn(),
		EmitAudit: e.emitAudit,
		Metrics: internalflows.TOTPMetrics{
			TOTPSuccess:  int(MetricTOTPSuccess),
			TOTPFailure:  int(MetricTOTPFailure),
			TOTPReplay:   int(MetricTOTPReplay),
			TOTPEnabled:  int(MetricTOTPEnabled),
			TOTPDisabled: int(MetricTOTPDisabled),
		},
		Events: internalflows.TOTPEvents{
			TOTPSetup:    auditEventTOTPSetup,
			TOTPEnabled:  auditEventTOTPEnabled,
			TOTPDisabled: auditEventTOTPDisabled,
			TOTPFailure:  auditEventTOTPFailure,
			TOTPReplay:   auditEventTOTPReplay,
		},
		Errors: internalflows.TOTPErrors{
			EngineNotReady:   ErrEngineNotReady,
			NotFound:         ErrNotFound,
			InvalidCode:      ErrInvalidCredentials,
			RateLimited:      ErrRateLimited,
			NotConfigured:    ErrTOTPNotConfigured,
			AlreadyEnabled:   ErrTOTPAlreadyEnabled,
			StoreUnavailable: ErrStoreUnavailable,
		},
	}

	if e.validator != nil {
		deps.VerifyCode = e.validator.VerifyCounter
	}
	if e.accounts != nil {
		deps.GetAccount = e.getFlowAccount("get_account", e.accounts.GetAccountByID)
		deps.SavePendingSecret = func(ctx context.Context, accountID, secret string) error {
			return e.logStoreErr("set_totp_secret", e.accounts.SetTOTPSecret(ctx, accountID, secret))
		}
		deps.EnableTOTP = func(ctx context.Context, accountID string) error {
			return e.logStoreErr("enable_totp", e.accounts.EnableTOTP(ctx, accountID))
		}
		deps.DisableTOTP = func(ctx context.Context, accountID string) error {
			return e.logStoreErr("disable_totp", e.accounts.DisableTOTP(ctx, accountID))
		}
	}
	if e.replay != nil {
		deps.ClaimCounter = e.replay.Claim
		deps.ForgetCounter = e.replay.Forget
	}
	if e.totpLimiter != nil {
		deps.CheckLimiter = e.totpLimiter.Check
		deps.RecordLimiterFailure = e.totpLimiter.RecordFailure
		deps.ResetLimiter = e.totpLimiter.Reset
	}
	return deps
}
