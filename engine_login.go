package authcore

import (
	"context"
	"errors"
	"time"

	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/guard"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/session"
	"go.uber.org/zap"
)

// Login authenticates req and opens a session.
//
// The checks run in order: source-address rate limit, account lookup, lock
// state, password, then for accounts with TOTP enabled a recovery code or
// TOTP code. Unknown identifiers and wrong passwords both return
// ErrInvalidCredentials. The failure that reaches the lockout threshold,
// and every attempt while locked, returns ErrAccountLocked. A correct
// password without the required second factor returns ErrMFARequired and
// does not count as a failure.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := e.clock.Now()
	defer e.observeSince(MetricLoginLatency, start)

	if req.IP == "" {
		req.IP = clientIPFromContext(ctx)
	}
	if req.Device == "" {
		req.Device = userAgentFromContext(ctx)
	}

	out, err := internalflows.RunLogin(ctx, internalflows.LoginInput{
		Identifier:   req.Identifier,
		Password:     req.Password,
		TOTPCode:     req.TOTPCode,
		RecoveryCode: req.RecoveryCode,
		IP:           req.IP,
		Device:       req.Device,
	}, e.loginFlowDeps())
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		AccountID:        out.AccountID,
		SessionID:        out.SessionID,
		Token:            out.Token,
		ExpiresAt:        out.ExpiresAt,
		UsedRecoveryCode: out.UsedRecoveryCode,
	}, nil
}

func (e *Engine) loginFlowDeps() internalflows.LoginDeps {
	deps := internalflows.LoginDeps{
		IsRateLimited: func(err error) bool {
			return errors.Is(err, rate.ErrRateLimited)
		},
		IsNotFound: isNotFound,
		Now:        e.clock.Now,
		MetricInc:  e.metricIncFn(),
		EmitAudit:  e.emitAudit,
		Metrics: internalflows.LoginMetrics{
			LoginSuccess:     int(MetricLoginSuccess),
			LoginFailure:     int(MetricLoginFailure),
			LoginRateLimited: int(MetricLoginRateLimited),
			AccountLocked:    int(MetricAccountLocked),
			MFARequired:      int(MetricMFARequired),
			PasswordRehashed: int(MetricPasswordRehashed),
		},
		Events: internalflows.LoginEvents{
			LoginSuccess:     auditEventLoginSuccess,
			LoginFailure:     auditEventLoginFailure,
			LoginRateLimited: auditEventLoginRateLimited,
			AccountLocked:    auditEventAccountLocked,
			MFARequired:      auditEventMFARequired,
		},
		Errors: internalflows.LoginErrors{
			EngineNotReady:     ErrEngineNotReady,
			InvalidCredentials: ErrInvalidCredentials,
			AccountLocked:      ErrAccountLocked,
			RateLimited:        ErrRateLimited,
			MFARequired:        ErrMFARequired,
			StoreUnavailable:   ErrStoreUnavailable,
		},
	}

	if e.rateLimiter != nil {
		deps.CheckRateLimit = func(ctx context.Context, ip string) error {
			err := e.rateLimiter.Allow(ctx, rate.LoginKey(ip))
			if err != nil && !errors.Is(err, rate.ErrRateLimited) {
				e.logger.Warn("login rate limiter unavailable", zap.Error(err))
			}
			return err
		}
	}

	if e.credentials != nil {
		deps.VerifyPassword = e.credentials.Verify
		deps.HashPassword = e.credentials.Hash
		deps.DummyVerify = func(plaintext string) {
			_, _ = e.credentials.Verify(plaintext, e.dummyHash)
		}
		if rh, ok := e.credentials.(Rehasher); ok {
			deps.NeedsRehash = func(hash string) bool {
				needs, err := rh.NeedsRehash(hash)
				return err == nil && needs
			}
		}
	}

	if e.accounts != nil {
		deps.GetAccountByIdentifier = e.getFlowAccount("get_account_by_identifier", e.accounts.GetAccountByIdentifier)
		deps.UpdatePasswordHash = func(ctx context.Context, accountID, hash string) error {
			return e.logStoreErr("update_password_hash", e.accounts.UpdatePasswordHash(ctx, accountID, hash))
		}
		deps.RecordLogin = func(ctx context.Context, accountID, ip string, at time.Time) error {
			return e.logStoreErr("record_login", e.accounts.RecordLogin(ctx, accountID, ip, at))
		}
		deps.OnLocked = func(ctx context.Context, acct internalflows.AccountRecord) {
			e.noticeAccountLocked(ctx, fromFlowAccount(acct))
		}
	}

	if e.guard != nil {
		deps.CheckLock = func(ctx context.Context, acct internalflows.AccountRecord) (bool, error) {
			locked, err := e.guard.CheckAndMaybeUnlock(ctx, acct.ID, attemptState(acct))
			return locked, e.logStoreErr("reset_failed_logins", err)
		}
		deps.RecordFailure = func(ctx context.Context, accountID string) (bool, error) {
			st, err := e.guard.RecordFailure(ctx, accountID)
			if err != nil {
				return false, e.logStoreErr("increment_failed_logins", err)
			}
			return st.Locked, nil
		}
		deps.RecordSuccess = func(ctx context.Context, acct internalflows.AccountRecord) error {
			return e.logStoreErr("reset_failed_logins", e.guard.RecordSuccess(ctx, acct.ID, attemptState(acct)))
		}
	}

	deps.VerifyTOTP = func(ctx context.Context, acct internalflows.AccountRecord, code string) error {
		return internalflows.RunVerifyTOTP(ctx, acct.ID, acct.TOTPSecret, code, e.totpFlowDeps())
	}
	deps.ConsumeRecoveryCode = func(ctx context.Context, accountID, code string) error {
		return internalflows.RunConsumeRecoveryCode(ctx, accountID, code, e.recoveryFlowDeps())
	}

	if e.signer != nil {
		deps.SignToken = func(accountID, sessionID string) (string, error) {
			return e.signer.Sign(TokenPayload{Subject: accountID, SessionID: sessionID}, e.config.Token.TTL)
		}
	}
	if e.sessions != nil && e.signer != nil {
		sessionDeps := e.sessionFlowDeps()
		deps.CreateSession = func(ctx context.Context, accountID, token, device, ip string) (*session.Session, error) {
			return internalflows.RunCreateSession(ctx, accountID, token, device, ip, sessionDeps)
		}
	}

	return deps
}

func attemptState(acct internalflows.AccountRecord) guard.State {
	return guard.State{
		FailedAttempts: acct.FailedLoginAttempts,
		Locked:         acct.Locked,
		LockUntil:      acct.LockUntil,
	}
}
