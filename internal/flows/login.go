package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/session"
	"github.com/google/uuid"
)

type LoginInput struct {
	Identifier   string
	Password     string
	TOTPCode     string
	RecoveryCode string
	IP           string
	Device       string
}

type LoginOutcome struct {
	AccountID        string
	SessionID        string
	Token            string
	ExpiresAt        time.Time
	UsedRecoveryCode bool
}

type LoginMetrics struct {
	LoginSuccess     int
	LoginFailure     int
	LoginRateLimited int
	AccountLocked    int
	MFARequired      int
	PasswordRehashed int
}

type LoginEvents struct {
	LoginSuccess     string
	LoginFailure     string
	LoginRateLimited string
	AccountLocked    string
	MFARequired      string
}

type LoginErrors struct {
	EngineNotReady     error
	InvalidCredentials error
	AccountLocked      error
	RateLimited        error
	MFARequired        error
	StoreUnavailable   error
}

// LoginDeps captures login flow dependencies. RecordFailure reports whether
// the failure it recorded locked the account. VerifyTOTP and
// ConsumeRecoveryCode return errors that are already in the caller's
// taxonomy and are passed through unchanged.
type LoginDeps struct {
	CheckRateLimit func(ctx context.Context, ip string) error
	IsRateLimited  func(error) bool

	GetAccountByIdentifier func(context.Context, string) (AccountRecord, error)
	IsNotFound             func(error) bool

	VerifyPassword func(plaintext, hash string) (bool, error)
	DummyVerify    func(plaintext string)

	CheckLock     func(context.Context, AccountRecord) (bool, error)
	RecordFailure func(context.Context, string) (bool, error)
	RecordSuccess func(context.Context, AccountRecord) error
	OnLocked      func(context.Context, AccountRecord)

	VerifyTOTP          func(context.Context, AccountRecord, string) error
	ConsumeRecoveryCode func(context.Context, string, string) error

	NeedsRehash        func(string) bool
	HashPassword       func(string) (string, error)
	UpdatePasswordHash func(context.Context, string, string) error

	RecordLogin   func(ctx context.Context, accountID, ip string, at time.Time) error
	Now           func() time.Time
	NewSessionID  func() string
	SignToken     func(accountID, sessionID string) (string, error)
	CreateSession func(ctx context.Context, accountID, token, device, ip string) (*session.Session, error)

	MetricInc func(int)
	EmitAudit AuditFunc

	Metrics LoginMetrics
	Events  LoginEvents
	Errors  LoginErrors
}

// RunLogin authenticates in.Identifier with in.Password and, when the account
// has TOTP enabled, a second factor. The stages run in a fixed order: source
// rate limit, account lookup, lock check, password, second factor, session.
// Unknown accounts and wrong passwords produce the same error after the same
// amount of hashing work.
func RunLogin(ctx context.Context, in LoginInput, deps LoginDeps) (LoginOutcome, error) {
	normalizeLoginDeps(&deps)

	if deps.GetAccountByIdentifier == nil || deps.VerifyPassword == nil || deps.CheckLock == nil ||
		deps.RecordFailure == nil || deps.RecordSuccess == nil || deps.SignToken == nil || deps.CreateSession == nil {
		return LoginOutcome{}, deps.Errors.EngineNotReady
	}

	if err := deps.CheckRateLimit(ctx, in.IP); err != nil {
		if deps.IsRateLimited(err) {
			deps.MetricInc(deps.Metrics.LoginRateLimited)
			deps.EmitAudit(ctx, deps.Events.LoginRateLimited, false, "", "", deps.Errors.RateLimited, func() map[string]string {
				return map[string]string{"ip": in.IP}
			})
			return LoginOutcome{}, deps.Errors.RateLimited
		}
		return LoginOutcome{}, deps.Errors.StoreUnavailable
	}

	if in.Identifier == "" || in.Password == "" {
		deps.DummyVerify(in.Password)
		return LoginOutcome{}, loginFailure(ctx, "", "empty_credentials", deps)
	}

	acct, err := deps.GetAccountByIdentifier(ctx, in.Identifier)
	if err != nil {
		if !deps.IsNotFound(err) {
			return LoginOutcome{}, deps.Errors.StoreUnavailable
		}
		deps.DummyVerify(in.Password)
		return LoginOutcome{}, loginFailure(ctx, "", "unknown_account", deps)
	}

	locked, err := deps.CheckLock(ctx, acct)
	if err != nil {
		return LoginOutcome{}, deps.Errors.StoreUnavailable
	}
	if locked {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, acct.ID, "", deps.Errors.AccountLocked, nil)
		return LoginOutcome{}, deps.Errors.AccountLocked
	}
	if acct.Locked {
		acct.Locked = false
		acct.FailedLoginAttempts = 0
		acct.LockUntil = time.Time{}
	}

	ok, err := deps.VerifyPassword(in.Password, acct.PasswordHash)
	if err != nil {
		return LoginOutcome{}, loginFailure(ctx, acct.ID, "unverifiable_hash", deps)
	}
	if !ok {
		nowLocked, err := deps.RecordFailure(ctx, acct.ID)
		if err != nil {
			return LoginOutcome{}, deps.Errors.StoreUnavailable
		}
		if nowLocked {
			deps.MetricInc(deps.Metrics.AccountLocked)
			deps.EmitAudit(ctx, deps.Events.AccountLocked, true, acct.ID, "", nil, nil)
			deps.OnLocked(ctx, acct)
			deps.MetricInc(deps.Metrics.LoginFailure)
			return LoginOutcome{}, deps.Errors.AccountLocked
		}
		return LoginOutcome{}, loginFailure(ctx, acct.ID, "bad_password", deps)
	}

	if err := deps.RecordSuccess(ctx, acct); err != nil {
		return LoginOutcome{}, deps.Errors.StoreUnavailable
	}

	out := LoginOutcome{AccountID: acct.ID}
	if acct.TOTPEnabled {
		switch {
		case in.RecoveryCode != "":
			if deps.ConsumeRecoveryCode == nil {
				return LoginOutcome{}, deps.Errors.EngineNotReady
			}
			if err := deps.ConsumeRecoveryCode(ctx, acct.ID, in.RecoveryCode); err != nil {
				deps.MetricInc(deps.Metrics.LoginFailure)
				deps.EmitAudit(ctx, deps.Events.LoginFailure, false, acct.ID, "", err, nil)
				return LoginOutcome{}, err
			}
			out.UsedRecoveryCode = true
		case in.TOTPCode != "":
			if deps.VerifyTOTP == nil {
				return LoginOutcome{}, deps.Errors.EngineNotReady
			}
			if err := deps.VerifyTOTP(ctx, acct, in.TOTPCode); err != nil {
				deps.MetricInc(deps.Metrics.LoginFailure)
				deps.EmitAudit(ctx, deps.Events.LoginFailure, false, acct.ID, "", err, nil)
				return LoginOutcome{}, err
			}
		default:
			deps.MetricInc(deps.Metrics.MFARequired)
			deps.EmitAudit(ctx, deps.Events.MFARequired, true, acct.ID, "", nil, nil)
			return LoginOutcome{}, deps.Errors.MFARequired
		}
	}

	if deps.NeedsRehash != nil && deps.HashPassword != nil && deps.UpdatePasswordHash != nil && deps.NeedsRehash(acct.PasswordHash) {
		if upgraded, err := deps.HashPassword(in.Password); err == nil {
			if deps.UpdatePasswordHash(ctx, acct.ID, upgraded) == nil {
				deps.MetricInc(deps.Metrics.PasswordRehashed)
			}
		}
	}

	_ = deps.RecordLogin(ctx, acct.ID, in.IP, deps.Now())

	sid := deps.NewSessionID()
	token, err := deps.SignToken(acct.ID, sid)
	if err != nil {
		return LoginOutcome{}, err
	}
	sess, err := deps.CreateSession(ctx, acct.ID, token, in.Device, in.IP)
	if err != nil {
		return LoginOutcome{}, err
	}

	out.SessionID = sess.ID
	out.Token = token
	out.ExpiresAt = sess.ExpiresAt

	deps.MetricInc(deps.Metrics.LoginSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, acct.ID, sess.ID, nil, func() map[string]string {
		meta := map[string]string{"ip": sess.IP}
		if out.UsedRecoveryCode {
			meta["second_factor"] = "recovery_code"
		} else if acct.TOTPEnabled {
			meta["second_factor"] = "totp"
		}
		return meta
	})
	return out, nil
}

func loginFailure(ctx context.Context, accountID, reason string, deps LoginDeps) error {
	deps.MetricInc(deps.Metrics.LoginFailure)
	deps.EmitAudit(ctx, deps.Events.LoginFailure, false, accountID, "", deps.Errors.InvalidCredentials, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return deps.Errors.InvalidCredentials
}

func normalizeLoginDeps(deps *LoginDeps) {
	if deps.CheckRateLimit == nil {
		deps.CheckRateLimit = func(context.Context, string) error { return nil }
	}
	if deps.IsRateLimited == nil {
		deps.IsRateLimited = func(error) bool { return false }
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.DummyVerify == nil {
		deps.DummyVerify = func(string) {}
	}
	if deps.OnLocked == nil {
		deps.OnLocked = func(context.Context, AccountRecord) {}
	}
	if deps.RecordLogin == nil {
		deps.RecordLogin = func(context.Context, string, string, time.Time) error { return nil }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewSessionID == nil {
		deps.NewSessionID = uuid.NewString
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}
