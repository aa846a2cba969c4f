package flows

import (
	"context"
)

type TOTPSetupResult struct {
	Secret          string
	ProvisioningURI string
}

type TOTPMetrics struct {
	TOTPSuccess  int
	TOTPFailure  int
	TOTPReplay   int
	TOTPEnabled  int
	TOTPDisabled int
}

type TOTPEvents struct {
	TOTPSetup    string
	TOTPEnabled  string
	TOTPDisabled string
	TOTPFailure  string
	TOTPReplay   string
}

type TOTPErrors struct {
	EngineNotReady   error
	NotFound         error
	InvalidCode      error
	RateLimited      error
	NotConfigured    error
	AlreadyEnabled   error
	StoreUnavailable error
}

// TOTPDeps captures dependencies of the TOTP setup, confirmation, disable and
// verification flows. VerifyCode returns the matched time step so that
// ClaimCounter can refuse a step that was already accepted.
type TOTPDeps struct {
	Issuer string
	Window int

	GetAccount func(context.Context, string) (AccountRecord, error)
	IsNotFound func(error) bool

	GenerateSecret func(label, issuer string) (secret string, uri string, err error)
	VerifyCode     func(code, secret string, window int) (bool, uint64)

	ClaimCounter  func(context.Context, string, uint64) error
	IsReplay      func(error) bool
	ForgetCounter func(context.Context, string) error

	SavePendingSecret func(context.Context, string, string) error
	EnableTOTP        func(context.Context, string) error
	DisableTOTP       func(context.Context, string) error

	CheckLimiter         func(context.Context, string) error
	RecordLimiterFailure func(context.Context, string) error
	ResetLimiter         func(context.Context, string) error
	IsRateLimited        func(error) bool

	MetricInc func(int)
	EmitAudit AuditFunc

	Metrics TOTPMetrics
	Events  TOTPEvents
	Errors  TOTPErrors
}

// RunSetupTOTP generates a new secret for accountID and stores it as pending.
// The second factor is not enforced until RunConfirmTOTP succeeds.
func RunSetupTOTP(ctx context.Context, accountID string, deps TOTPDeps) (TOTPSetupResult, error) {
	normalizeTOTPDeps(&deps)

	if deps.GetAccount == nil || deps.GenerateSecret == nil || deps.SavePendingSecret == nil {
		return TOTPSetupResult{}, deps.Errors.EngineNotReady
	}
	acct, err := totpAccount(ctx, accountID, deps)
	if err != nil {
		return TOTPSetupResult{}, err
	}
	if acct.TOTPEnabled {
		return TOTPSetupResult{}, deps.Errors.AlreadyEnabled
	}

	label := acct.Email
	if label == "" {
		label = acct.Identifier
	}
	if label == "" {
		label = acct.ID
	}
	secret, uri, err := deps.GenerateSecret(label, deps.Issuer)
	if err != nil {
		return TOTPSetupResult{}, err
	}
	if err := deps.SavePendingSecret(ctx, acct.ID, secret); err != nil {
		return TOTPSetupResult{}, deps.Errors.StoreUnavailable
	}

	deps.EmitAudit(ctx, deps.Events.TOTPSetup, true, acct.ID, "", nil, nil)
	return TOTPSetupResult{Secret: secret, ProvisioningURI: uri}, nil
}

// RunConfirmTOTP enables the pending secret once the caller proves possession
// with a valid code.
func RunConfirmTOTP(ctx context.Context, accountID, code string, deps TOTPDeps) error {
	normalizeTOTPDeps(&deps)

	if deps.GetAccount == nil || deps.EnableTOTP == nil {
		return deps.Errors.EngineNotReady
	}
	acct, err := totpAccount(ctx, accountID, deps)
	if err != nil {
		return err
	}
	if acct.TOTPEnabled {
		return deps.Errors.AlreadyEnabled
	}
	if acct.TOTPSecret == "" {
		return deps.Errors.NotConfigured
	}
	if err := RunVerifyTOTP(ctx, acct.ID, acct.TOTPSecret, code, deps); err != nil {
		return err
	}
	if err := deps.EnableTOTP(ctx, acct.ID); err != nil {
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.TOTPEnabled)
	deps.EmitAudit(ctx, deps.Events.TOTPEnabled, true, acct.ID, "", nil, nil)
	return nil
}

// RunDisableTOTP removes the second factor after verifying a current code.
func RunDisableTOTP(ctx context.Context, accountID, code string, deps TOTPDeps) error {
	normalizeTOTPDeps(&deps)

	if deps.GetAccount == nil || deps.DisableTOTP == nil {
		return deps.Errors.EngineNotReady
	}
	acct, err := totpAccount(ctx, accountID, deps)
	if err != nil {
		return err
	}
	if !acct.TOTPEnabled || acct.TOTPSecret == "" {
		return deps.Errors.NotConfigured
	}
	if err := RunVerifyTOTP(ctx, acct.ID, acct.TOTPSecret, code, deps); err != nil {
		return err
	}
	if err := deps.DisableTOTP(ctx, acct.ID); err != nil {
		return deps.Errors.StoreUnavailable
	}
	_ = deps.ForgetCounter(ctx, acct.ID)

	deps.MetricInc(deps.Metrics.TOTPDisabled)
	deps.EmitAudit(ctx, deps.Events.TOTPDisabled, true, acct.ID, "", nil, nil)
	return nil
}

// RunVerifyTOTP checks code against secret for accountID under the attempt
// limiter and replay guard. A wrong code and a replayed code both yield
// Errors.InvalidCode and count against the limiter.
func RunVerifyTOTP(ctx context.Context, accountID, secret, code string, deps TOTPDeps) error {
	normalizeTOTPDeps(&deps)

	if deps.VerifyCode == nil {
		return deps.Errors.EngineNotReady
	}
	if secret == "" {
		return deps.Errors.NotConfigured
	}

	if err := deps.CheckLimiter(ctx, accountID); err != nil {
		if deps.IsRateLimited(err) {
			return deps.Errors.RateLimited
		}
		return deps.Errors.StoreUnavailable
	}

	ok, counter := deps.VerifyCode(code, secret, deps.Window)
	if !ok {
		deps.MetricInc(deps.Metrics.TOTPFailure)
		deps.EmitAudit(ctx, deps.Events.TOTPFailure, false, accountID, "", deps.Errors.InvalidCode, nil)
		return totpLimiterFailure(ctx, accountID, deps)
	}

	if err := deps.ClaimCounter(ctx, accountID, counter); err != nil {
		if !deps.IsReplay(err) {
			return deps.Errors.StoreUnavailable
		}
		deps.MetricInc(deps.Metrics.TOTPReplay)
		deps.EmitAudit(ctx, deps.Events.TOTPReplay, false, accountID, "", deps.Errors.InvalidCode, nil)
		return totpLimiterFailure(ctx, accountID, deps)
	}

	_ = deps.ResetLimiter(ctx, accountID)
	deps.MetricInc(deps.Metrics.TOTPSuccess)
	return nil
}

func totpAccount(ctx context.Context, accountID string, deps TOTPDeps) (AccountRecord, error) {
	if accountID == "" {
		return AccountRecord{}, deps.Errors.NotFound
	}
	acct, err := deps.GetAccount(ctx, accountID)
	if err != nil {
		if deps.IsNotFound(err) {
			return AccountRecord{}, deps.Errors.NotFound
		}
		return AccountRecord{}, deps.Errors.StoreUnavailable
	}
	return acct, nil
}

func totpLimiterFailure(ctx context.Context, accountID string, deps TOTPDeps) error {
	if err := deps.RecordLimiterFailure(ctx, accountID); err != nil {
		if deps.IsRateLimited(err) {
			return deps.Errors.RateLimited
		}
		return deps.Errors.StoreUnavailable
	}
	return deps.Errors.InvalidCode
}

func normalizeTOTPDeps(deps *TOTPDeps) {
	if deps.Window < 0 {
		deps.Window = 0
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.ClaimCounter == nil {
		deps.ClaimCounter = func(context.Context, string, uint64) error { return nil }
	}
	if deps.IsReplay == nil {
		deps.IsReplay = func(error) bool { return false }
	}
	if deps.ForgetCounter == nil {
		deps.ForgetCounter = func(context.Context, string) error { return nil }
	}
	if deps.CheckLimiter == nil {
		deps.CheckLimiter = func(context.Context, string) error { return nil }
	}
	if deps.RecordLimiterFailure == nil {
		deps.RecordLimiterFailure = func(context.Context, string) error { return nil }
	}
	if deps.ResetLimiter == nil {
		deps.ResetLimiter = func(context.Context, string) error { return nil }
	}
	if deps.IsRateLimited == nil {
		deps.IsRateLimited = func(error) bool { return false }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}
