package authcore

import "errors"

var (
	// ErrInvalidCredentials is returned for an unknown identifier, a wrong
	// password or a wrong second-factor code. The cases are indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while an account is locked after repeated
	// failed logins.
	ErrAccountLocked = errors.New("account locked")
	// ErrInvalidToken is returned for an unknown or malformed token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for a token past its expiry.
	ErrExpiredToken = errors.New("token expired")
	// ErrQuotaExceeded is returned when an account already holds the maximum
	// number of active API keys.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the caller does not own the addressed
	// record.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited is returned when a rate or attempt limit is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidOperation is returned for a request that is well formed but
	// not allowed in the current state, such as revoking the current session.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidRecoveryCode is returned when a recovery code matches no
	// unused code of the account.
	ErrInvalidRecoveryCode = errors.New("invalid recovery code")
	// ErrMFARequired is returned by Login when the password was correct but
	// the account needs a TOTP or recovery code that was not supplied.
	ErrMFARequired = errors.New("second factor required")
	// ErrPasswordReuse is returned when a new password equals the current one.
	ErrPasswordReuse = errors.New("password reuse not allowed")
	// ErrWeakPassword is returned when a new password violates the length
	// policy.
	ErrWeakPassword = errors.New("password does not meet policy")
	// ErrInvalidPermission is returned for an API key permission outside the
	// known set.
	ErrInvalidPermission = errors.New("invalid permission")
	// ErrTOTPNotConfigured is returned when a TOTP operation needs a secret
	// the account does not have.
	ErrTOTPNotConfigured = errors.New("totp not configured")
	// ErrTOTPAlreadyEnabled is returned by TOTP setup on an account that has
	// TOTP enabled already.
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")

	// ErrConflict is returned by stores when a unique value is already taken.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable wraps infrastructure failures of any backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrEngineNotReady is returned when a required dependency was not
	// configured on the Builder.
	ErrEngineNotReady = errors.New("engine not initialized")
)
