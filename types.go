package authcore

import (
	"context"
	"image"
	"time"

	"github.com/MrEthical07/authcore/internal/guard"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/totp"
)

// Account is the persisted identity the security core protects.
//
// Locked implies LockUntil is set; the lock is cleared lazily on the first
// login attempt after LockUntil. TOTPSecret may be set while TOTPEnabled is
// false between SetupTOTP and ConfirmTOTP.
type Account struct {
	ID           string
	Identifier   string
	Email        string
	PasswordHash string

	TOTPSecret  string
	TOTPEnabled bool

	FailedLoginAttempts int
	Locked              bool
	LockUntil           time.Time

	LastLogin   time.Time
	LastLoginIP string

	ResetTokenHash string
	ResetExpiresAt time.Time

	CreatedAt time.Time
}

// AttemptState is the failure counter and lock state returned by
// [AccountStore.IncrementFailedLogins].
type AttemptState = guard.State

// TokenPayload is the content of a signed session token.
type TokenPayload = jwt.Payload

// Session is one authenticated login; see package session.
type Session = session.Session

// AccountStore is the durable account store.
//
// IncrementFailedLogins must add one to the failure counter and, when the
// result reaches threshold, set Locked and LockUntil in the same atomic
// statement. ConsumeResetToken must replace the password hash and clear the
// reset fields only when the stored reset hash still equals tokenHash and has
// not expired at now, reporting whether it did. ClearExpiredLock must clear
// the lock fields only while the stored lock has expired at now, in one
// statement, and return the stored state afterwards. Lookups of a missing account
// return [ErrNotFound].
//
//	Docs: sqlstore for the SQL implementation.
type AccountStore interface {
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	GetAccountByIdentifier(ctx context.Context, identifier string) (*Account, error)
	GetAccountByResetHash(ctx context.Context, tokenHash string) (*Account, error)

	IncrementFailedLogins(ctx context.Context, id string, threshold int, lockUntil time.Time) (AttemptState, error)
	ClearExpiredLock(ctx context.Context, id string, now time.Time) (AttemptState, error)
	ResetFailedLogins(ctx context.Context, id string) error
	RecordLogin(ctx context.Context, id, ip string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error

	SetTOTPSecret(ctx context.Context, id, secret string) error
	EnableTOTP(ctx context.Context, id string) error
	DisableTOTP(ctx context.Context, id string) error

	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	ClearResetToken(ctx context.Context, id string) error
	ConsumeResetToken(ctx context.Context, id, tokenHash, newPasswordHash string, now time.Time) (bool, error)
	SweepExpiredResetTokens(ctx context.Context, now time.Time) (int, error)
}

// RecoveryCodeStore holds recovery code digests per account.
// ReplaceRecoveryCodes swaps the whole set atomically, stamping the new
// entries with now; ConsumeRecoveryCode marks exactly one unused matching
// entry as used at at.
type RecoveryCodeStore interface {
	ReplaceRecoveryCodes(ctx context.Context, accountID string, hashes []string, now time.Time) error
	ConsumeRecoveryCode(ctx context.Context, accountID, hash string, at time.Time) (bool, error)
	CountRecoveryCodes(ctx context.Context, accountID string) (int, error)
}

// APIKeyStore holds API key records. CreateAPIKey returns [ErrQuotaExceeded]
// when the account already holds maxActive non-revoked keys (checked in the
// same transaction as the insert) and [ErrConflict] on a prefix collision.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, rec APIKeyRecord, maxActive int) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKeyRecord, error)
	GetAPIKeyByID(ctx context.Context, id string) (*APIKeyRecord, error)
	ListAPIKeys(ctx context.Context, accountID string) ([]APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// CredentialStore hashes and verifies passwords. Verify reports a mismatch
// as (false, nil).
type CredentialStore interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) (bool, error)
}

// Rehasher is optionally implemented by a CredentialStore whose parameters
// can be upgraded; hashes it reports are replaced after a successful login.
type Rehasher interface {
	NeedsRehash(hash string) (bool, error)
}

// TokenSigner signs and verifies the session tokens handed to clients.
// Verify must reject expired tokens.
type TokenSigner interface {
	Sign(payload TokenPayload, ttl time.Duration) (string, error)
	Verify(token string) (TokenPayload, error)
}

// Notifier delivers a message to an address. Delivery failures are reported
// but never change the outcome seen by the end user.
type Notifier interface {
	Send(ctx context.Context, destination, subject, body string) error
}

// Counter is the sliding-window counter behind the source-address rate
// limiter. Increment records one event for key and returns the number of
// events within the trailing window, this one included.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Permission is an API key capability.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	// PermissionAdmin implies every other permission.
	PermissionAdmin Permission = "admin"
)

// Valid reports whether p is one of the known permissions.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionDelete, PermissionAdmin:
		return true
	}
	return false
}

// APIKey is the public view of an API key. It never carries the secret or
// its digest.
type APIKey struct {
	ID          string
	AccountID   string
	Name        string
	Prefix      string
	Permissions []Permission
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   time.Time
	LastUsed    time.Time
	CreatedAt   time.Time
}

// HasPermission reports whether the key grants perm directly or through
// [PermissionAdmin].
func (k *APIKey) HasPermission(perm Permission) bool {
	if k == nil {
		return false
	}
	for _, p := range k.Permissions {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// APIKeyRecord is the stored form of an API key, used only between the
// Engine and an [APIKeyStore].
type APIKeyRecord struct {
	APIKey
	SecretHash string
}

// GeneratedAPIKey is returned once by [Engine.GenerateAPIKey]. Key is the
// full "prefix.secret" value to hand to the client; it cannot be recovered
// later.
type GeneratedAPIKey struct {
	APIKey
	Key string
}

// LoginRequest carries one login attempt. TOTPCode or RecoveryCode is only
// consulted for accounts with TOTP enabled; RecoveryCode wins when both are
// set. IP falls back to the address attached with [WithClientIP].
type LoginRequest struct {
	Identifier   string
	Password     string
	TOTPCode     string
	RecoveryCode string
	IP           string
	Device       string
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	AccountID        string
	SessionID        string
	Token            string
	ExpiresAt        time.Time
	UsedRecoveryCode bool
}

// TOTPSetup is returned by [Engine.SetupTOTP]. The secret is shown to the
// user once, as text and as a QR code of ProvisioningURI.
type TOTPSetup struct {
	Secret          string
	ProvisioningURI string
}

// QRCode renders ProvisioningURI as a width x height QR image.
func (s TOTPSetup) QRCode(width, height int) (image.Image, error) {
	key, err := totp.ParseKey(s.ProvisioningURI)
	if err != nil {
		return nil, err
	}
	return key.Image(width, height)
}
