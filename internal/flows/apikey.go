package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

const (
	// APIKeyPrefixTag starts every key prefix.
	APIKeyPrefixTag = "ak_"
	// APIKeySecretBytes is the entropy of the secret half of a key.
	APIKeySecretBytes = 32

	apiKeyPrefixRandomBytes = 4
	apiKeyPrefixLen         = len(APIKeyPrefixTag) + 2*apiKeyPrefixRandomBytes
	apiKeyCreateAttempts    = 3
)

var apiKeyEncoding = base64.RawURLEncoding

// APIKeyRecord is the stored form of a key. SecretHash never leaves the
// engine.
type APIKeyRecord struct {
	ID          string
	AccountID   string
	Name        string
	Prefix      string
	SecretHash  string
	Permissions []string
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   time.Time
	LastUsed    time.Time
	CreatedAt   time.Time
}

type APIKeyMetrics struct {
	APIKeyCreated  int
	APIKeyRevoked  int
	APIKeyVerified int
	APIKeyRejected int
}

type APIKeyEvents struct {
	APIKeyCreated  string
	APIKeyRevoked  string
	APIKeyRejected string
}

type APIKeyErrors struct {
	EngineNotReady    error
	NotFound          error
	QuotaExceeded     error
	InvalidPermission error
	Unauthorized      error
	StoreUnavailable  error
}

// APIKeyDeps captures API key flow dependencies. CreateKey must insert rec
// only if the account holds fewer than maxActive non-revoked keys, checked
// in the same transaction as the insert.
type APIKeyDeps struct {
	MaxActive         int
	DefaultExpiry     time.Duration
	DefaultPermission string

	ValidPermission func(string) bool
	NewID           func() string
	RandomRead      func([]byte) (int, error)
	Now             func() time.Time

	CreateKey      func(ctx context.Context, rec APIKeyRecord, maxActive int) error
	GetKeyByPrefix func(context.Context, string) (APIKeyRecord, error)
	GetKeyByID     func(context.Context, string) (APIKeyRecord, error)
	ListKeys       func(context.Context, string) ([]APIKeyRecord, error)
	RevokeKey      func(ctx context.Context, id string, at time.Time) error
	TouchKey       func(ctx context.Context, id string, at time.Time) error

	IsNotFound      func(error) bool
	IsQuotaExceeded func(error) bool
	IsConflict      func(error) bool

	MetricInc func(int)
	EmitAudit AuditFunc

	Metrics APIKeyMetrics
	Events  APIKeyEvents
	Errors  APIKeyErrors
}

// RunGenerateAPIKey creates a key for accountID and returns the stored record
// together with the full key, which is never available again.
func RunGenerateAPIKey(ctx context.Context, accountID, name string, permissions []string, expiryDays int, deps APIKeyDeps) (APIKeyRecord, string, error) {
	normalizeAPIKeyDeps(&deps)

	if deps.CreateKey == nil {
		return APIKeyRecord{}, "", deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return APIKeyRecord{}, "", deps.Errors.NotFound
	}

	perms, ok := normalizePermissions(permissions, deps)
	if !ok {
		return APIKeyRecord{}, "", deps.Errors.InvalidPermission
	}

	now := deps.Now()
	expiry := deps.DefaultExpiry
	if expiryDays > 0 {
		expiry = time.Duration(expiryDays) * 24 * time.Hour
	}

	for attempt := 0; attempt < apiKeyCreateAttempts; attempt++ {
		prefix, secret, err := NewAPIKey(deps.RandomRead)
		if err != nil {
			return APIKeyRecord{}, "", err
		}
		rec := APIKeyRecord{
			ID:          deps.NewID(),
			AccountID:   accountID,
			Name:        strings.TrimSpace(name),
			Prefix:      prefix,
			SecretHash:  APIKeyHash(secret),
			Permissions: perms,
			ExpiresAt:   now.Add(expiry),
			CreatedAt:   now,
		}

		err = deps.CreateKey(ctx, rec, deps.MaxActive)
		switch {
		case err == nil:
			deps.MetricInc(deps.Metrics.APIKeyCreated)
			deps.EmitAudit(ctx, deps.Events.APIKeyCreated, true, accountID, "", nil, func() map[string]string {
				return map[string]string{"key_id": rec.ID, "prefix": rec.Prefix, "permissions": strings.Join(perms, ",")}
			})
			return rec, FormatAPIKey(prefix, secret), nil
		case deps.IsQuotaExceeded(err):
			deps.EmitAudit(ctx, deps.Events.APIKeyCreated, false, accountID, "", deps.Errors.QuotaExceeded, nil)
			return APIKeyRecord{}, "", deps.Errors.QuotaExceeded
		case deps.IsConflict(err):
			continue
		default:
			return APIKeyRecord{}, "", deps.Errors.StoreUnavailable
		}
	}
	return APIKeyRecord{}, "", deps.Errors.StoreUnavailable
}

// RunVerifyAPIKey resolves fullKey to a live key record. Every failure,
// including a store outage, yields ok=false; the caller never learns why.
func RunVerifyAPIKey(ctx context.Context, fullKey string, deps APIKeyDeps) (APIKeyRecord, bool) {
	normalizeAPIKeyDeps(&deps)

	if deps.GetKeyByPrefix == nil {
		return APIKeyRecord{}, false
	}
	prefix, secret, ok := ParseAPIKey(fullKey)
	if !ok {
		return rejectAPIKey(ctx, "", "malformed", deps)
	}
	rec, err := deps.GetKeyByPrefix(ctx, prefix)
	if err != nil {
		return rejectAPIKey(ctx, "", "unknown_prefix", deps)
	}

	want, err := hex.DecodeString(rec.SecretHash)
	got := sha256.Sum256([]byte(secret))
	if err != nil || subtle.ConstantTimeCompare(want, got[:]) != 1 {
		return rejectAPIKey(ctx, rec.AccountID, "secret_mismatch", deps)
	}
	if rec.Revoked {
		return rejectAPIKey(ctx, rec.AccountID, "revoked", deps)
	}
	now := deps.Now()
	if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
		return rejectAPIKey(ctx, rec.AccountID, "expired", deps)
	}

	if deps.TouchKey != nil && deps.TouchKey(ctx, rec.ID, now) == nil {
		rec.LastUsed = now
	}
	deps.MetricInc(deps.Metrics.APIKeyVerified)
	return rec, true
}

// RunRevokeAPIKey soft-deletes keyID after checking it belongs to accountID.
// Revoking an already revoked key succeeds without changing RevokedAt.
func RunRevokeAPIKey(ctx context.Context, accountID, keyID string, deps APIKeyDeps) error {
	normalizeAPIKeyDeps(&deps)

	if deps.GetKeyByID == nil || deps.RevokeKey == nil {
		return deps.Errors.EngineNotReady
	}
	if keyID == "" {
		return deps.Errors.NotFound
	}
	rec, err := deps.GetKeyByID(ctx, keyID)
	if err != nil {
		if deps.IsNotFound(err) {
			return deps.Errors.NotFound
		}
		return deps.Errors.StoreUnavailable
	}
	if rec.AccountID != accountID {
		deps.EmitAudit(ctx, deps.Events.APIKeyRevoked, false, accountID, "", deps.Errors.Unauthorized, func() map[string]string {
			return map[string]string{"key_id": keyID}
		})
		return deps.Errors.Unauthorized
	}
	if rec.Revoked {
		return nil
	}
	if err := deps.RevokeKey(ctx, keyID, deps.Now()); err != nil {
		if deps.IsNotFound(err) {
			return deps.Errors.NotFound
		}
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.APIKeyRevoked)
	deps.EmitAudit(ctx, deps.Events.APIKeyRevoked, true, accountID, "", nil, func() map[string]string {
		return map[string]string{"key_id": keyID}
	})
	return nil
}

// RunListAPIKeys returns every key of accountID, revoked ones included.
func RunListAPIKeys(ctx context.Context, accountID string, deps APIKeyDeps) ([]APIKeyRecord, error) {
	normalizeAPIKeyDeps(&deps)

	if deps.ListKeys == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return nil, deps.Errors.NotFound
	}
	recs, err := deps.ListKeys(ctx, accountID)
	if err != nil {
		return nil, deps.Errors.StoreUnavailable
	}
	return recs, nil
}

// NewAPIKey returns a random prefix (ak_ followed by 8 hex characters) and a
// base64url secret of APIKeySecretBytes bytes.
func NewAPIKey(read func([]byte) (int, error)) (prefix string, secret string, err error) {
	if read == nil {
		read = rand.Read
	}
	buf := make([]byte, apiKeyPrefixRandomBytes+APIKeySecretBytes)
	if _, err := read(buf); err != nil {
		return "", "", err
	}
	prefix = APIKeyPrefixTag + hex.EncodeToString(buf[:apiKeyPrefixRandomBytes])
	secret = apiKeyEncoding.EncodeToString(buf[apiKeyPrefixRandomBytes:])
	return prefix, secret, nil
}

// FormatAPIKey joins prefix and secret into the key handed to the client.
func FormatAPIKey(prefix, secret string) string {
	return prefix + "." + secret
}

// ParseAPIKey splits a full key into prefix and secret. ok is false unless
// both halves have exactly the generated shape.
func ParseAPIKey(fullKey string) (prefix string, secret string, ok bool) {
	prefix, secret, found := strings.Cut(fullKey, ".")
	if !found || len(prefix) != apiKeyPrefixLen || !strings.HasPrefix(prefix, APIKeyPrefixTag) {
		return "", "", false
	}
	for _, c := range prefix[len(APIKeyPrefixTag):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", "", false
		}
	}
	raw, err := apiKeyEncoding.DecodeString(secret)
	if err != nil || len(raw) != APIKeySecretBytes {
		return "", "", false
	}
	return prefix, secret, true
}

// APIKeyHash returns hex(SHA-256(secret)).
func APIKeyHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func normalizePermissions(in []string, deps APIKeyDeps) ([]string, bool) {
	if len(in) == 0 {
		if deps.DefaultPermission == "" {
			return nil, false
		}
		return []string{deps.DefaultPermission}, true
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if !deps.ValidPermission(p) {
			return nil, false
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, true
}

func rejectAPIKey(ctx context.Context, accountID, reason string, deps APIKeyDeps) (APIKeyRecord, bool) {
	deps.MetricInc(deps.Metrics.APIKeyRejected)
	deps.EmitAudit(ctx, deps.Events.APIKeyRejected, false, accountID, "", nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return APIKeyRecord{}, false
}

func normalizeAPIKeyDeps(deps *APIKeyDeps) {
	if deps.MaxActive <= 0 {
		deps.MaxActive = 10
	}
	if deps.DefaultExpiry <= 0 {
		deps.DefaultExpiry = 365 * 24 * time.Hour
	}
	if deps.ValidPermission == nil {
		deps.ValidPermission = func(p string) bool { return p != "" }
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return ksuid.New().String() }
	}
	if deps.RandomRead == nil {
		deps.RandomRead = rand.Read
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.IsQuotaExceeded == nil {
		deps.IsQuotaExceeded = func(error) bool { return false }
	}
	if deps.IsConflict == nil {
		deps.IsConflict = func(error) bool { return false }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}
