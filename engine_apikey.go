package authcore

import (
	"context"
	"errors"
	"time"

	internalflows "github.com/MrEthical07/authcore/internal/flows"
)

// GenerateAPIKey creates a key for accountID. The returned Key field holds
// the full "prefix.secret" value and is the only time the secret is
// available. An empty permissions list grants
// Config.APIKey.DefaultPermission; expiryDays <= 0 uses
// Config.APIKey.DefaultExpiry. Fails with ErrQuotaExceeded when the account
// already holds Config.APIKey.MaxActive non-revoked keys.
func (e *Engine) GenerateAPIKey(ctx context.Context, accountID, name string, permissions []Permission, expiryDays int) (*GeneratedAPIKey, error) {
	perms := make([]string, 0, len(permissions))
	for _, p := range permissions {
		perms = append(perms, string(p))
	}
	rec, full, err := internalflows.RunGenerateAPIKey(ctx, accountID, name, perms, expiryDays, e.apiKeyFlowDeps())
	if err != nil {
		return nil, err
	}
	return &GeneratedAPIKey{APIKey: apiKeyFromFlow(rec), Key: full}, nil
}

// VerifyAPIKey returns the key behind fullKey, or nil when it is malformed,
// unknown, revoked, expired or carries the wrong secret. Callers cannot tell
// these cases apart.
func (e *Engine) VerifyAPIKey(ctx context.Context, fullKey string) *APIKey {
	rec, ok := internalflows.RunVerifyAPIKey(ctx, fullKey, e.apiKeyFlowDeps())
	if !ok {
		return nil
	}
	key := apiKeyFromFlow(rec)
	return &key
}

// RevokeAPIKey revokes keyID, which must belong to accountID. Revoked keys
// stay listed with Revoked set.
func (e *Engine) RevokeAPIKey(ctx context.Context, accountID, keyID string) error {
	return internalflows.RunRevokeAPIKey(ctx, accountID, keyID, e.apiKeyFlowDeps())
}

// ListAPIKeys returns every key of accountID without secrets or digests.
func (e *Engine) ListAPIKeys(ctx context.Context, accountID string) ([]APIKey, error) {
	recs, err := internalflows.RunListAPIKeys(ctx, accountID, e.apiKeyFlowDeps())
	if err != nil {
		return nil, err
	}
	out := make([]APIKey, 0, len(recs))
	for _, rec := range recs {
		out = append(out, apiKeyFromFlow(rec))
	}
	return out, nil
}

func (e *Engine) apiKeyFlowDeps() internalflows.APIKeyDeps {
	deps := internalflows.APIKeyDeps{
		MaxActive:         e.config.APIKey.MaxActive,
		DefaultExpiry:     e.config.APIKey.DefaultExpiry,
		DefaultPermission: string(e.config.APIKey.DefaultPermission),
		ValidPermission: func(p string) bool {
			return Permission(p).Valid()
		},
		Now:        e.clock.Now,
		IsNotFound: isNotFound,
		IsQuotaExceeded: func(err error) bool {
			return errors.Is(err, ErrQuotaExceeded)
		},
		IsConflict: func(err error) bool {
			return errors.Is(err, ErrConflict)
		},
		MetricInc: e.metricIncFn(),
		EmitAudit: e.emitAudit,
		Metrics: internalflows.APIKeyMetrics{
			APIKeyCreated:  int(MetricAPIKeyCreated),
			APIKeyRevoked:  int(MetricAPIKeyRevoked),
			APIKeyVerified: int(MetricAPIKeyVerified),
			APIKeyRejected: int(MetricAPIKeyRejected),
		},
		Events: internalflows.APIKeyEvents{
			APIKeyCreated:  auditEventAPIKeyCreated,
			APIKeyRevoked:  auditEventAPIKeyRevoked,
			APIKeyRejected: auditEventAPIKeyRejected,
		},
		Errors: internalflows.APIKeyErrors{
			EngineNotReady:    ErrEngineNotReady,
			NotFound:          ErrNotFound,
			QuotaExceeded:     ErrQuotaExceeded,
			InvalidPermission: ErrInvalidPermission,
			Unauthorized:      ErrUnauthorized,
			StoreUnavailable:  ErrStoreUnavailable,
		},
	}

	if e.apiKeys == nil {
		return deps
	}
	deps.CreateKey = func(ctx context.Context, rec internalflows.APIKeyRecord, maxActive int) error {
		return e.logStoreErr("create_api_key", e.apiKeys.CreateAPIKey(ctx, apiKeyRecordFromFlow(rec), maxActive))
	}
	deps.GetKeyByPrefix = func(ctx context.Context, prefix string) (internalflows.APIKeyRecord, error) {
		rec, err := e.apiKeys.GetAPIKeyByPrefix(ctx, prefix)
		if err != nil {
			return internalflows.APIKeyRecord{}, e.logStoreErr("get_api_key_by_prefix", err)
		}
		if rec == nil {
			return internalflows.APIKeyRecord{}, ErrNotFound
		}
		return apiKeyRecordToFlow(*rec), nil
	}
	deps.GetKeyByID = func(ctx context.Context, id string) (internalflows.APIKeyRecord, error) {
		rec, err := e.apiKeys.GetAPIKeyByID(ctx, id)
		if err != nil {
			return internalflows.APIKeyRecord{}, e.logStoreErr("get_api_key", err)
		}
		if rec == nil {
			return internalflows.APIKeyRecord{}, ErrNotFound
		}
		return apiKeyRecordToFlow(*rec), nil
	}
	deps.ListKeys = func(ctx context.Context, accountID string) ([]internalflows.APIKeyRecord, error) {
		recs, err := e.apiKeys.ListAPIKeys(ctx, accountID)
		if err != nil {
			return nil, e.logStoreErr("list_api_keys", err)
		}
		out := make([]internalflows.APIKeyRecord, 0, len(recs))
		for _, rec := range recs {
			out = append(out, apiKeyRecordToFlow(rec))
		}
		return out, nil
	}
	deps.RevokeKey = func(ctx context.Context, id string, at time.Time) error {
		return e.logStoreErr("revoke_api_key", e.apiKeys.RevokeAPIKey(ctx, id, at))
	}
	deps.TouchKey = func(ctx context.Context, id string, at time.Time) error {
		return e.logStoreErr("touch_api_key", e.apiKeys.TouchAPIKey(ctx, id, at))
	}
	return deps
}

// apiKeyFromFlow drops SecretHash; nothing outside the engine sees it.
func apiKeyFromFlow(rec internalflows.APIKeyRecord) APIKey {
	perms := make([]Permission, 0, len(rec.Permissions))
	for _, p := range rec.Permissions {
		perms = append(perms, Permission(p))
	}
	return APIKey{
		ID:          rec.ID,
		AccountID:   rec.AccountID,
		Name:        rec.Name,
		Prefix:      rec.Prefix,
		Permissions: perms,
		ExpiresAt:   rec.ExpiresAt,
		Revoked:     rec.Revoked,
		RevokedAt:   rec.RevokedAt,
		LastUsed:    rec.LastUsed,
		CreatedAt:   rec.CreatedAt,
	}
}

func apiKeyRecordFromFlow(rec internalflows.APIKeyRecord) APIKeyRecord {
	return APIKeyRecord{APIKey: apiKeyFromFlow(rec), SecretHash: rec.SecretHash}
}

func apiKeyRecordToFlow(rec APIKeyRecord) internalflows.APIKeyRecord {
	perms := make([]string, 0, len(rec.Permissions))
	for _, p := range rec.Permissions {
		perms = append(perms, string(p))
	}
	return internalflows.APIKeyRecord{
		ID:          rec.ID,
		AccountID:   rec.AccountID,
		Name:        rec.Name,
		Prefix:      rec.Prefix,
		SecretHash:  rec.SecretHash,
		Permissions: perms,
		ExpiresAt:   rec.ExpiresAt,
		Revoked:     rec.Revoked,
		RevokedAt:   rec.RevokedAt,
		LastUsed:    rec.LastUsed,
		CreatedAt:   rec.CreatedAt,
	}
}
