package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/internal"
	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/jwt"
)

// CreateSession records a session for token, which must have been issued
// for accountID by the configured TokenSigner. The session id and expiry
// come from the token. The new session becomes current and the account is
// pruned to Config.Session.MaxPerAccount sessions, oldest first.
func (e *Engine) CreateSession(ctx context.Context, accountID, token, device, ip string) (*Session, error) {
	return internalflows.RunCreateSession(ctx, accountID, token, device, ip, e.sessionFlowDeps())
}

// ListSessions returns the unexpired sessions of accountID, most recently
// active first.
func (e *Engine) ListSessions(ctx context.Context, accountID string) ([]*Session, error) {
	return internalflows.RunListSessions(ctx, accountID, e.sessionFlowDeps())
}

// RevokeSession deletes sessionID. It fails with ErrNotFound for an unknown
// session, ErrUnauthorized when accountID does not own it and
// ErrInvalidOperation for the current session, which is ended with Logout.
func (e *Engine) RevokeSession(ctx context.Context, sessionID, accountID string) error {
	return internalflows.RunRevokeSession(ctx, accountID, sessionID, e.sessionFlowDeps())
}

// RevokeAllOtherSessions deletes every session of accountID except
// currentSessionID and returns how many were removed.
func (e *Engine) RevokeAllOtherSessions(ctx context.Context, accountID, currentSessionID string) (int, error) {
	return internalflows.RunRevokeAllOtherSessions(ctx, accountID, currentSessionID, e.sessionFlowDeps())
}

// RevokeAllSessions deletes every session of accountID.
func (e *Engine) RevokeAllSessions(ctx context.Context, accountID string) (int, error) {
	return internalflows.RunRevokeAllSessions(ctx, accountID, e.sessionFlowDeps())
}

// Logout ends sessionID of accountID, current or not.
func (e *Engine) Logout(ctx context.Context, accountID, sessionID string) error {
	return internalflows.RunLogout(ctx, accountID, sessionID, e.sessionFlowDeps())
}

// TouchSession marks sessionID as active now. A deleted or expired session
// is not brought back.
func (e *Engine) TouchSession(ctx context.Context, sessionID string) error {
	return internalflows.RunTouchSession(ctx, sessionID, e.sessionFlowDeps())
}

// ValidateSession verifies token and returns its live session after
// recording activity on it.
func (e *Engine) ValidateSession(ctx context.Context, token string) (*Session, error) {
	start := e.clock.Now()
	defer e.observeSince(MetricValidateLatency, start)
	return internalflows.RunValidateSession(ctx, token, e.sessionFlowDeps())
}

func (e *Engine) sessionFlowDeps() internalflows.SessionDeps {
	deps := internalflows.SessionDeps{
		NormalizeDevice: internal.DeviceLabel,
		NormalizeIP:     internal.NormalizeIP,
		MetricInc:       e.metricIncFn(),
		EmitAudit:       e.emitAudit,
		Metrics: internalflows.SessionMetrics{
			SessionCreated: int(MetricSessionCreated),
			SessionPruned:  int(MetricSessionPruned),
			SessionRevoked: int(MetricSessionRevoked),
			Logout:         int(MetricLogout),
			LogoutAll:      int(MetricLogoutAll),
		},
		Events: internalflows.SessionEvents{
			SessionCreated:  auditEventSessionCreated,
			SessionPruned:   auditEventSessionPruned,
			SessionRevoked:  auditEventSessionRevoked,
			SessionsRevoked: auditEventSessionsRevoked,
			Logout:          auditEventLogout,
		},
		Errors: internalflows.SessionErrors{
			EngineNotReady:   ErrEngineNotReady,
			NotFound:         ErrNotFound,
			Unauthorized:     ErrUnauthorized,
			InvalidOperation: ErrInvalidOperation,
			InvalidToken:     ErrInvalidToken,
			ExpiredToken:     ErrExpiredToken,
			StoreUnavailable: ErrStoreUnavailable,
		},
	}

	if e.sessions != nil {
		deps.Store = e.sessions
	}
	if e.signer != nil {
		deps.VerifyToken = e.verifyToken
	}
	return deps
}

// verifyToken maps signer errors onto the two outcomes the session flows
// distinguish, so custom signers may return either the jwt package errors
// or ErrExpiredToken.
func (e *Engine) verifyToken(token string) (jwt.Payload, error) {
	p, err := e.signer.Verify(token)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, jwt.ErrExpired) || errors.Is(err, ErrExpiredToken) {
		return jwt.Payload{}, jwt.ErrExpired
	}
	return jwt.Payload{}, jwt.ErrInvalid
}
