package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
)

// SessionStore is the subset of *session.Store the session flows use.
type SessionStore interface {
	Create(ctx context.Context, sess *session.Session) ([]string, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	List(ctx context.Context, accountID string) ([]*session.Session, error)
	Delete(ctx context.Context, accountID, sessionID string) (bool, error)
	DeleteAllExcept(ctx context.Context, accountID, keepID string) (int, error)
	DeleteAll(ctx context.Context, accountID string) (int, error)
	Touch(ctx context.Context, sessionID string) error
}

type SessionMetrics struct {
	SessionCreated int
	SessionPruned  int
	SessionRevoked int
	Logout         int
	LogoutAll      int
}

type SessionEvents struct {
	SessionCreated  string
	SessionPruned   string
	SessionRevoked  string
	SessionsRevoked string
	Logout          string
}

type SessionErrors struct {
	EngineNotReady   error
	NotFound         error
	Unauthorized     error
	InvalidOperation error
	InvalidToken     error
	ExpiredToken     error
	StoreUnavailable error
}

// SessionDeps captures session lifecycle flow dependencies.
type SessionDeps struct {
	Store SessionStore

	VerifyToken     func(string) (jwt.Payload, error)
	NormalizeDevice func(string) string
	NormalizeIP     func(string) string

	MetricInc func(int)
	EmitAudit AuditFunc

	Metrics SessionMetrics
	Events  SessionEvents
	Errors  SessionErrors
}

// RunCreateSession records a session for a token just issued to accountID.
// The session id and expiry are read from the token itself, so a session can
// never outlive the token it is bound to.
func RunCreateSession(ctx context.Context, accountID, token, device, ip string, deps SessionDeps) (*session.Session, error) {
	normalizeSessionDeps(&deps)

	if deps.Store == nil || deps.VerifyToken == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return nil, deps.Errors.NotFound
	}

	payload, err := deps.VerifyToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, deps.Errors.ExpiredToken
		}
		return nil, deps.Errors.InvalidToken
	}
	if payload.Subject != accountID {
		return nil, deps.Errors.Unauthorized
	}

	sess := &session.Session{
		ID:        payload.SessionID,
		AccountID: accountID,
		TokenRef:  session.TokenRef(token),
		Device:    deps.NormalizeDevice(device),
		IP:        deps.NormalizeIP(ip),
		ExpiresAt: payload.ExpiresAt,
	}
	pruned, err := deps.Store.Create(ctx, sess)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			return nil, deps.Errors.ExpiredToken
		}
		return nil, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.SessionCreated)
	deps.EmitAudit(ctx, deps.Events.SessionCreated, true, accountID, sess.ID, nil, nil)
	for _, id := range pruned {
		deps.MetricInc(deps.Metrics.SessionPruned)
		deps.EmitAudit(ctx, deps.Events.SessionPruned, true, accountID, id, nil, nil)
	}
	return sess, nil
}

// RunListSessions returns the account's live sessions, most recently active
// first.
func RunListSessions(ctx context.Context, accountID string, deps SessionDeps) ([]*session.Session, error) {
	normalizeSessionDeps(&deps)

	if deps.Store == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return nil, deps.Errors.NotFound
	}
	list, err := deps.Store.List(ctx, accountID)
	if err != nil {
		return nil, deps.Errors.StoreUnavailable
	}
	return list, nil
}

// RunRevokeSession deletes one non-current session owned by accountID. The
// current session is ended through RunLogout instead.
func RunRevokeSession(ctx context.Context, accountID, sessionID string, deps SessionDeps) error {
	normalizeSessionDeps(&deps)

	if deps.Store == nil {
		return deps.Errors.EngineNotReady
	}
	sess, err := ownedSession(ctx, accountID, sessionID, deps)
	if err != nil {
		return err
	}
	if sess.IsCurrent {
		return deps.Errors.InvalidOperation
	}
	if _, err := deps.Store.Delete(ctx, accountID, sessionID); err != nil {
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.SessionRevoked)
	deps.EmitAudit(ctx, deps.Events.SessionRevoked, true, accountID, sessionID, nil, nil)
	return nil
}

// RunRevokeAllOtherSessions deletes every session of accountID except
// currentSessionID and returns how many were removed.
func RunRevokeAllOtherSessions(ctx context.Context, accountID, currentSessionID string, deps SessionDeps) (int, error) {
	normalizeSessionDeps(&deps)

	if deps.Store == nil {
		return 0, deps.Errors.EngineNotReady
	}
	if currentSessionID == "" {
		return 0, deps.Errors.InvalidOperation
	}
	if _, err := ownedSession(ctx, accountID, currentSessionID, deps); err != nil {
		return 0, err
	}
	n, err := deps.Store.DeleteAllExcept(ctx, accountID, currentSessionID)
	if err != nil {
		return 0, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.LogoutAll)
	deps.EmitAudit(ctx, deps.Events.SessionsRevoked, true, accountID, currentSessionID, nil, func() map[string]string {
		return map[string]string{"kept": currentSessionID, "removed": itoa(n)}
	})
	return n, nil
}

// RunRevokeAllSessions deletes every session of accountID.
func RunRevokeAllSessions(ctx context.Context, accountID string, deps SessionDeps) (int, error) {
	normalizeSessionDeps(&deps)

	if deps.Store == nil {
		return 0, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return 0, deps.Errors.NotFound
	}
	n, err := deps.Store.DeleteAll(ctx, accountID)
	if err != nil {
		return 0, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.LogoutAll)
	deps.EmitAudit(ctx, deps.Events.SessionsRevoked, true, accountID, "", nil, func() map[string]string {
		return map[string]string{"removed": itoa(n)}
	})
	return n, nil
}

// RunLogout ends sessionID, which may be the current session.
func RunLogout(ctx context.Context, accountID, sessionID string, deps SessionDeps) error {
	normalizeSessionDeps(&deps)

	if deps.Store == nil {
		return deps.Errors.EngineNotReady
	}
	if _, err := ownedSession(ctx, accountID, sessionID, deps); err != nil {
		return err
	}
	if _, err := deps.Store.Delete(ctx, accountID, sessionID); err != nil {
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.Logout)
	deps.EmitAudit(ctx, deps.Events.Logout, true, accountID, sessionID, nil, nil)
	return nil
}

// RunTouchSession records activity on a live session.
func RunTouchSession(ctx context.Context, sessionID string, deps SessionDeps) error {
	normalizeSessionDeps(&deps)

	if deps.Store == nil {
		return deps.Errors.EngineNotReady
	}
	if sessionID == "" {
		return deps.Errors.NotFound
	}
	if err := deps.Store.Touch(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return deps.Errors.NotFound
		}
		return deps.Errors.StoreUnavailable
	}
	return nil
}

// RunValidateSession verifies token, resolves its session and records
// activity on it. The session must still exist, belong to the token subject
// and be bound to this exact token.
func RunValidateSession(ctx context.Context, token string, deps SessionDeps) (*session.Session, error) {
	normalizeSessionDeps(&deps)

	if deps.Store == nil || deps.VerifyToken == nil {
		return nil, deps.Errors.EngineNotReady
	}
	payload, err := deps.VerifyToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, deps.Errors.ExpiredToken
		}
		return nil, deps.Errors.InvalidToken
	}

	sess, err := deps.Store.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, deps.Errors.InvalidToken
		}
		return nil, deps.Errors.StoreUnavailable
	}
	if sess.AccountID != payload.Subject || sess.TokenRef != session.TokenRef(token) {
		return nil, deps.Errors.Unauthorized
	}

	if err := deps.Store.Touch(ctx, sess.ID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, deps.Errors.InvalidToken
		}
		return nil, deps.Errors.StoreUnavailable
	}
	return sess, nil
}

func ownedSession(ctx context.Context, accountID, sessionID string, deps SessionDeps) (*session.Session, error) {
	if accountID == "" || sessionID == "" {
		return nil, deps.Errors.NotFound
	}
	sess, err := deps.Store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, deps.Errors.NotFound
		}
		return nil, deps.Errors.StoreUnavailable
	}
	if sess.AccountID != accountID {
		return nil, deps.Errors.Unauthorized
	}
	return sess, nil
}

func normalizeSessionDeps(deps *SessionDeps) {
	if deps.NormalizeDevice == nil {
		deps.NormalizeDevice = func(v string) string { return v }
	}
	if deps.NormalizeIP == nil {
		deps.NormalizeIP = func(v string) string { return v }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}
