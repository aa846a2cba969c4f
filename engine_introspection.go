package authcore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthStatus is an on-demand backend health result.
type HealthStatus struct {
	RedisAvailable bool
	RedisLatency   time.Duration
	AuditDropped   uint64
}

// Health pings Redis.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if e == nil || e.sessions == nil {
		return HealthStatus{}
	}

	latency, err := e.sessions.Ping(ctx)
	if err != nil {
		e.logger.Warn("redis health check failed", zap.Error(err))
	}
	return HealthStatus{
		RedisAvailable: err == nil,
		RedisLatency:   latency,
		AuditDropped:   e.AuditDropped(),
	}
}

// ActiveSessionCount returns how many live sessions accountID holds.
func (e *Engine) ActiveSessionCount(ctx context.Context, accountID string) (int, error) {
	list, err := e.ListSessions(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// LockState reports the failure counter and lock of accountID as the next
// login attempt would see it: a lock whose time has passed is reported as
// cleared. Nothing is written.
func (e *Engine) LockState(ctx context.Context, accountID string) (AttemptState, error) {
	if e == nil || e.accounts == nil {
		return AttemptState{}, ErrEngineNotReady
	}
	acct, err := e.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return AttemptState{}, ErrNotFound
		}
		return AttemptState{}, storeUnavailable(e.logStoreErr("get_account", err))
	}

	st := AttemptState{
		FailedAttempts: acct.FailedLoginAttempts,
		Locked:         acct.Locked,
		LockUntil:      acct.LockUntil,
	}
	if st.Locked && (st.LockUntil.IsZero() || e.clock.Now().After(st.LockUntil)) {
		return AttemptState{}, nil
	}
	return st, nil
}
