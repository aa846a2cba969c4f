package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/guard"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/totp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Engine is the security core. It is created by [Builder.Build], is safe for
// concurrent use and holds no per-request state.
type Engine struct {
	config Config
	clock  clockwork.Clock
	logger *zap.Logger

	accounts    AccountStore
	recovery    RecoveryCodeStore
	apiKeys     APIKeyStore
	credentials CredentialStore
	signer      TokenSigner
	notifier    Notifier
	dummyHash   string

	sessions        *session.Store
	guard           *guard.Guard
	rateLimiter     *rate.Limiter
	validator       *totp.Validator
	totpLimiter     *limiters.AttemptLimiter
	recoveryLimiter *limiters.AttemptLimiter
	replay          *limiters.ReplayGuard
	resetLimiter    *limiters.PasswordResetLimiter

	audit   *auditDispatcher
	metrics *Metrics

	sweeping  atomic.Bool
	sweeperWG sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

// Close stops the sweeper, then drains and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.stop)
		e.sweeperWG.Wait()
		if e.audit != nil {
			e.audit.Close()
		}
	})
}

// AuditDropped returns how many audit events were dropped on a full queue.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeSince(id MetricID, start time.Time) {
	if e == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(id, e.clock.Since(start))
}

/*
====================================
SWEEPER
====================================
*/

// SweepResult reports one maintenance pass.
type SweepResult struct {
	SessionIndexEntries int
	ResetTokens         int
}

// Sweep removes dangling session index entries and expired reset tokens. It
// is idempotent and safe to run from several instances at once. Both steps
// run even if the first fails; their errors are joined.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	if e == nil || e.sessions == nil || e.accounts == nil {
		return SweepResult{}, ErrEngineNotReady
	}

	var (
		res  SweepResult
		errs []error
	)

	n, err := e.sessions.Sweep(ctx)
	res.SessionIndexEntries = n
	if err != nil {
		errs = append(errs, storeUnavailable(err))
	}

	n, err = e.accounts.SweepExpiredResetTokens(ctx, e.clock.Now())
	res.ResetTokens = n
	if err != nil {
		errs = append(errs, storeUnavailable(err))
	}

	if e.metrics != nil {
		e.metrics.Add(MetricSessionsSwept, uint64(res.SessionIndexEntries))
		e.metrics.Add(MetricResetTokensSwept, uint64(res.ResetTokens))
	}
	return res, errors.Join(errs...)
}

// StartSweeper runs Sweep every Config.Sweeper.Interval until ctx ends or
// the Engine is closed. Only the first call starts a loop; an interval of
// zero disables it.
func (e *Engine) StartSweeper(ctx context.Context) {
	if e == nil || e.config.Sweeper.Interval <= 0 {
		return
	}
	if !e.sweeping.CompareAndSwap(false, true) {
		return
	}

	ticker := e.clock.NewTicker(e.config.Sweeper.Interval)
	e.sweeperWG.Add(1)
	go func() {
		defer e.sweeperWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.Chan():
				res, err := e.Sweep(ctx)
				if err != nil {
					e.logger.Warn("sweep failed", zap.Error(err))
					continue
				}
				if res.SessionIndexEntries > 0 || res.ResetTokens > 0 {
					e.logger.Debug("sweep finished",
						zap.Int("session_index_entries", res.SessionIndexEntries),
						zap.Int("reset_tokens", res.ResetTokens))
				}
			}
		}
	}()
}

/*
====================================
SHARED HELPERS
====================================
*/

func storeUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// logStoreErr logs infrastructure failures of a store call and returns err
// unchanged. Expected outcomes such as ErrNotFound are not logged.
func (e *Engine) logStoreErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	e.logger.Warn("store call failed", zap.String("op", op), zap.Error(err))
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (e *Engine) metricIncFn() func(int) {
	return func(id int) {
		e.metricInc(MetricID(id))
	}
}

func (e *Engine) getFlowAccount(op string, get func(context.Context, string) (*Account, error)) func(context.Context, string) (internalflows.AccountRecord, error) {
	return func(ctx context.Context, key string) (internalflows.AccountRecord, error) {
		acct, err := get(ctx, key)
		if err != nil {
			return internalflows.AccountRecord{}, e.logStoreErr(op, err)
		}
		if acct == nil {
			return internalflows.AccountRecord{}, ErrNotFound
		}
		return toFlowAccount(acct), nil
	}
}

func toFlowAccount(a *Account) internalflows.AccountRecord {
	return internalflows.AccountRecord{
		ID:                  a.ID,
		Identifier:          a.Identifier,
		Email:               a.Email,
		PasswordHash:        a.PasswordHash,
		TOTPSecret:          a.TOTPSecret,
		TOTPEnabled:         a.TOTPEnabled,
		FailedLoginAttempts: a.FailedLoginAttempts,
		Locked:              a.Locked,
		LockUntil:           a.LockUntil,
		ResetTokenHash:      a.ResetTokenHash,
		ResetExpiresAt:      a.ResetExpiresAt,
	}
}

func fromFlowAccount(a internalflows.AccountRecord) *Account {
	return &Account{
		ID:                  a.ID,
		Identifier:          a.Identifier,
		Email:               a.Email,
		PasswordHash:        a.PasswordHash,
		TOTPSecret:          a.TOTPSecret,
		TOTPEnabled:         a.TOTPEnabled,
		FailedLoginAttempts: a.FailedLoginAttempts,
		Locked:              a.Locked,
		LockUntil:           a.LockUntil,
		ResetTokenHash:      a.ResetTokenHash,
		ResetExpiresAt:      a.ResetExpiresAt,
	}
}
