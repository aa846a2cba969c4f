// Package guard implements the per-account failed-login state machine:
// Unlocked(n) moves to Unlocked(n+1) on a failure until n+1 reaches the
// threshold, which locks the account until now+LockDuration. A lock is
// cleared lazily on the first access after it expires; a success always
// returns to Unlocked(0).
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultThreshold is the number of consecutive failures that locks an account.
	DefaultThreshold = 5
	// DefaultLockDuration is how long a lock lasts.
	DefaultLockDuration = 15 * time.Minute
)

// State is the persisted failure state of one account.
type State struct {
	FailedAttempts int
	Locked         bool
	LockUntil      time.Time
}

// Store persists failure state. IncrementFailedLogins must be a single atomic
// operation: add one to the counter and, when the result reaches threshold,
// set Locked and LockUntil in the same step, then return the new state.
//
// ClearExpiredLock must reset the counter and lock fields only if the stored
// lock is set and its LockUntil is before now (or unset), and return the
// stored state after that conditional write. A lock applied after the caller
// read the account is left in place.
type Store interface {
	IncrementFailedLogins(ctx context.Context, accountID string, threshold int, lockUntil time.Time) (State, error)
	ClearExpiredLock(ctx context.Context, accountID string, now time.Time) (State, error)
	ResetFailedLogins(ctx context.Context, accountID string) error
}

// Config holds the lockout policy.
type Config struct {
	Threshold    int
	LockDuration time.Duration
}

// Guard applies the lockout policy through a Store.
type Guard struct {
	store Store
	clock clockwork.Clock
	cfg   Config
}

// New creates a Guard. Zero Config fields take the defaults.
func New(store Store, clock clockwork.Clock, cfg Config) *Guard {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Guard{store: store, clock: clock, cfg: cfg}
}

// CheckAndMaybeUnlock reports whether st is still locked. An expired lock, or
// a lock with no expiry recorded, is cleared in the store. st may be stale, so
// the answer for an expired lock comes from the store's state after the
// conditional clear.
func (g *Guard) CheckAndMaybeUnlock(ctx context.Context, accountID string, st State) (bool, error) {
	if !st.Locked {
		return false, nil
	}
	now := g.clock.Now()
	if !st.LockUntil.IsZero() && !now.After(st.LockUntil) {
		return true, nil
	}
	cur, err := g.store.ClearExpiredLock(ctx, accountID, now)
	if err != nil {
		return true, err
	}
	return cur.Locked, nil
}

// RecordFailure counts one failed attempt and returns the resulting state.
// The returned state is Locked when this failure reached the threshold.
func (g *Guard) RecordFailure(ctx context.Context, accountID string) (State, error) {
	if accountID == "" {
		return State{}, errors.New("account id required")
	}
	return g.store.IncrementFailedLogins(ctx, accountID, g.cfg.Threshold, g.clock.Now().Add(g.cfg.LockDuration))
}

// RecordSuccess returns the account to Unlocked(0).
func (g *Guard) RecordSuccess(ctx context.Context, accountID string, st State) error {
	if st.FailedAttempts == 0 && !st.Locked && st.LockUntil.IsZero() {
		return nil
	}
	return g.store.ResetFailedLogins(ctx, accountID)
}

// LockDuration returns the configured lock length.
func (g *Guard) LockDuration() time.Duration {
	return g.cfg.LockDuration
}
