package rate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Counter records one event under key and returns how many events the key
// has seen within the trailing window, including this one.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter enforces a maximum number of events per key per sliding window.
type Limiter struct {
	counter Counter
	prefix  string
	max     int
	window  time.Duration
}

// New creates a [Limiter] allowing max events per window for each key.
func New(counter Counter, prefix string, max int, window time.Duration) *Limiter {
	return &Limiter{
		counter: counter,
		prefix:  prefix,
		max:     max,
		window:  window,
	}
}

// Allow records an attempt for key. It returns ErrRateLimited once the key
// has exceeded its budget, and an ErrUnavailable wrap when the counter fails.
// Attempts made while limited still count toward the window.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	if l == nil || l.counter == nil || l.max <= 0 {
		return nil
	}

	count, err := l.counter.Increment(ctx, l.prefix+key, l.window)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count > int64(l.max) {
		return ErrRateLimited
	}
	return nil
}

// UnknownSourceKey is the single bucket shared by login attempts that carry
// no client address. The submitted identifier is not used as a fallback: it
// is unauthenticated, and keying on it would let anyone spend another
// account's budget.
const UnknownSourceKey = "ip:unknown"

// LoginKey derives the limiter key for a login attempt from the client address.
func LoginKey(sourceIP string) string {
	if ip := strings.TrimSpace(sourceIP); ip != "" {
		return "ip:" + ip
	}
	return UnknownSourceKey
}
