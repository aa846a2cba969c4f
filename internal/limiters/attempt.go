package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 5
	defaultCooldown    = time.Minute
)

var (
	// ErrAttemptsExceeded is returned once a subject used its failure budget.
	ErrAttemptsExceeded = errors.New("too many failed attempts")
	// ErrUnavailable wraps Redis failures in this package.
	ErrUnavailable = errors.New("limiter backend unavailable")
)

// AttemptConfig holds thresholds for an [AttemptLimiter]. Zero values fall
// back to 5 failures per minute.
type AttemptConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// AttemptLimiter counts failed second-factor attempts per subject in a fixed
// window. The engine uses one instance for TOTP codes and one for recovery
// codes, each under its own namespace.
type AttemptLimiter struct {
	redis       redis.UniversalClient
	namespace   string
	maxAttempts int64
	cooldown    time.Duration
}

// NewAttemptLimiter creates a limiter whose keys are "<namespace>:<subject>".
func NewAttemptLimiter(redisClient redis.UniversalClient, namespace string, cfg AttemptConfig) *AttemptLimiter {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = defaultMaxAttempts
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = defaultCooldown
	}
	return &AttemptLimiter{
		redis:       redisClient,
		namespace:   namespace,
		maxAttempts: int64(max),
		cooldown:    cd,
	}
}

func (l *AttemptLimiter) key(subject string) string {
	return l.namespace + ":" + subject
}

// Check returns ErrAttemptsExceeded when subject has no budget left.
func (l *AttemptLimiter) Check(ctx context.Context, subject string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	count, err := l.redis.Get(ctx, l.key(subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= l.maxAttempts {
		return ErrAttemptsExceeded
	}
	return nil
}

// RecordFailure counts one failure. The window starts at the first failure.
// It returns ErrAttemptsExceeded when this failure used the last attempt.
func (l *AttemptLimiter) RecordFailure(ctx context.Context, subject string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	count, err := l.redis.Incr(ctx, l.key(subject)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(subject), l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count >= l.maxAttempts {
		return ErrAttemptsExceeded
	}
	return nil
}

// Reset clears the failure count after a successful attempt.
func (l *AttemptLimiter) Reset(ctx context.Context, subject string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
