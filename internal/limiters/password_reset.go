package limiters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrResetRateLimited is returned when an identifier requested too many resets.
var ErrResetRateLimited = errors.New("reset rate limited")

// PasswordResetConfig bounds reset requests per identifier per window.
type PasswordResetConfig struct {
	MaxRequests int
	Window      time.Duration
}

// PasswordResetLimiter throttles reset requests so the notifier cannot be
// used to flood a mailbox.
type PasswordResetLimiter struct {
	redis     redis.UniversalClient
	namespace string
	config    PasswordResetConfig
}

// NewPasswordResetLimiter creates a limiter whose keys are
// "<namespace>:<identifier>". A non-positive MaxRequests disables it.
func NewPasswordResetLimiter(redisClient redis.UniversalClient, namespace string, cfg PasswordResetConfig) *PasswordResetLimiter {
	if namespace == "" {
		namespace = "reset_requests"
	}
	return &PasswordResetLimiter{
		redis:     redisClient,
		namespace: namespace,
		config:    cfg,
	}
}

// CheckRequest counts one request for identifier in a fixed window.
func (l *PasswordResetLimiter) CheckRequest(ctx context.Context, identifier string) error {
	if l == nil || l.redis == nil || l.config.MaxRequests <= 0 {
		return nil
	}
	key := l.namespace + ":" + strings.ToLower(strings.TrimSpace(identifier))

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count > int64(l.config.MaxRequests) {
		return ErrResetRateLimited
	}
	return nil
}
