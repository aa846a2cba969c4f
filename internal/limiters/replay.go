package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCodeReplayed is returned when a TOTP time step was already used.
var ErrCodeReplayed = errors.New("totp code already used")

const claimCounterScript = `
local last = tonumber(redis.call("GET", KEYS[1]) or "-1")
local counter = tonumber(ARGV[1])
if counter <= last then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`

var claimCounterLua = redis.NewScript(claimCounterScript)

// ReplayGuard remembers the last TOTP time step accepted for each account so
// a code observed in transit cannot be submitted a second time.
type ReplayGuard struct {
	redis     redis.UniversalClient
	namespace string
	retention time.Duration
}

// NewReplayGuard creates a guard whose keys are "<namespace>:<accountID>".
// retention must cover the verification window on both sides of the current
// step.
func NewReplayGuard(redisClient redis.UniversalClient, namespace string, retention time.Duration) *ReplayGuard {
	if namespace == "" {
		namespace = "totp_replay"
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &ReplayGuard{redis: redisClient, namespace: namespace, retention: retention}
}

func (g *ReplayGuard) key(accountID string) string {
	return g.namespace + ":" + accountID
}

// Claim records counter as used for accountID. It returns ErrCodeReplayed if
// counter is not newer than the last claimed step.
func (g *ReplayGuard) Claim(ctx context.Context, accountID string, counter uint64) error {
	if g == nil || g.redis == nil {
		return nil
	}
	ok, err := claimCounterLua.Run(ctx, g.redis,
		[]string{g.key(accountID)},
		counter, g.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok == 0 {
		return ErrCodeReplayed
	}
	return nil
}

// Forget drops the remembered step, e.g. when TOTP is disabled.
func (g *ReplayGuard) Forget(ctx context.Context, accountID string) error {
	if g == nil || g.redis == nil {
		return nil
	}
	if err := g.redis.Del(ctx, g.key(accountID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
