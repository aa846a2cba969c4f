package rate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps one sorted set per key, scored by event time in
// milliseconds.
//
//	Performance: 1 MULTI/EXEC (ZREMRANGEBYSCORE + ZADD + ZCARD + PEXPIRE).
type RedisCounter struct {
	redis redis.UniversalClient
	clock clockwork.Clock
}

// NewRedisCounter creates a [RedisCounter]. A nil clock means wall-clock time.
func NewRedisCounter(rdb redis.UniversalClient, clock clockwork.Clock) *RedisCounter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisCounter{redis: rdb, clock: clock}
}

// Increment implements [Counter].
func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := c.clock.Now().UnixMilli()
	cutoff := now - window.Milliseconds()

	var card *redis.IntCmd
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: uuid.NewString()})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// MemoryCounter is a bounded in-process [Counter]. Keys idle for longer than
// the idle TTL, or pushed out by newer keys, are forgotten.
type MemoryCounter struct {
	mu    sync.Mutex
	logs  *expirable.LRU[string, []time.Time]
	clock clockwork.Clock
}

// NewMemoryCounter creates a [MemoryCounter] tracking at most size keys. idle
// should be at least the longest window used with it.
func NewMemoryCounter(size int, idle time.Duration, clock clockwork.Clock) *MemoryCounter {
	if size <= 0 {
		size = 10000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCounter{
		logs:  expirable.NewLRU[string, []time.Time](size, nil, idle),
		clock: clock,
	}
}

// Increment implements [Counter].
func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.clock.Now()
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	previous, _ := c.logs.Get(key)
	kept := make([]time.Time, 0, len(previous)+1)
	for _, at := range previous {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	c.logs.Add(key, kept)

	return int64(len(kept)), nil
}
