package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every failure talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrSessionNotFound is returned for missing, expired or deleted sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned by Create when ExpiresAt is not in the future.
var ErrSessionExpired = errors.New("session already expired")

// DefaultMaxPerAccount is the number of live sessions kept per account.
const DefaultMaxPerAccount = 5

const createSessionScript = `
local sess_key = KEYS[1]
local index_key = KEYS[2]
local seq_key = KEYS[3]
local current_key = KEYS[4]
local sid = ARGV[1]
local ttl = tonumber(ARGV[8])
local cap = tonumber(ARGV[9])
local now = tonumber(ARGV[10])
local sess_prefix = ARGV[11]

redis.call("HSET", sess_key, "aid", ARGV[2], "ref", ARGV[3], "dev", ARGV[4], "ip", ARGV[5], "c", ARGV[6], "la", ARGV[6], "e", ARGV[7])
redis.call("PEXPIRE", sess_key, ttl)

local seq = redis.call("INCR", seq_key)
redis.call("ZADD", index_key, seq, sid)

local function extend(key)
  if redis.call("PTTL", key) < ttl then
    redis.call("PEXPIRE", key, ttl)
  end
end
extend(index_key)
extend(seq_key)
redis.call("SET", current_key, sid)
redis.call("PEXPIRE", current_key, redis.call("PTTL", index_key))

local members = redis.call("ZRANGE", index_key, 0, -1)
for _, member in ipairs(members) do
  if member ~= sid then
    local e = redis.call("HGET", sess_prefix .. member, "e")
    if not e or tonumber(e) <= now then
      redis.call("DEL", sess_prefix .. member)
      redis.call("ZREM", index_key, member)
    end
  end
end

local pruned = {}
local count = redis.call("ZCARD", index_key)
if count > cap then
  local victims = redis.call("ZRANGE", index_key, 0, count - cap - 1)
  for _, victim in ipairs(victims) do
    redis.call("DEL", sess_prefix .. victim)
    redis.call("ZREM", index_key, victim)
    table.insert(pruned, victim)
  end
end
return pruned
`

var createSessionLua = redis.NewScript(createSessionScript)

const deleteSessionScript = `
local existed = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("GET", KEYS[3]) == ARGV[1] then
  redis.call("DEL", KEYS[3])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

const deleteOthersScript = `
local index_key = KEYS[1]
local current_key = KEYS[2]
local keep = ARGV[1]
local sess_prefix = ARGV[2]

local removed = 0
local members = redis.call("ZRANGE", index_key, 0, -1)
for _, member in ipairs(members) do
  if member ~= keep then
    removed = removed + redis.call("DEL", sess_prefix .. member)
    redis.call("ZREM", index_key, member)
  end
end

if keep ~= "" and redis.call("EXISTS", sess_prefix .. keep) == 1 then
  local remaining = redis.call("PTTL", index_key)
  redis.call("SET", current_key, keep)
  if remaining > 0 then
    redis.call("PEXPIRE", current_key, remaining)
  end
else
  redis.call("DEL", current_key)
end
return removed
`

var deleteOthersLua = redis.NewScript(deleteOthersScript)

const touchSessionScript = `
local e = redis.call("HGET", KEYS[1], "e")
if not e or tonumber(e) <= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "la", ARGV[1])
return 1
`

var touchSessionLua = redis.NewScript(touchSessionScript)

const sweepIndexScript = `
local index_key = KEYS[1]
local current_key = KEYS[2]
local now = tonumber(ARGV[1])
local sess_prefix = ARGV[2]

local removed = 0
local members = redis.call("ZRANGE", index_key, 0, -1)
for _, member in ipairs(members) do
  local e = redis.call("HGET", sess_prefix .. member, "e")
  if not e or tonumber(e) <= now then
    redis.call("DEL", sess_prefix .. member)
    redis.call("ZREM", index_key, member)
    removed = removed + 1
  end
end

local current = redis.call("GET", current_key)
if current and not redis.call("ZSCORE", index_key, current) then
  redis.call("DEL", current_key)
end
if redis.call("ZCARD", index_key) == 0 then
  redis.call("DEL", index_key, current_key)
end
return removed
`

var sweepIndexLua = redis.NewScript(sweepIndexScript)

// Store is a Redis-backed session store. Expiry is enforced twice: Redis
// TTLs on the session hashes, and a comparison against the injected clock on
// every read so callers never see a session past ExpiresAt.
type Store struct {
	redis         redis.UniversalClient
	prefix        string
	maxPerAccount int
	clock         clockwork.Clock
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace; maxPerAccount caps live sessions per
// account (DefaultMaxPerAccount when <= 0). A nil clock means wall-clock time.
func NewStore(rdb redis.UniversalClient, prefix string, maxPerAccount int, clock clockwork.Clock) *Store {
	if maxPerAccount <= 0 {
		maxPerAccount = DefaultMaxPerAccount
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		redis:         rdb,
		prefix:        prefix,
		maxPerAccount: maxPerAccount,
		clock:         clock,
	}
}

func (s *Store) sessionPrefix() string {
	return s.prefix + ":s:"
}

func (s *Store) key(sessionID string) string {
	return s.sessionPrefix() + sessionID
}

func (s *Store) indexPrefix() string {
	return s.prefix + ":a:"
}

func (s *Store) indexKey(accountID string) string {
	return s.indexPrefix() + accountID
}

func (s *Store) seqKey(accountID string) string {
	return s.prefix + ":q:" + accountID
}

func (s *Store) currentKey(accountID string) string {
	return s.prefix + ":c:" + accountID
}

// Create stores sess, makes it the account's current session and prunes the
// account's sessions to the configured cap, oldest by creation first. It
// returns the ids of pruned sessions. CreatedAt and LastActive are set to now.
//
//	Performance: 1 EVALSHA.
func (s *Store) Create(ctx context.Context, sess *Session) ([]string, error) {
	if sess == nil || sess.ID == "" || sess.AccountID == "" {
		return nil, errors.New("session id and account id are required")
	}
	now := s.clock.Now()
	ttl := sess.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil, ErrSessionExpired
	}
	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}

	sess.CreatedAt = now
	sess.LastActive = now
	sess.IsCurrent = true

	keys := []string{
		s.key(sess.ID),
		s.indexKey(sess.AccountID),
		s.seqKey(sess.AccountID),
		s.currentKey(sess.AccountID),
	}
	pruned, err := createSessionLua.Run(ctx, s.redis, keys,
		sess.ID,
		sess.AccountID,
		sess.TokenRef,
		sess.Device,
		sess.IP,
		now.UnixMilli(),
		sess.ExpiresAt.UnixMilli(),
		ttlMillis,
		s.maxPerAccount,
		now.UnixMilli(),
		s.sessionPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return pruned, nil
}

// Get returns the live session with id sessionID.
//
//	Performance: 2 Redis round trips (HGETALL + GET).
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sess, ok := decodeSession(sessionID, fields)
	if !ok || !sess.ExpiresAt.After(s.clock.Now()) {
		return nil, ErrSessionNotFound
	}

	current, err := s.redis.Get(ctx, s.currentKey(sess.AccountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sess.IsCurrent = current == sess.ID
	return sess, nil
}

// List returns the account's live sessions ordered by LastActive, most
// recent first. Entries past ExpiresAt are omitted even if the sweep has not
// removed them yet.
//
//	Performance: 2 Redis round trips (ZRANGE + pipelined HGETALL/GET).
func (s *Store) List(ctx context.Context, accountID string) ([]*Session, error) {
	ids, err := s.redis.ZRange(ctx, s.indexKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	currentCmd := pipe.Get(ctx, s.currentKey(accountID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	current, err := currentCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := s.clock.Now()
	out := make([]*Session, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		sess, ok := decodeSession(id, fields)
		if !ok || sess.AccountID != accountID || !sess.ExpiresAt.After(now) {
			continue
		}
		sess.IsCurrent = sess.ID == current
		out = append(out, sess)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out, nil
}

// Delete removes one session and its index entry. Deleting a missing session
// is not an error; the returned bool reports whether anything was removed.
func (s *Store) Delete(ctx context.Context, accountID, sessionID string) (bool, error) {
	keys := []string{s.key(sessionID), s.indexKey(accountID), s.currentKey(accountID)}
	existed, err := deleteSessionLua.Run(ctx, s.redis, keys, sessionID).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return existed == 1, nil
}

// DeleteAllExcept removes every session of the account except keepID and
// makes keepID current when it still exists. An empty keepID removes all
// sessions. It returns the number of sessions removed.
func (s *Store) DeleteAllExcept(ctx context.Context, accountID, keepID string) (int, error) {
	keys := []string{s.indexKey(accountID), s.currentKey(accountID)}
	removed, err := deleteOthersLua.Run(ctx, s.redis, keys, keepID, s.sessionPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(removed), nil
}

// DeleteAll removes every session of the account.
func (s *Store) DeleteAll(ctx context.Context, accountID string) (int, error) {
	return s.DeleteAllExcept(ctx, accountID, "")
}

// Touch records activity on a live session. It never recreates a session
// that was deleted or has expired.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	updated, err := touchSessionLua.Run(ctx, s.redis, []string{s.key(sessionID)}, s.clock.Now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if updated == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Sweep walks every account index and removes entries whose session hash is
// gone or expired, along with dangling current-session pointers. It is
// idempotent and safe to run concurrently with itself and with Create.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	pattern := s.indexPrefix() + "*"
	now := s.clock.Now().UnixMilli()

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		for _, indexKey := range keys {
			accountID := strings.TrimPrefix(indexKey, s.indexPrefix())
			n, err := sweepIndexLua.Run(ctx, s.redis,
				[]string{indexKey, s.currentKey(accountID)},
				now, s.sessionPrefix(),
			).Int64()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping measures a Redis round trip.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeSession(id string, fields map[string]string) (*Session, bool) {
	if len(fields) == 0 || fields["aid"] == "" {
		return nil, false
	}
	created, err1 := strconv.ParseInt(fields["c"], 10, 64)
	lastActive, err2 := strconv.ParseInt(fields["la"], 10, 64)
	expires, err3 := strconv.ParseInt(fields["e"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	return &Session{
		ID:         id,
		AccountID:  fields["aid"],
		TokenRef:   fields["ref"],
		Device:     fields["dev"],
		IP:         fields["ip"],
		CreatedAt:  time.UnixMilli(created),
		LastActive: time.UnixMilli(lastActive),
		ExpiresAt:  time.UnixMilli(expires),
	}, true
}
