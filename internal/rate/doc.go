// Package rate implements the source-address login rate limiter and the
// sliding-window counters behind it.
//
// # Window semantics
//
// Sliding log: every attempt is recorded with its timestamp and attempts older
// than the window are discarded before counting. Two counters implement the
// same contract:
//   - RedisCounter: one sorted set per key, shared by every engine instance.
//   - MemoryCounter: a bounded in-process LRU for single-instance deployments.
//
// Key prefixes used by the engine:
//   - rl:login:ip:  login attempts per client address
//   - rl:login:id:  login attempts per identifier when no address is known
//
// The limiter shares no state with the per-account lockout guard.
package rate
