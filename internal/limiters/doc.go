// Package limiters provides Redis-backed throttles for second-factor and
// password-reset flows.
//
// # Limiters
//
//   - [AttemptLimiter]: per-account failure budget, used for TOTP ("att")
//     and recovery codes ("arc"), 5 failures per minute by default.
//   - [PasswordResetLimiter]: fixed-window cap on reset requests per identifier.
//   - [ReplayGuard]: remembers the last accepted TOTP time step per account.
//
// All limiters are nil-safe: calling any method on a nil receiver returns nil.
//
// Limiters count and report; the engine decides consequences.
package limiters
