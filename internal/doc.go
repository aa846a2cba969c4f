// Package internal contains helpers that are private to authcore: reset
// token generation and hashing, and normalization of client-supplied device
// and address values.
//
// # Sub-packages
//
//   - flows: operation orchestration behind every Engine method
//   - guard: per-account failed-login state machine
//   - limiters: second-factor attempt limiters, reset throttle, TOTP replay guard
//   - rate: sliding-window source-address rate limiter
package internal
