// Package authcore is the security core of an account system: TOTP second
// factor, one-time recovery codes, failed-login lockout with a separate
// source-address rate limit, Redis-backed sessions bound to signed tokens,
// API keys and password reset tokens.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// the error sentinels and value types. Flow orchestration, rate limiting and
// attempt limiting live under internal/ and are never exported. Durable
// state sits behind [AccountStore], [RecoveryCodeStore] and [APIKeyStore];
// package sqlstore implements them on PostgreSQL and SQLite.
//
// # What this package must NOT do
//
//   - Store or log raw passwords, tokens, recovery codes or API key secrets.
//   - Tell callers why a credential was rejected beyond the documented errors.
//   - Import any sub-package that re-imports authcore (no import cycles).
package authcore
