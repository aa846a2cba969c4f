// Package session provides Redis-backed session persistence.
//
// # Key layout
//
//	<prefix>:s:<sid>   HASH  aid ref dev ip c la e (times in unix milliseconds)
//	<prefix>:a:<aid>   ZSET  session ids scored by creation sequence
//	<prefix>:q:<aid>   STRING creation sequence counter
//	<prefix>:c:<aid>   STRING id of the account's current session
//
// Session hashes expire with the token they are bound to. Multi-key mutations
// (create with cap pruning, delete, revoke-all-others, sweep) run as single Lua
// scripts so concurrent callers never observe a half-applied change.
//
// This package does not interpret tokens or decide who may revoke what; those
// checks belong to the Engine.
package session
