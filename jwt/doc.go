// Package jwt signs and verifies the session tokens that bind a login to a
// server-side session record. Tokens carry the account id as sub, the session
// id as sid, and iat/exp; the session's expiry is taken from exp.
package jwt
