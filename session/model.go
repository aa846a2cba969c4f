package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Session is one authenticated login of an account. TokenRef is the SHA-256
// of the signed token bound to the session; the raw token is never stored.
type Session struct {
	ID         string
	AccountID  string
	TokenRef   string
	Device     string
	IP         string
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time

	// IsCurrent is derived on read from the account's current-session pointer.
	IsCurrent bool
}

// TokenRef returns the reference stored for a signed token.
func TokenRef(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
