package flows

import (
	"context"
	"strconv"
	"time"
)

// AccountRecord is the flow-local view of a stored account.
type AccountRecord struct {
	ID                  string
	Identifier          string
	Email               string
	PasswordHash        string
	TOTPSecret          string
	TOTPEnabled         bool
	FailedLoginAttempts int
	Locked              bool
	LockUntil           time.Time
	ResetTokenHash      string
	ResetExpiresAt      time.Time
}

// AuditFunc emits one audit event: name, success, account id, session id,
// cause and a lazily built metadata map.
type AuditFunc func(context.Context, string, bool, string, string, error, func() map[string]string)

func noopAudit(context.Context, string, bool, string, string, error, func() map[string]string) {}

func noopMetric(int) {}

func itoa(n int) string {
	return strconv.Itoa(n)
}
