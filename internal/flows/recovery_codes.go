package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// RecoveryCodeBytes is the entropy drawn for each recovery code.
	RecoveryCodeBytes = 10
	// DefaultRecoveryCodeCount is the size of one generation of codes.
	DefaultRecoveryCodeCount = 10

	recoveryGroupSize = 5
)

type RecoveryCodeMetrics struct {
	RecoveryCodesIssued int
	RecoveryCodeUsed    int
	RecoveryCodeFailed  int
}

type RecoveryCodeEvents struct {
	RecoveryCodesIssued string
	RecoveryCodeUsed    string
	RecoveryCodeFailed  string
}

type RecoveryCodeErrors struct {
	EngineNotReady      error
	NotFound            error
	InvalidRecoveryCode error
	RateLimited         error
	StoreUnavailable    error
}

// RecoveryCodeDeps captures recovery code flow dependencies. ReplaceCodes
// must swap the whole stored set in one step; ConsumeCode must mark a single
// unused entry as used and report whether one matched.
type RecoveryCodeDeps struct {
	Count int

	GetAccount     func(context.Context, string) (AccountRecord, error)
	IsNotFound     func(error) bool
	ReplaceCodes   func(context.Context, string, []string, time.Time) error
	ConsumeCode    func(context.Context, string, string, time.Time) (bool, error)
	CountRemaining func(context.Context, string) (int, error)

	CheckLimiter         func(context.Context, string) error
	RecordLimiterFailure func(context.Context, string) error
	ResetLimiter         func(context.Context, string) error
	IsRateLimited        func(error) bool

	Now        func() time.Time
	RandomRead func([]byte) (int, error)

	MetricInc func(int)
	EmitAudit AuditFunc

	Metrics RecoveryCodeMetrics
	Events  RecoveryCodeEvents
	Errors  RecoveryCodeErrors
}

// RunIssueRecoveryCodes generates count fresh codes for accountID, replaces
// the stored set with their digests and returns the plaintext codes once.
func RunIssueRecoveryCodes(ctx context.Context, accountID string, count int, deps RecoveryCodeDeps) ([]string, error) {
	normalizeRecoveryCodeDeps(&deps)

	if deps.GetAccount == nil || deps.ReplaceCodes == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return nil, deps.Errors.NotFound
	}
	if count <= 0 {
		count = deps.Count
	}

	if _, err := deps.GetAccount(ctx, accountID); err != nil {
		if deps.IsNotFound(err) {
			return nil, deps.Errors.NotFound
		}
		return nil, deps.Errors.StoreUnavailable
	}

	hashes := make([]string, 0, count)
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := NewRecoveryCode(deps.RandomRead)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, RecoveryCodeHash(accountID, CanonicalizeRecoveryCode(code)))
		codes = append(codes, code)
	}

	if err := deps.ReplaceCodes(ctx, accountID, hashes, deps.Now()); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.RecoveryCodesIssued)
	deps.EmitAudit(ctx, deps.Events.RecoveryCodesIssued, true, accountID, "", nil, func() map[string]string {
		return map[string]string{"count": itoa(count)}
	})
	return codes, nil
}

// RunConsumeRecoveryCode marks the matching unused code of accountID as used.
// Any mismatch, including a code that was already used, yields
// Errors.InvalidRecoveryCode.
func RunConsumeRecoveryCode(ctx context.Context, accountID, code string, deps RecoveryCodeDeps) error {
	normalizeRecoveryCodeDeps(&deps)

	if deps.ConsumeCode == nil {
		return deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return deps.Errors.InvalidRecoveryCode
	}

	if err := deps.CheckLimiter(ctx, accountID); err != nil {
		if deps.IsRateLimited(err) {
			return deps.Errors.RateLimited
		}
		return deps.Errors.StoreUnavailable
	}

	canonical := CanonicalizeRecoveryCode(code)
	if canonical == "" {
		return recoveryCodeFailure(ctx, accountID, deps)
	}

	ok, err := deps.ConsumeCode(ctx, accountID, RecoveryCodeHash(accountID, canonical), deps.Now())
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if !ok {
		return recoveryCodeFailure(ctx, accountID, deps)
	}

	_ = deps.ResetLimiter(ctx, accountID)
	deps.MetricInc(deps.Metrics.RecoveryCodeUsed)
	deps.EmitAudit(ctx, deps.Events.RecoveryCodeUsed, true, accountID, "", nil, nil)
	return nil
}

// RunRemainingRecoveryCodes returns how many unused codes accountID holds.
func RunRemainingRecoveryCodes(ctx context.Context, accountID string, deps RecoveryCodeDeps) (int, error) {
	normalizeRecoveryCodeDeps(&deps)

	if deps.CountRemaining == nil {
		return 0, deps.Errors.EngineNotReady
	}
	if accountID == "" {
		return 0, deps.Errors.NotFound
	}
	n, err := deps.CountRemaining(ctx, accountID)
	if err != nil {
		return 0, deps.Errors.StoreUnavailable
	}
	return n, nil
}

func recoveryCodeFailure(ctx context.Context, accountID string, deps RecoveryCodeDeps) error {
	deps.MetricInc(deps.Metrics.RecoveryCodeFailed)
	deps.EmitAudit(ctx, deps.Events.RecoveryCodeFailed, false, accountID, "", deps.Errors.InvalidRecoveryCode, nil)
	if err := deps.RecordLimiterFailure(ctx, accountID); err != nil {
		if deps.IsRateLimited(err) {
			return deps.Errors.RateLimited
		}
		return deps.Errors.StoreUnavailable
	}
	return deps.Errors.InvalidRecoveryCode
}

// NewRecoveryCode draws RecoveryCodeBytes random bytes and renders them as
// lower-case hex in dash-separated groups of five, e.g. 3f2a9-0c41b-77de0-5a1c2.
func NewRecoveryCode(read func([]byte) (int, error)) (string, error) {
	if read == nil {
		read = rand.Read
	}
	buf := make([]byte, RecoveryCodeBytes)
	if _, err := read(buf); err != nil {
		return "", err
	}
	return FormatRecoveryCode(hex.EncodeToString(buf)), nil
}

// FormatRecoveryCode inserts a dash after every five characters.
func FormatRecoveryCode(code string) string {
	if len(code) <= recoveryGroupSize {
		return code
	}
	var b strings.Builder
	b.Grow(len(code) + len(code)/recoveryGroupSize)
	for i := 0; i < len(code); i++ {
		if i > 0 && i%recoveryGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(code[i])
	}
	return b.String()
}

// CanonicalizeRecoveryCode lower-cases code and strips spaces and dashes.
// Nothing else is forgiven.
func CanonicalizeRecoveryCode(code string) string {
	s := strings.ToLower(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// RecoveryCodeHash returns hex(SHA-256(accountID || 0x00 || canonical)).
func RecoveryCodeHash(accountID, canonicalCode string) string {
	data := make([]byte, 0, len(accountID)+1+len(canonicalCode))
	data = append(data, accountID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeRecoveryCodeDeps(deps *RecoveryCodeDeps) {
	if deps.Count <= 0 {
		deps.Count = DefaultRecoveryCodeCount
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.CheckLimiter == nil {
		deps.CheckLimiter = func(context.Context, string) error { return nil }
	}
	if deps.RecordLimiterFailure == nil {
		deps.RecordLimiterFailure = func(context.Context, string) error { return nil }
	}
	if deps.ResetLimiter == nil {
		deps.ResetLimiter = func(context.Context, string) error { return nil }
	}
	if deps.IsRateLimited == nil {
		deps.IsRateLimited = func(error) bool { return false }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RandomRead == nil {
		deps.RandomRead = rand.Read
	}
	if deps.MetricInc == nil {
		deps.MetricInc = noopMetric
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = noopAudit
	}
}
