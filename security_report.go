package authcore

import (
	"time"

	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
)

// SecurityReport summarises the effective security posture of an Engine,
// for startup logs and health endpoints. It contains no key material.
type SecurityReport struct {
	SigningAlgorithm   string
	CustomTokenSigner  bool
	TokenTTL           time.Duration
	Argon2             PasswordConfigReport
	CustomCredentials  bool
	TOTPWindow         int
	RecoveryCodeCount  int
	LockoutThreshold   int
	LockoutDuration    time.Duration
	RateLimitingActive bool
	RateLimitBackend   string
	MaxSessions        int
	MaxActiveAPIKeys   int
	ResetTokenTTL      time.Duration
	ResetDelivery      bool
	RecoveryCodesReady bool
	APIKeysReady       bool
	AuditEnabled       bool
	SweeperInterval    time.Duration
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	cfg := e.config
	backend := ""
	if e.rateLimiter != nil {
		backend = cfg.RateLimit.Backend
	}
	_, builtinSigner := e.signer.(*jwt.Manager)
	_, builtinHasher := e.credentials.(*password.Hasher)

	return SecurityReport{
		SigningAlgorithm:  cfg.Token.SigningMethod,
		CustomTokenSigner: !builtinSigner,
		TokenTTL:          cfg.Token.TTL,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		},
		CustomCredentials:  !builtinHasher,
		TOTPWindow:         cfg.TOTP.Window,
		RecoveryCodeCount:  cfg.Recovery.CodeCount,
		LockoutThreshold:   cfg.Lockout.Threshold,
		LockoutDuration:    cfg.Lockout.Duration,
		RateLimitingActive: e.rateLimiter != nil,
		RateLimitBackend:   backend,
		MaxSessions:        cfg.Session.MaxPerAccount,
		MaxActiveAPIKeys:   cfg.APIKey.MaxActive,
		ResetTokenTTL:      cfg.PasswordReset.TTL,
		ResetDelivery:      e.notifier != nil,
		RecoveryCodesReady: e.recovery != nil,
		APIKeysReady:       e.apiKeys != nil,
		AuditEnabled:       e.audit != nil,
		SweeperInterval:    cfg.Sweeper.Interval,
	}
}
