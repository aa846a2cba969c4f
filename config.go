package authcore

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/guard"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
)

// Config holds every tunable of the Engine. Start from [DefaultConfig],
// override what is needed and pass it to [Builder.WithConfig]. A Config is
// copied on build and treated as immutable afterwards.
//
//	Docs: LoadConfigFile and ApplyEnv for file and environment overlays.
type Config struct {
	Token         TokenConfig         `yaml:"token"`
	Password      PasswordConfig      `yaml:"password"`
	TOTP          TOTPConfig          `yaml:"totp"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Lockout       LockoutConfig       `yaml:"lockout"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Session       SessionConfig       `yaml:"session"`
	APIKey        APIKeyConfig        `yaml:"api_key"`
	PasswordReset PasswordResetConfig `yaml:"password_reset"`
	Notices       NoticesConfig       `yaml:"notices"`
	Audit         AuditConfig         `yaml:"audit"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig configures the built-in JWT signer. It is ignored when a
// custom [TokenSigner] is supplied.
type TokenConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SigningMethod string        `yaml:"signing_method"` // "ed25519" (default) or "hs256"
	PrivateKey    []byte        `yaml:"-"`
	PublicKey     []byte        `yaml:"-"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
	KeyID         string        `yaml:"key_id"`

	// PrivateKeyFile and PublicKeyFile are read by LoadConfigFile.
	PrivateKeyFile string `yaml:"private_key_file"`
	PublicKeyFile  string `yaml:"public_key_file"`
}

// PasswordConfig holds Argon2id parameters and the length policy.
type PasswordConfig struct {
	Memory           uint32 `yaml:"memory"`
	Time             uint32 `yaml:"time"`
	Parallelism      uint8  `yaml:"parallelism"`
	SaltLength       uint32 `yaml:"salt_length"`
	KeyLength        uint32 `yaml:"key_length"`
	MinPasswordBytes int    `yaml:"min_password_bytes"`
	MaxPasswordBytes int    `yaml:"max_password_bytes"`
}

/*
====================================
SECOND FACTOR CONFIG
====================================
*/

// TOTPConfig configures TOTP enrolment and verification. Period, digits and
// algorithm are fixed at 30s, 6 and SHA-1.
type TOTPConfig struct {
	Issuer          string        `yaml:"issuer"`
	Window          int           `yaml:"window"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Cooldown        time.Duration `yaml:"cooldown"`
	ReplayRetention time.Duration `yaml:"replay_retention"`
}

// RecoveryConfig configures recovery codes.
type RecoveryConfig struct {
	CodeCount   int           `yaml:"code_count"`
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

/*
====================================
BRUTE FORCE CONFIG
====================================
*/

// LockoutConfig is the per-account lockout policy.
type LockoutConfig struct {
	Threshold int           `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
}

// RateLimitConfig is the per-source login rate limit. It is independent of
// the per-account lockout.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is "redis" (shared across instances) or "memory" (this
	// process only). Ignored when a custom Counter is supplied.
	Backend     string        `yaml:"backend"`
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	// MemoryCapacity bounds the number of keys the memory backend tracks.
	MemoryCapacity int `yaml:"memory_capacity"`
}

/*
====================================
SESSION / API KEY / RESET CONFIG
====================================
*/

// SessionConfig configures the Redis session store.
type SessionConfig struct {
	RedisPrefix   string `yaml:"redis_prefix"`
	MaxPerAccount int    `yaml:"max_per_account"`
}

// APIKeyConfig configures API key issuance.
type APIKeyConfig struct {
	MaxActive         int           `yaml:"max_active"`
	DefaultExpiry     time.Duration `yaml:"default_expiry"`
	DefaultPermission Permission    `yaml:"default_permission"`
}

// PasswordResetConfig configures reset tokens. LinkBaseURL receives the raw
// token as its "token" query parameter in the delivered message.
type PasswordResetConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	LinkBaseURL string        `yaml:"link_base_url"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// NoticesConfig selects which security notices are sent through the
// Notifier.
type NoticesConfig struct {
	AccountLocked   bool `yaml:"account_locked"`
	PasswordChanged bool `yaml:"password_changed"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig configures the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig configures in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// SweeperConfig configures the background maintenance loop started by
// [Engine.StartSweeper].
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the production defaults: 15 minute lockout after 5
// failures, 5 login attempts per source per 15 minutes, 5 sessions per
// account, 10 API keys per account and 10 minute reset tokens.
func DefaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		Token: TokenConfig{
			TTL:           24 * time.Hour,
			SigningMethod: "ed25519",
		},
		Password: PasswordConfig{
			Memory:           pw.Memory,
			Time:             pw.Time,
			Parallelism:      pw.Parallelism,
			SaltLength:       pw.SaltLength,
			KeyLength:        pw.KeyLength,
			MinPasswordBytes: password.DefaultMinPasswordBytes,
			MaxPasswordBytes: password.DefaultMaxPasswordBytes,
		},
		TOTP: TOTPConfig{
			Issuer:          "authcore",
			Window:          1,
			MaxAttempts:     5,
			Cooldown:        time.Minute,
			ReplayRetention: 5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			CodeCount:   10,
			MaxAttempts: 5,
			Cooldown:    time.Minute,
		},
		Lockout: LockoutConfig{
			Threshold: guard.DefaultThreshold,
			Duration:  guard.DefaultLockDuration,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			Backend:        "redis",
			MaxAttempts:    5,
			Window:         15 * time.Minute,
			MemoryCapacity: 10000,
		},
		Session: SessionConfig{
			RedisPrefix:   "ac",
			MaxPerAccount: session.DefaultMaxPerAccount,
		},
		APIKey: APIKeyConfig{
			MaxActive:         10,
			DefaultExpiry:     365 * 24 * time.Hour,
			DefaultPermission: PermissionRead,
		},
		PasswordReset: PasswordResetConfig{
			TTL:         10 * time.Minute,
			MaxRequests: 3,
			Window:      time.Hour,
		},
		Notices: NoticesConfig{
			AccountLocked:   true,
			PasswordChanged: true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Sweeper: SweeperConfig{
			Interval: time.Minute,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting. Key material is checked by
// the signer at build time, not here.
func (c *Config) Validate() error {
	// Token
	if c.Token.TTL <= 0 {
		return errors.New("Token TTL must be > 0")
	}
	switch strings.ToLower(c.Token.SigningMethod) {
	case "ed25519", "hs256":
	default:
		return errors.New("unsupported token signing method")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > time.Minute {
		return errors.New("Token Leeway must be between 0 and 1m")
	}

	// Password
	if c.Password.MinPasswordBytes <= 0 {
		return errors.New("Password MinPasswordBytes must be > 0")
	}
	if c.Password.MaxPasswordBytes < c.Password.MinPasswordBytes {
		return errors.New("Password MaxPasswordBytes must be >= MinPasswordBytes")
	}

	// TOTP / recovery
	if c.TOTP.Window < 0 || c.TOTP.Window > 3 {
		return errors.New("TOTP Window must be between 0 and 3")
	}
	if c.TOTP.MaxAttempts <= 0 || c.TOTP.Cooldown <= 0 {
		return errors.New("TOTP MaxAttempts and Cooldown must be > 0")
	}
	if c.TOTP.ReplayRetention < time.Duration(2*c.TOTP.Window+1)*30*time.Second {
		return errors.New("TOTP ReplayRetention must cover the verification window")
	}
	if c.Recovery.CodeCount <= 0 || c.Recovery.CodeCount > 100 {
		return errors.New("Recovery CodeCount must be between 1 and 100")
	}
	if c.Recovery.MaxAttempts <= 0 || c.Recovery.Cooldown <= 0 {
		return errors.New("Recovery MaxAttempts and Cooldown must be > 0")
	}

	// Lockout / rate limit
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.MaxAttempts <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("RateLimit MaxAttempts and Window must be > 0 when enabled")
	}
	switch c.RateLimit.Backend {
	case "redis", "":
	case "memory":
		if c.RateLimit.MemoryCapacity <= 0 {
			return errors.New("RateLimit MemoryCapacity must be > 0 for the memory backend")
		}
	default:
		return errors.New("RateLimit Backend must be redis or memory")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.MaxPerAccount <= 0 {
		return errors.New("Session MaxPerAccount must be > 0")
	}

	// API keys
	if c.APIKey.MaxActive <= 0 {
		return errors.New("APIKey MaxActive must be > 0")
	}
	if c.APIKey.DefaultExpiry <= 0 {
		return errors.New("APIKey DefaultExpiry must be > 0")
	}
	if c.APIKey.DefaultPermission != "" && !c.APIKey.DefaultPermission.Valid() {
		return errors.New("APIKey DefaultPermission is not a known permission")
	}

	// Password reset
	if c.PasswordReset.TTL <= 0 {
		return errors.New("PasswordReset TTL must be > 0")
	}
	if c.PasswordReset.MaxRequests < 0 || (c.PasswordReset.MaxRequests > 0 && c.PasswordReset.Window <= 0) {
		return errors.New("PasswordReset Window must be > 0 when MaxRequests is set")
	}

	// Observability
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Sweeper.Interval < 0 {
		return errors.New("Sweeper Interval must be >= 0")
	}

	return nil
}
