package authcore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/authcore/internal/guard"
	"github.com/MrEthical07/authcore/internal/limiters"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
	"github.com/MrEthical07/authcore/totp"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. Redis and an AccountStore are required;
// every other collaborator has a default or, for the recovery code and API
// key stores, leaves the matching operations returning [ErrEngineNotReady].
//
// A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	accounts    AccountStore
	recovery    RecoveryCodeStore
	apiKeys     APIKeyStore
	credentials CredentialStore
	signer      TokenSigner
	notifier    Notifier
	counter     Counter
	auditSink   AuditSink

	clock  clockwork.Clock
	logger *zap.Logger

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing sessions, second-factor limiters, the
// TOTP replay guard and, with the redis backend, the login rate limiter.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAccountStore(s AccountStore) *Builder {
	b.accounts = s
	return b
}

func (b *Builder) WithRecoveryCodeStore(s RecoveryCodeStore) *Builder {
	b.recovery = s
	return b
}

func (b *Builder) WithAPIKeyStore(s APIKeyStore) *Builder {
	b.apiKeys = s
	return b
}

// WithCredentialStore replaces the built-in Argon2id hasher configured from
// Config.Password.
func (b *Builder) WithCredentialStore(s CredentialStore) *Builder {
	b.credentials = s
	return b
}

// WithTokenSigner replaces the built-in JWT signer configured from
// Config.Token.
func (b *Builder) WithTokenSigner(s TokenSigner) *Builder {
	b.signer = s
	return b
}

// WithNotifier sets where reset links and security notices are sent.
// Without one, password reset requests are accepted but never delivered.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithCounter replaces the rate limiter backend selected by
// Config.RateLimit.Backend.
func (b *Builder) WithCounter(c Counter) *Builder {
	b.counter = c
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.accounts == nil {
		return nil, errors.New("account store required")
	}

	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("authcore")

	engine := &Engine{
		config:    cfg,
		clock:     clock,
		logger:    logger,
		accounts:  b.accounts,
		recovery:  b.recovery,
		apiKeys:   b.apiKeys,
		notifier:  b.notifier,
		stop:      make(chan struct{}),
		validator: totp.NewValidator(clock),
	}

	// -------- CREDENTIALS --------
	engine.credentials = b.credentials
	if engine.credentials == nil {
		hasher, err := password.NewHasher(password.Config{
			Memory:           cfg.Password.Memory,
			Time:             cfg.Password.Time,
			Parallelism:      cfg.Password.Parallelism,
			SaltLength:       cfg.Password.SaltLength,
			KeyLength:        cfg.Password.KeyLength,
			MinPasswordBytes: cfg.Password.MinPasswordBytes,
			MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
		})
		if err != nil {
			return nil, err
		}
		engine.credentials = hasher
	}
	dummy, err := dummyHash(engine.credentials)
	if err != nil {
		return nil, err
	}
	engine.dummyHash = dummy

	// -------- TOKENS --------
	engine.signer = b.signer
	if engine.signer == nil {
		jm, err := newJWTManager(cfg.Token, clock, logger)
		if err != nil {
			return nil, err
		}
		engine.signer = jm
	}

	// -------- SESSIONS --------
	engine.sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.MaxPerAccount, clock)

	// -------- BRUTE FORCE --------
	engine.guard = guard.New(b.accounts, clock, guard.Config{
		Threshold:    cfg.Lockout.Threshold,
		LockDuration: cfg.Lockout.Duration,
	})
	if cfg.RateLimit.Enabled {
		counter := rate.Counter(b.counter)
		if counter == nil {
			switch cfg.RateLimit.Backend {
			case "memory":
				counter = rate.NewMemoryCounter(cfg.RateLimit.MemoryCapacity, cfg.RateLimit.Window, clock)
			default:
				counter = rate.NewRedisCounter(b.redis, clock)
			}
		}
		engine.rateLimiter = rate.New(counter, cfg.Session.RedisPrefix+":rl:login:", cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window)
	}

	// -------- SECOND FACTOR --------
	engine.totpLimiter = limiters.NewAttemptLimiter(b.redis, cfg.Session.RedisPrefix+":totp_attempts", limiters.AttemptConfig{
		MaxAttempts: cfg.TOTP.MaxAttempts,
		Cooldown:    cfg.TOTP.Cooldown,
	})
	engine.recoveryLimiter = limiters.NewAttemptLimiter(b.redis, cfg.Session.RedisPrefix+":recovery_attempts", limiters.AttemptConfig{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		Cooldown:    cfg.Recovery.Cooldown,
	})
	engine.replay = limiters.NewReplayGuard(b.redis, cfg.Session.RedisPrefix+":totp_replay", cfg.TOTP.ReplayRetention)
	engine.resetLimiter = limiters.NewPasswordResetLimiter(b.redis, cfg.Session.RedisPrefix+":reset_requests", limiters.PasswordResetConfig{
		MaxRequests: cfg.PasswordReset.MaxRequests,
		Window:      cfg.PasswordReset.Window,
	})

	// -------- OBSERVABILITY --------
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, logger)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}

// newJWTManager builds the default signer. An ed25519 configuration without
// any key material gets a key pair generated for this process; tokens then
// stop verifying after a restart.
func newJWTManager(tc TokenConfig, clock clockwork.Clock, logger *zap.Logger) (*jwt.Manager, error) {
	method := jwt.SigningMethod(strings.ToLower(tc.SigningMethod))
	priv := cloneBytes(tc.PrivateKey)
	pub := cloneBytes(tc.PublicKey)

	if method == jwt.MethodEd25519 && len(priv) == 0 && len(pub) == 0 {
		pk, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		priv, pub = sk, pk
		logger.Warn("no token keys configured, using an ephemeral ed25519 key pair")
	}

	return jwt.NewManager(jwt.Config{
		TTL:           tc.TTL,
		SigningMethod: method,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        tc.Issuer,
		Audience:      tc.Audience,
		Leeway:        tc.Leeway,
		KeyID:         tc.KeyID,
	}, clock)
}

// dummyHash hashes a random value with the active credential store. Logins
// for unknown accounts verify against it so they cost the same as a wrong
// password.
func dummyHash(cs CredentialStore) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	h, err := cs.Hash(hex.EncodeToString(buf))
	if err != nil {
		return "", fmt.Errorf("compute dummy hash: %w", err)
	}
	return h, nil
}
