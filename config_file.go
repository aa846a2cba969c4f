package authcore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// LoadConfigFile reads a YAML file over [DefaultConfig]. Keys absent from
// the file keep their defaults. Key material is loaded from
// token.private_key_file and token.public_key_file when set.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := loadKeyFiles(&cfg.Token); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadKeyFiles(tc *TokenConfig) error {
	if tc.PrivateKeyFile != "" {
		b, err := os.ReadFile(tc.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		tc.PrivateKey = b
	}
	if tc.PublicKeyFile != "" {
		b, err := os.ReadFile(tc.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		tc.PublicKey = b
	}
	return nil
}

// ApplyEnv overlays AUTHCORE_* environment variables onto cfg. The given
// dotenv files (".env" when none are given) are loaded first; missing files
// are ignored and variables already set in the process environment win.
//
// Recognised variables:
//
//	AUTHCORE_TOKEN_TTL, AUTHCORE_TOKEN_SIGNING_METHOD, AUTHCORE_TOKEN_SECRET,
//	AUTHCORE_TOKEN_ISSUER, AUTHCORE_TOKEN_AUDIENCE,
//	AUTHCORE_TOKEN_PRIVATE_KEY_FILE, AUTHCORE_TOKEN_PUBLIC_KEY_FILE,
//	AUTHCORE_TOTP_ISSUER, AUTHCORE_LOCKOUT_THRESHOLD, AUTHCORE_LOCKOUT_DURATION,
//	AUTHCORE_RATE_LIMIT_MAX_ATTEMPTS, AUTHCORE_RATE_LIMIT_WINDOW,
//	AUTHCORE_SESSION_REDIS_PREFIX, AUTHCORE_RESET_TTL,
//	AUTHCORE_RESET_LINK_BASE_URL, AUTHCORE_AUDIT_ENABLED, AUTHCORE_METRICS_ENABLED
func ApplyEnv(cfg *Config, files ...string) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env files: %w", err)
	}

	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	dur("AUTHCORE_TOKEN_TTL", &cfg.Token.TTL)
	str("AUTHCORE_TOKEN_SIGNING_METHOD", &cfg.Token.SigningMethod)
	str("AUTHCORE_TOKEN_ISSUER", &cfg.Token.Issuer)
	str("AUTHCORE_TOKEN_AUDIENCE", &cfg.Token.Audience)
	str("AUTHCORE_TOKEN_PRIVATE_KEY_FILE", &cfg.Token.PrivateKeyFile)
	str("AUTHCORE_TOKEN_PUBLIC_KEY_FILE", &cfg.Token.PublicKeyFile)
	if v, ok := os.LookupEnv("AUTHCORE_TOKEN_SECRET"); ok {
		cfg.Token.PrivateKey = []byte(v)
	}
	str("AUTHCORE_TOTP_ISSUER", &cfg.TOTP.Issuer)
	integer("AUTHCORE_LOCKOUT_THRESHOLD", &cfg.Lockout.Threshold)
	dur("AUTHCORE_LOCKOUT_DURATION", &cfg.Lockout.Duration)
	integer("AUTHCORE_RATE_LIMIT_MAX_ATTEMPTS", &cfg.RateLimit.MaxAttempts)
	dur("AUTHCORE_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	str("AUTHCORE_SESSION_REDIS_PREFIX", &cfg.Session.RedisPrefix)
	dur("AUTHCORE_RESET_TTL", &cfg.PasswordReset.TTL)
	str("AUTHCORE_RESET_LINK_BASE_URL", &cfg.PasswordReset.LinkBaseURL)
	boolean("AUTHCORE_AUDIT_ENABLED", &cfg.Audit.Enabled)
	boolean("AUTHCORE_METRICS_ENABLED", &cfg.Metrics.Enabled)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return loadKeyFiles(&cfg.Token)
}
