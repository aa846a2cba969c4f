// Command authcore-demo serves the authcore engine over HTTP.
//
// With no flags it runs fully in-process: miniredis for sessions and
// limiters, SQLite in a temporary directory for accounts, and a log-only
// notifier that prints reset links. Point -redis and -db-dsn at real
// services to run it against PostgreSQL and Redis.
//
//	go run ./cmd/authcore-demo
//	curl -X POST localhost:8080/register -d '{"identifier":"alice","email":"alice@example.com","password":"correct-horse-battery"}'
//	curl -X POST localhost:8080/login -d '{"identifier":"alice","password":"correct-horse-battery"}'
//	curl localhost:8080/me -H "Authorization: Bearer <token>"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/logging"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/sqlstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type options struct {
	addr       string
	configFile string
	envFile    string
	dbDriver   string
	dbDSN      string
	redisAddr  string
	logLevel   string
	logFile    string
	dev        bool
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", ":8080", "listen address")
	flag.StringVar(&opts.configFile, "config", "", "authcore YAML config file")
	flag.StringVar(&opts.envFile, "env", ".env", "dotenv file applied over the config")
	flag.StringVar(&opts.dbDriver, "db-driver", sqlstore.DriverSQLite, "sqlite or postgres")
	flag.StringVar(&opts.dbDSN, "db-dsn", "", "database DSN; empty uses a temporary SQLite file")
	flag.StringVar(&opts.redisAddr, "redis", "", "redis address; empty starts miniredis")
	flag.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&opts.logFile, "log-file", "", "rotated JSON log file")
	flag.BoolVar(&opts.dev, "dev", true, "development console logging")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = opts.logLevel
	logCfg.Development = opts.dev
	if opts.logFile != "" {
		logCfg.File = opts.logFile
		logCfg.Rotation.Enabled = true
	}
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer func() { _ = logger.Sync() }()

	cfg := authcore.DefaultConfig()
	if opts.configFile != "" {
		if cfg, err = authcore.LoadConfigFile(opts.configFile); err != nil {
			return err
		}
	}
	if err := authcore.ApplyEnv(&cfg, opts.envFile); err != nil {
		return err
	}
	cfg.Audit.Enabled = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// -------- REDIS --------
	redisAddr := opts.redisAddr
	if redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		redisAddr = mr.Addr()
		logger.Info("using miniredis", zap.String("addr", redisAddr))
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
	defer rdb.Close()

	// -------- DATABASE --------
	dsn := opts.dbDSN
	if dsn == "" && opts.dbDriver == sqlstore.DriverSQLite {
		dir, err := os.MkdirTemp("", "authcore-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dsn = "file:" + filepath.Join(dir, "authcore.db") + "?_pragma=foreign_keys(1)"
	}
	store, err := sqlstore.Open(ctx, opts.dbDriver, dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	notifier, err := buildNotifier(logger)
	if err != nil {
		return err
	}
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
		return err
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(store).
		WithRecoveryCodeStore(store).
		WithAPIKeyStore(store).
		WithCredentialStore(hasher).
		WithNotifier(notifier).
		WithAuditSink(authcore.NewZapAuditSink(logger)).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.StartSweeper(ctx)

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           newServer(engine, store, hasher, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", opts.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildNotifier uses SMTP when SMTP_HOST is set and logs messages, bodies
// included, otherwise.
func buildNotifier(logger *zap.Logger) (authcore.Notifier, error) {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return notify.NewLogNotifier(logger, true), nil
	}
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	return notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:          host,
		Port:          port,
		Username:      os.Getenv("SMTP_USERNAME"),
		Password:      os.Getenv("SMTP_PASSWORD"),
		From:          os.Getenv("SMTP_FROM"),
		TLSPolicy:     os.Getenv("SMTP_TLS_POLICY"),
		Timeout:       10 * time.Second,
		RatePerSecond: 5,
		Burst:         10,
	}, logger)
}
