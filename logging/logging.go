// Package logging builds the zap loggers used by authcore binaries.
//
// Console output uses the console encoder in development and JSON
// otherwise. File output is always JSON and is rotated with lumberjack when
// Rotation.Enabled is set.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// Console enables stderr output. It is implied when File is empty.
	Console  bool     `yaml:"console"`
	File     string   `yaml:"file"`
	Rotation Rotation `yaml:"rotation"`
}

type Rotation struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: true,
		Rotation: Rotation{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// ParseLevel maps a level name to a zapcore.Level. An empty name is info.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", name)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a logger from cfg. The returned closer releases the log file,
// if any; call it after Sync on shutdown.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	return build(cfg, zapcore.Lock(os.Stderr))
}

func build(cfg Config, console zapcore.WriteSyncer) (*zap.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	var (
		cores  []zapcore.Core
		closer io.Closer = nopCloser{}
	)
	if cfg.Console || cfg.File == "" {
		enc := zapcore.NewJSONEncoder(encoderConfig())
		if cfg.Development {
			devCfg := encoderConfig()
			devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
			enc = zapcore.NewConsoleEncoder(devCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, console, atomic))
	}
	if cfg.File != "" {
		ws, c, err := fileSyncer(cfg.File, cfg.Rotation)
		if err != nil {
			return nil, nil, err
		}
		closer = c
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, atomic))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), closer, nil
}

func fileSyncer(path string, r Rotation) (zapcore.WriteSyncer, io.Closer, error) {
	if r.Enabled {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		}
		return zapcore.AddSync(lj), lj, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return zapcore.AddSync(f), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
