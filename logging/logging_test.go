package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestConsoleJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := build(Config{Level: "warn"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("dropped")
	logger.Named("authcore").Warn("store unavailable", zap.String("op", "login"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "authcore", entry["logger"])
	require.Equal(t, "store unavailable", entry["msg"])
	require.Equal(t, "login", entry["op"])
	require.Contains(t, entry, "ts")
}

func TestRotatingFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authcore.log")
	cfg := DefaultConfig()
	cfg.Console = false
	cfg.File = path
	cfg.Rotation.Enabled = true

	logger, closer, err := New(cfg)
	require.NoError(t, err)
	logger.Info("engine started", zap.Int("sessions", 5))
	_ = logger.Sync()
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"engine started"`)
	require.Contains(t, string(data), `"sessions":5`)
}

func TestPlainFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.log")
	logger, closer, err := New(Config{File: path})
	require.NoError(t, err)
	logger.Error("boom")
	_ = logger.Sync()
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"level":"error"`)
}
