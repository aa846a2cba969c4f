package notify

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*mail.Msg
	err  error
}

func (f *fakeSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, messages...)
	return nil
}

func TestSMTPNotifierBuildsMessage(t *testing.T) {
	fs := &fakeSender{}
	n := newSMTPNotifier(fs, SMTPConfig{From: "security@example.com"}, nil)

	err := n.Send(context.Background(), "alice@example.com", "Reset your password", "https://app.example.com/reset?token=abc")
	require.NoError(t, err)
	require.Len(t, fs.sent, 1)

	msg := fs.sent[0]
	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	require.Equal(t, []string{"alice@example.com"}, rcpts)
	require.Equal(t, []string{"Reset your password"}, msg.GetGenHeader(mail.HeaderSubject))

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "security@example.com")
}

func TestSMTPNotifierRejectsBadDestination(t *testing.T) {
	fs := &fakeSender{}
	n := newSMTPNotifier(fs, SMTPConfig{From: "security@example.com"}, nil)

	require.Error(t, n.Send(context.Background(), "not an address", "s", "b"))
	require.Empty(t, fs.sent)
}

func TestSMTPNotifierWrapsSendFailure(t *testing.T) {
	boom := errors.New("connection refused")
	n := newSMTPNotifier(&fakeSender{err: boom}, SMTPConfig{From: "security@example.com"}, nil)

	err := n.Send(context.Background(), "alice@example.com", "s", "b")
	require.ErrorIs(t, err, boom)
}

func TestSMTPNotifierThrottles(t *testing.T) {
	fs := &fakeSender{}
	n := newSMTPNotifier(fs, SMTPConfig{From: "security@example.com", RatePerSecond: 0.001, Burst: 1}, nil)

	require.NoError(t, n.Send(context.Background(), "alice@example.com", "s", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := n.Send(ctx, "alice@example.com", "s", "b")
	require.ErrorIs(t, err, ErrThrottled)
	require.Len(t, fs.sent, 1)
}

func TestNewSMTPNotifierValidates(t *testing.T) {
	_, err := NewSMTPNotifier(SMTPConfig{From: "a@example.com"}, nil)
	require.Error(t, err, "missing host")
	_, err = NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com"}, nil)
	require.Error(t, err, "missing from")
	_, err = NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com", From: "a@example.com", TLSPolicy: "sometimes"}, nil)
	require.Error(t, err)

	n, err := NewSMTPNotifier(SMTPConfig{
		Host:      "smtp.example.com",
		Port:      587,
		Username:  "mailer",
		Password:  "secret",
		From:      "a@example.com",
		TLSPolicy: "opportunistic",
		Timeout:   5 * time.Second,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, n)
}

func TestLogNotifierHidesBodyByDefault(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	require.NoError(t, NewLogNotifier(zap.New(core), false).Send(context.Background(), "alice@example.com", "Reset", "token=secret"))
	require.NoError(t, NewLogNotifier(zap.New(core), true).Send(context.Background(), "alice@example.com", "Reset", "token=secret"))

	entries := logs.All()
	require.Len(t, entries, 2)
	_, hasBody := entries[0].ContextMap()["body"]
	require.False(t, hasBody)
	require.Equal(t, int64(len("token=secret")), entries[0].ContextMap()["body_bytes"])
	require.Equal(t, "token=secret", entries[1].ContextMap()["body"])
}
