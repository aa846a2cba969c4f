// Package notify delivers authcore reset links and security notices.
//
// SMTPNotifier sends plain-text mail through github.com/wneessen/go-mail and
// throttles outbound messages with a token bucket. LogNotifier only logs and
// is meant for development.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	_ authcore.Notifier = (*SMTPNotifier)(nil)
	_ authcore.Notifier = (*LogNotifier)(nil)
)

// ErrThrottled is returned when the outbound limiter cannot grant a send
// before the context ends.
var ErrThrottled = errors.New("notify: outbound rate limit")

// SMTPConfig configures an SMTPNotifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLSPolicy is "mandatory" (default), "opportunistic" or "none".
	TLSPolicy string
	Timeout   time.Duration

	// RatePerSecond and Burst bound outbound messages. Zero RatePerSecond
	// disables throttling.
	RatePerSecond float64
	Burst         int
}

func (c SMTPConfig) tlsPolicy() (mail.TLSPolicy, error) {
	switch strings.ToLower(c.TLSPolicy) {
	case "", "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	}
	return mail.NoTLS, fmt.Errorf("notify: unknown tls policy %q", c.TLSPolicy)
}

// sender is the part of *mail.Client the notifier uses.
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotifier implements authcore.Notifier over SMTP.
type SMTPNotifier struct {
	client  sender
	from    string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSMTPNotifier validates cfg and builds the mail client. No connection is
// made until the first Send.
func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host required")
	}
	if cfg.From == "" {
		return nil, errors.New("notify: from address required")
	}
	policy, err := cfg.tlsPolicy()
	if err != nil {
		return nil, err
	}

	opts := []mail.Option{mail.WithTLSPolicy(policy)}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: create mail client: %w", err)
	}
	return newSMTPNotifier(client, cfg, logger), nil
}

func newSMTPNotifier(client sender, cfg SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &SMTPNotifier{
		client: client,
		from:   cfg.From,
		logger: logger.Named("notify"),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return n
}

// Send mails body to destination. It waits for the outbound limiter first
// and fails with ErrThrottled when ctx cannot accommodate the wait.
func (n *SMTPNotifier) Send(ctx context.Context, destination, subject, body string) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		}
	}

	msg, err := n.message(destination, subject, body)
	if err != nil {
		return err
	}
	if err := n.client.DialAndSendWithContext(ctx, msg); err != nil {
		n.logger.Warn("smtp send failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("notify: send: %w", err)
	}
	return nil
}

func (n *SMTPNotifier) message(destination, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return nil, fmt.Errorf("notify: from address: %w", err)
	}
	if err := msg.To(destination); err != nil {
		return nil, fmt.Errorf("notify: destination: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}
