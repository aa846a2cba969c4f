package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// errDelivery marks a Notifier failure in audit events.
var errDelivery = errors.New("notice delivery failed")

const (
	subjectPasswordReset   = "Reset your password"
	subjectAccountLocked   = "Your account has been locked"
	subjectPasswordChanged = "Your password was changed"
)

func noticeDestination(acct *Account) string {
	if acct.Email != "" {
		return acct.Email
	}
	return acct.Identifier
}

// sendNotice delivers a message through the Notifier and reports failures
// through logs, metrics and audit. It never fails the calling operation.
func (e *Engine) sendNotice(ctx context.Context, acct *Account, kind, subject, body string) error {
	if e.notifier == nil {
		return fmt.Errorf("%w: no notifier configured", errDelivery)
	}
	dest := noticeDestination(acct)
	if dest == "" {
		return fmt.Errorf("%w: account has no destination", errDelivery)
	}
	if err := e.notifier.Send(ctx, dest, subject, body); err != nil {
		e.metricInc(MetricNoticeDeliveryFailed)
		e.logger.Warn("notice delivery failed", zap.String("kind", kind), zap.String("account_id", acct.ID), zap.Error(err))
		e.emitAudit(ctx, auditEventNoticeFailed, false, acct.ID, "", errDelivery, func() map[string]string {
			return map[string]string{"kind": kind}
		})
		return fmt.Errorf("%w: %v", errDelivery, err)
	}
	return nil
}

func (e *Engine) sendResetLink(ctx context.Context, acct *Account, rawToken string, expiresAt time.Time) error {
	link := rawToken
	if base := e.config.PasswordReset.LinkBaseURL; base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("%w: bad link base url: %v", errDelivery, err)
		}
		q := u.Query()
		q.Set("token", rawToken)
		u.RawQuery = q.Encode()
		link = u.String()
	}

	body := fmt.Sprintf(
		"A password reset was requested for your account.\n\n%s\n\nThe link expires %s. If you did not ask for this, ignore this message.\n",
		link, humanize.RelTime(expiresAt, e.clock.Now(), "ago", "from now"),
	)
	return e.sendNotice(ctx, acct, "password_reset", subjectPasswordReset, body)
}

func (e *Engine) noticeAccountLocked(ctx context.Context, acct *Account) {
	if !e.config.Notices.AccountLocked || e.notifier == nil {
		return
	}
	now := e.clock.Now()
	until := now.Add(e.guard.LockDuration())
	body := fmt.Sprintf(
		"Your account was locked after %d failed sign-in attempts. It unlocks %s (%s).\n",
		e.config.Lockout.Threshold,
		humanize.RelTime(until, now, "ago", "from now"),
		until.UTC().Format(time.RFC1123),
	)
	_ = e.sendNotice(ctx, acct, "account_locked", subjectAccountLocked, body)
}

func (e *Engine) noticePasswordChanged(ctx context.Context, acct *Account) {
	if !e.config.Notices.PasswordChanged || e.notifier == nil {
		return
	}
	body := fmt.Sprintf(
		"The password of your account was changed at %s and every session was signed out. If this was not you, contact support.\n",
		e.clock.Now().UTC().Format(time.RFC1123),
	)
	_ = e.sendNotice(ctx, acct, "password_changed", subjectPasswordChanged, body)
}
