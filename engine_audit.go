package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/internal"
)

const (
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventLoginRateLimited    = "login_rate_limited"
	auditEventAccountLocked       = "account_locked"
	auditEventMFARequired         = "mfa_required"
	auditEventTOTPSetup           = "totp_setup"
	auditEventTOTPEnabled         = "totp_enabled"
	auditEventTOTPDisabled        = "totp_disabled"
	auditEventTOTPFailure         = "totp_failure"
	auditEventTOTPReplay          = "totp_replay"
	auditEventRecoveryCodesIssued = "recovery_codes_issued"
	auditEventRecoveryCodeUsed    = "recovery_code_used"
	auditEventRecoveryCodeFailed  = "recovery_code_failed"
	auditEventSessionCreated      = "session_created"
	auditEventSessionPruned       = "session_pruned"
	auditEventSessionRevoked      = "session_revoked"
	auditEventSessionsRevoked     = "sessions_revoked"
	auditEventLogout              = "logout"
	auditEventAPIKeyCreated       = "api_key_created"
	auditEventAPIKeyRevoked       = "api_key_revoked"
	auditEventAPIKeyRejected      = "api_key_rejected"
	auditEventPasswordResetReq    = "password_reset_request"
	auditEventPasswordResetDone   = "password_reset_confirm"
	auditEventNoticeFailed        = "notice_delivery_failed"
)

// AuditErrorCode is the stable, secret-free error classification recorded in
// [AuditEvent.Error].
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrExpiredToken       AuditErrorCode = "expired_token"
	auditErrNotFound           AuditErrorCode = "not_found"
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInvalidOperation   AuditErrorCode = "invalid_operation"
	auditErrQuotaExceeded      AuditErrorCode = "quota_exceeded"
	auditErrInvalidPermission  AuditErrorCode = "invalid_permission"
	auditErrRecoveryCode       AuditErrorCode = "invalid_recovery_code"
	auditErrMFARequired        AuditErrorCode = "mfa_required"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrWeakPassword       AuditErrorCode = "weak_password"
	auditErrTOTPState          AuditErrorCode = "totp_state"
	auditErrUnavailable        AuditErrorCode = "unavailable"
	auditErrDelivery           AuditErrorCode = "delivery_failed"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		SessionID: sessionID,
		RequestID: requestIDFromContext(ctx),
		IP:        internal.NormalizeIP(clientIPFromContext(ctx)),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrInvalidToken):
		return auditErrInvalidToken
	case errors.Is(err, ErrExpiredToken):
		return auditErrExpiredToken
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrInvalidOperation):
		return auditErrInvalidOperation
	case errors.Is(err, ErrQuotaExceeded):
		return auditErrQuotaExceeded
	case errors.Is(err, ErrInvalidPermission):
		return auditErrInvalidPermission
	case errors.Is(err, ErrInvalidRecoveryCode):
		return auditErrRecoveryCode
	case errors.Is(err, ErrMFARequired):
		return auditErrMFARequired
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrWeakPassword):
		return auditErrWeakPassword
	case errors.Is(err, ErrTOTPNotConfigured),
		errors.Is(err, ErrTOTPAlreadyEnabled):
		return auditErrTOTPState
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	case errors.Is(err, errDelivery):
		return auditErrDelivery
	default:
		return auditErrInternal
	}
}
