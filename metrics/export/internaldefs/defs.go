package internaldefs

import (
	"github.com/MrEthical07/authcore"
)

// CounterDef names one authcore counter.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one authcore latency histogram.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful logins."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Login attempts rejected by the source-address rate limiter."},
	{ID: authcore.MetricAccountLocked, Name: "authcore_account_locked_total", Help: "Accounts locked after repeated failures."},
	{ID: authcore.MetricMFARequired, Name: "authcore_mfa_required_total", Help: "Logins that stopped for a missing second factor."},
	{ID: authcore.MetricPasswordRehashed, Name: "authcore_password_rehashed_total", Help: "Password hashes upgraded after login."},
	{ID: authcore.MetricTOTPSuccess, Name: "authcore_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: authcore.MetricTOTPFailure, Name: "authcore_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: authcore.MetricTOTPReplay, Name: "authcore_totp_replay_total", Help: "TOTP codes rejected as replays."},
	{ID: authcore.MetricTOTPEnabled, Name: "authcore_totp_enabled_total", Help: "TOTP enrollments confirmed."},
	{ID: authcore.MetricTOTPDisabled, Name: "authcore_totp_disabled_total", Help: "TOTP enrollments removed."},
	{ID: authcore.MetricRecoveryCodesIssued, Name: "authcore_recovery_codes_issued_total", Help: "Recovery code sets issued."},
	{ID: authcore.MetricRecoveryCodeUsed, Name: "authcore_recovery_code_used_total", Help: "Recovery codes redeemed."},
	{ID: authcore.MetricRecoveryCodeFailed, Name: "authcore_recovery_code_failed_total", Help: "Rejected recovery codes."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Sessions created."},
	{ID: authcore.MetricSessionPruned, Name: "authcore_session_pruned_total", Help: "Sessions evicted by the per-account cap."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Sessions revoked."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logouts."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Revoke-all operations."},
	{ID: authcore.MetricAPIKeyCreated, Name: "authcore_api_key_created_total", Help: "API keys generated."},
	{ID: authcore.MetricAPIKeyRevoked, Name: "authcore_api_key_revoked_total", Help: "API keys revoked."},
	{ID: authcore.MetricAPIKeyVerified, Name: "authcore_api_key_verified_total", Help: "API keys accepted."},
	{ID: authcore.MetricAPIKeyRejected, Name: "authcore_api_key_rejected_total", Help: "API keys rejected."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Password reset requests."},
	{ID: authcore.MetricPasswordResetDeliveryFailed, Name: "authcore_password_reset_delivery_failed_total", Help: "Reset links that could not be delivered."},
	{ID: authcore.MetricPasswordResetConfirmSuccess, Name: "authcore_password_reset_confirm_success_total", Help: "Completed password resets."},
	{ID: authcore.MetricPasswordResetConfirmFailure, Name: "authcore_password_reset_confirm_failure_total", Help: "Rejected password reset confirmations."},
	{ID: authcore.MetricNoticeDeliveryFailed, Name: "authcore_notice_delivery_failed_total", Help: "Notifier deliveries that failed."},
	{ID: authcore.MetricSessionsSwept, Name: "authcore_sessions_swept_total", Help: "Dangling session index entries removed by the sweeper."},
	{ID: authcore.MetricResetTokensSwept, Name: "authcore_reset_tokens_swept_total", Help: "Expired reset tokens cleared by the sweeper."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricLoginLatency, Name: "authcore_login_latency_seconds", Help: "Login latency."},
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Session validation latency."},
}

// HistogramBounds are the upper bounds, in seconds, of the Metrics buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed eight-bucket array, padding with
// zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
