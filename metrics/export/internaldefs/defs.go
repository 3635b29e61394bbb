package internaldefs

import (
	"github.com/MrEthical07/authchain"
)

// CounterDef maps one counter to its exported name.
type CounterDef struct {
	ID   authchain.MetricID
	Name string
	Help string
}

// HistogramDef maps one histogram to its exported name.
type HistogramDef struct {
	ID   authchain.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authchain.MetricLoginSuccess, Name: "authchain_login_success_total", Help: "Committed logins."},
	{ID: authchain.MetricLoginFailure, Name: "authchain_login_failure_total", Help: "Logins where every strategy failed."},
	{ID: authchain.MetricStrategyAttempt, Name: "authchain_strategy_attempt_total", Help: "Individual strategy login attempts."},
	{ID: authchain.MetricStrategyError, Name: "authchain_strategy_error_total", Help: "Strategy calls that errored, panicked or timed out."},
	{ID: authchain.MetricLogout, Name: "authchain_logout_total", Help: "Logouts."},
	{ID: authchain.MetricRegisterSuccess, Name: "authchain_register_success_total", Help: "Successful registrations."},
	{ID: authchain.MetricRegisterFailure, Name: "authchain_register_failure_total", Help: "Failed registrations."},
	{ID: authchain.MetricMFARequired, Name: "authchain_mfa_required_total", Help: "Logins held for a second factor."},
	{ID: authchain.MetricMFASuccess, Name: "authchain_mfa_success_total", Help: "Verified second-factor codes."},
	{ID: authchain.MetricMFAFailure, Name: "authchain_mfa_failure_total", Help: "Rejected second-factor codes."},
	{ID: authchain.MetricMFAInvalidFormat, Name: "authchain_mfa_invalid_format_total", Help: "Codes rejected by the local format check."},
	{ID: authchain.MetricMFACodeSent, Name: "authchain_mfa_code_sent_total", Help: "Delivered SMS and email codes."},
	{ID: authchain.MetricMFACooldownHit, Name: "authchain_mfa_cooldown_hit_total", Help: "Resend attempts refused by the cooldown."},
	{ID: authchain.MetricMFADuplicateDropped, Name: "authchain_mfa_duplicate_dropped_total", Help: "Verifications dropped while another was in flight."},
	{ID: authchain.MetricMFAAbandoned, Name: "authchain_mfa_abandoned_total", Help: "Pending logins rolled back."},
	{ID: authchain.MetricEnrollmentComplete, Name: "authchain_enrollment_complete_total", Help: "Finished MFA enrollments."},
	{ID: authchain.MetricBackupCodeUsed, Name: "authchain_backup_code_used_total", Help: "Consumed backup codes."},
	{ID: authchain.MetricBackupCodeFailed, Name: "authchain_backup_code_failed_total", Help: "Rejected backup codes."},
	{ID: authchain.MetricBackupCodeRegenerated, Name: "authchain_backup_code_regenerated_total", Help: "Backup code set regenerations."},
	{ID: authchain.MetricTrustIssued, Name: "authchain_trust_issued_total", Help: "Minted device trust tokens."},
	{ID: authchain.MetricTrustBypass, Name: "authchain_trust_bypass_total", Help: "Logins that skipped MFA on a trusted device."},
	{ID: authchain.MetricTrustExpired, Name: "authchain_trust_expired_total", Help: "Trust tokens purged on expiry."},
	{ID: authchain.MetricTrustRevoked, Name: "authchain_trust_revoked_total", Help: "Removed trusted devices."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authchain.MetricLoginLatency, Name: "authchain_login_latency_seconds", Help: "Login latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds, matching the
// in-process buckets.
var HistogramBounds = []string{
	"0.01",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"5",
	"+Inf",
}

// NormalizeBuckets copies raw into a fixed array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
