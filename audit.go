package authchain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrEthical07/authchain/internal/audit"
)

// AuditEvent is a structured security event.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

// NoOpSink discards events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers events into a channel.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink returns a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing JSON lines to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

const (
	auditKeyMethodID = audit.KeyMethodID
	auditKeyDeviceID = audit.KeyDeviceID
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventStrategyFailure      = "strategy_failure"
	auditEventLogout               = "logout"
	auditEventRegisterSuccess      = "register_success"
	auditEventRegisterFailure      = "register_failure"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventProfileUpdated       = "profile_updated"
	auditEventMFARequired          = "mfa_required"
	auditEventMFASuccess           = "mfa_success"
	auditEventMFAFailure           = "mfa_failure"
	auditEventMFAAbandoned         = "mfa_abandoned"
	auditEventMFACodeSent          = "mfa_code_sent"
	auditEventMFAMethodEnabled     = "mfa_method_enabled"
	auditEventMFAMethodDisabled    = "mfa_method_disabled"
	auditEventBackupCodesGenerated = "backup_codes_generated"
	auditEventBackupCodeUsed       = "backup_code_used"
	auditEventBackupCodeFailed     = "backup_code_failed"
	auditEventTrustIssued          = "trust_issued"
	auditEventTrustBypass          = "trust_bypass"
	auditEventTrustExpired         = "trust_expired"
	auditEventTrustRevoked         = "trust_revoked"
)

// AuditErrorCode is the stable error label attached to failed audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrAllStrategiesFailed AuditErrorCode = "all_strategies_failed"
	auditErrStrategyUnavailable AuditErrorCode = "strategy_unavailable"
	auditErrUnsupported         AuditErrorCode = "unsupported"
	auditErrAccountExists       AuditErrorCode = "duplicate"
	auditErrInvalidCode         AuditErrorCode = "invalid_code"
	auditErrInvalidCodeFormat   AuditErrorCode = "invalid_code_format"
	auditErrCooldown            AuditErrorCode = "cooldown_active"
	auditErrTooManyAttempts     AuditErrorCode = "too_many_attempts"
	auditErrDeliveryFailed      AuditErrorCode = "delivery_failed"
	auditErrBackupCodeRegenTOTP AuditErrorCode = "backup_code_requires_totp"
	auditErrMFAUnavailable      AuditErrorCode = "mfa_unavailable"
	auditErrNoActiveSession     AuditErrorCode = "no_active_session"
	auditErrInternal            AuditErrorCode = "internal_error"
)

// instruments bundles audit and metrics for the Provider and the MFA manager.
type instruments struct {
	audit   *audit.Dispatcher
	metrics *Metrics
	now     func() time.Time
}

func (in *instruments) clock() time.Time {
	if in == nil || in.now == nil {
		return time.Now()
	}
	return in.now()
}

func (in *instruments) metricInc(id MetricID) {
	if in == nil {
		return
	}
	in.metrics.Inc(id)
}

func (in *instruments) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	strategy string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if in == nil || in.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: in.clock().UTC(),
		EventType: eventType,
		UserID:    userID,
		Strategy:  strategy,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}.Lift()
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	in.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUserNotFound):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAllStrategiesFailed):
		return auditErrAllStrategiesFailed
	case errors.Is(err, ErrStrategyUnavailable):
		return auditErrStrategyUnavailable
	case errors.Is(err, ErrRegistrationUnsupported),
		errors.Is(err, ErrPasswordResetUnsupported),
		errors.Is(err, ErrCapabilityUnsupported):
		return auditErrUnsupported
	case errors.Is(err, ErrAccountExists):
		return auditErrAccountExists
	case errors.Is(err, ErrInvalidCodeFormat):
		return auditErrInvalidCodeFormat
	case errors.Is(err, ErrVerificationFailed):
		return auditErrInvalidCode
	case errors.Is(err, ErrCooldownActive):
		return auditErrCooldown
	case errors.Is(err, ErrTooManyAttempts):
		return auditErrTooManyAttempts
	case errors.Is(err, ErrCodeDeliveryFailed):
		return auditErrDeliveryFailed
	case errors.Is(err, ErrBackupCodeRegenerationRequiresTOTP):
		return auditErrBackupCodeRegenTOTP
	case errors.Is(err, ErrMFABackendUnavailable):
		return auditErrMFAUnavailable
	case errors.Is(err, ErrNoActiveSession):
		return auditErrNoActiveSession
	default:
		return auditErrInternal
	}
}
