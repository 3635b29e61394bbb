package authchain

import "errors"

var (
	// ErrInvalidCredentials is returned by credential stores when the secret does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by credential stores for unknown identifiers.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountExists is returned when registering an identifier that is already taken.
	ErrAccountExists = errors.New("account already exists")
	// ErrStrategyUnavailable is returned when a strategy backend cannot be reached, times out or panics.
	ErrStrategyUnavailable = errors.New("strategy unavailable")
	// ErrAllStrategiesFailed is returned by Login when no strategy accepted the credentials.
	ErrAllStrategiesFailed = errors.New("authentication failed with all strategies")
	// ErrNoStrategies is returned by Build when the chain is empty.
	ErrNoStrategies = errors.New("no strategies configured")
	// ErrNoActiveSession is returned by operations that need a logged-in user.
	ErrNoActiveSession = errors.New("no active session")
	// ErrRegistrationUnsupported is returned when the selected strategy cannot create accounts.
	ErrRegistrationUnsupported = errors.New("registration not supported by strategy")
	// ErrPasswordResetUnsupported is returned when the active strategy cannot reset passwords.
	ErrPasswordResetUnsupported = errors.New("password reset not supported by strategy")
	// ErrCapabilityUnsupported is returned when the active strategy lacks an optional capability.
	ErrCapabilityUnsupported = errors.New("capability not supported by strategy")
	// ErrEngineNotReady is returned when a component is used without its dependencies.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrMFANotConfigured is returned when the user has no enabled second factor.
	ErrMFANotConfigured = errors.New("mfa not configured")
	// ErrMFAPending is returned when an operation needs the pending MFA login to finish first.
	ErrMFAPending = errors.New("mfa verification pending")
	// ErrNoPendingLogin is returned by CompleteMFA when there is nothing to complete.
	ErrNoPendingLogin = errors.New("no pending mfa login")
	// ErrInvalidCodeFormat is returned for codes that fail the local format check. No backend is called.
	ErrInvalidCodeFormat = errors.New("invalid code format")
	// ErrVerificationFailed is returned when a well-formed code does not verify.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrVerificationInProgress is returned for a verification submitted while another is in flight.
	ErrVerificationInProgress = errors.New("verification already in progress")
	// ErrCooldownActive is returned when a code is re-sent before the resend cooldown elapsed.
	ErrCooldownActive = errors.New("resend cooldown active")
	// ErrCodeDeliveryFailed is returned when an SMS or email code could not be sent.
	ErrCodeDeliveryFailed = errors.New("code delivery failed")
	// ErrMethodNotFound is returned for unknown or disabled MFA method ids.
	ErrMethodNotFound = errors.New("mfa method not found")
	// ErrDeviceNotFound is returned for unknown trusted device ids.
	ErrDeviceNotFound = errors.New("trusted device not found")
	// ErrEnrollmentStep is returned when an enrollment operation is called out of order.
	ErrEnrollmentStep = errors.New("operation not allowed at current enrollment step")
	// ErrBackupCodesNotAcknowledged is returned when finishing TOTP enrollment before the codes were saved.
	ErrBackupCodesNotAcknowledged = errors.New("backup codes not acknowledged")
	// ErrBackupCodeRegenerationRequiresTOTP is returned when regeneration is attempted without a valid TOTP code.
	ErrBackupCodeRegenerationRequiresTOTP = errors.New("backup code regeneration requires totp")
	// ErrChallengeState is returned when a challenge operation is called in the wrong state.
	ErrChallengeState = errors.New("operation not allowed in current challenge state")
	// ErrChallengeClosed is returned by every challenge operation after Close.
	ErrChallengeClosed = errors.New("challenge closed")
	// ErrMFABackendUnavailable is returned when the MFA store cannot serve a request.
	ErrMFABackendUnavailable = errors.New("mfa backend unavailable")
	// ErrTooManyAttempts is returned while a user is locked out of verification
	// after too many wrong codes.
	ErrTooManyAttempts = errors.New("too many verification attempts")
)
