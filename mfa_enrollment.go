package authchain

import (
	"context"
	"strings"
	"sync"
)

// EnrollmentStep is the position of an Enrollment.
type EnrollmentStep string

const (
	EnrollMethod   EnrollmentStep = "method"
	EnrollSetup    EnrollmentStep = "setup"
	EnrollVerify   EnrollmentStep = "verify"
	EnrollBackup   EnrollmentStep = "backup"
	EnrollComplete EnrollmentStep = "complete"
)

// Enrollment adds one second factor for a user.
//
// TOTP runs method, setup, verify, backup, complete. SMS and email skip
// backup: a verified code enables the method directly. The backup step is a
// hard gate; Complete fails until AcknowledgeBackupCodes was called.
type Enrollment struct {
	mgr     *MFAManager
	userID  string
	account string

	mu           sync.Mutex
	step         EnrollmentStep
	methodType   MethodType
	setup        *TOTPSetup
	destination  string
	acknowledged bool
	method       *MFAMethod
	lastErr      error
}

// NewEnrollment starts an enrollment for userID. account labels the entry in
// authenticator apps, usually the email address.
func (m *MFAManager) NewEnrollment(userID, account string) (*Enrollment, error) {
	if m == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrNoActiveSession
	}
	return &Enrollment{
		mgr:     m,
		userID:  userID,
		account: account,
		step:    EnrollMethod,
	}, nil
}

func (e *Enrollment) Step() EnrollmentStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

func (e *Enrollment) MethodType() MethodType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.methodType
}

// LastError is the error of the last failed operation, cleared on progress.
func (e *Enrollment) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Method returns the enabled method once the enrollment is complete.
func (e *Enrollment) Method() *MFAMethod {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.method == nil {
		return nil
	}
	out := *e.method
	return &out
}

// BackupCodes returns the codes generated at TOTP setup.
func (e *Enrollment) BackupCodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setup == nil {
		return nil
	}
	return append([]string(nil), e.setup.BackupCodes...)
}

func (e *Enrollment) fail(err error) error {
	e.lastErr = err
	return err
}

// ChooseMethod picks the method type and moves to setup.
func (e *Enrollment) ChooseMethod(t MethodType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step != EnrollMethod {
		return ErrEnrollmentStep
	}
	if !t.Valid() {
		return e.fail(ErrMethodNotFound)
	}
	e.methodType = t
	e.step = EnrollSetup
	e.lastErr = nil
	return nil
}

// SetupTOTP generates the secret, provisioning URL and backup codes as one
// unit and moves to verify.
func (e *Enrollment) SetupTOTP(ctx context.Context) (*TOTPSetup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step != EnrollSetup || e.methodType != MethodTOTP {
		return nil, ErrEnrollmentStep
	}
	setup, err := e.mgr.setupTOTP(ctx, e.userID, e.account)
	if err != nil {
		return nil, e.fail(err)
	}

	e.setup = setup
	e.step = EnrollVerify
	e.lastErr = nil

	out := *setup
	out.BackupCodes = append([]string(nil), setup.BackupCodes...)
	return &out, nil
}

// SetupDestination records the phone number or email address and sends the
// first code. A failed send returns the enrollment to the method step.
func (e *Enrollment) SetupDestination(ctx context.Context, destination string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step != EnrollSetup || (e.methodType != MethodSMS && e.methodType != MethodEmail) {
		return ErrEnrollmentStep
	}
	destination = normalizeDestination(e.methodType, destination)
	if err := e.mgr.sendCode(ctx, e.methodType, destination); err != nil {
		e.step = EnrollMethod
		e.methodType = ""
		return e.fail(err)
	}

	e.destination = destination
	e.step = EnrollVerify
	e.lastErr = nil
	return nil
}

// ResendCode sends a new code to the recorded destination, subject to the
// resend cooldown.
func (e *Enrollment) ResendCode(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step != EnrollVerify || e.destination == "" {
		return ErrEnrollmentStep
	}
	if err := e.mgr.sendCode(ctx, e.methodType, e.destination); err != nil {
		return e.fail(err)
	}
	e.lastErr = nil
	return nil
}

// Verify checks a 6-digit code. A wrong code returns false and the step stays
// verify. Malformed codes fail with ErrInvalidCodeFormat before any backend
// call.
func (e *Enrollment) Verify(ctx context.Context, code string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step != EnrollVerify {
		return false, ErrEnrollmentStep
	}
	code = strings.TrimSpace(code)
	if !isSixDigitCode(code) {
		e.mgr.in.metricInc(MetricMFAInvalidFormat)
		return false, e.fail(ErrInvalidCodeFormat)
	}

	if e.methodType == MethodTOTP {
		ok, err := e.mgr.totp.Validate(e.setup.Secret, code, e.mgr.in.clock())
		if err != nil {
			return false, e.fail(err)
		}
		if !ok {
			e.mgr.in.metricInc(MetricMFAFailure)
			return false, e.fail(ErrVerificationFailed)
		}
		e.step = EnrollBackup
		e.lastErr = nil
		return true, nil
	}

	ok, err := e.mgr.consumePendingCode(ctx, e.methodType, e.destination, code)
	if err != nil {
		return false, e.fail(err)
	}
	if !ok {
		e.mgr.in.metricInc(MetricMFAFailure)
		return false, e.fail(ErrVerificationFailed)
	}

	method, err := e.mgr.EnableMethod(ctx, MFAMethod{
		UserID:      e.userID,
		Type:        e.methodType,
		Destination: e.destination,
	}, nil)
	if err != nil {
		return false, e.fail(err)
	}
	e.method = method
	e.step = EnrollComplete
	e.lastErr = nil
	return true, nil
}

// AcknowledgeBackupCodes confirms the user saved the backup codes.
func (e *Enrollment) AcknowledgeBackupCodes() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step != EnrollBackup {
		return ErrEnrollmentStep
	}
	e.acknowledged = true
	return nil
}

// Complete enables the TOTP method together with its backup codes. For SMS
// and email it returns the method enabled by Verify.
func (e *Enrollment) Complete(ctx context.Context) (*MFAMethod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.step {
	case EnrollComplete:
		out := *e.method
		return &out, nil
	case EnrollBackup:
	default:
		return nil, ErrEnrollmentStep
	}
	if !e.acknowledged {
		return nil, e.fail(ErrBackupCodesNotAcknowledged)
	}

	method, err := e.mgr.EnableMethod(ctx, MFAMethod{
		UserID: e.userID,
		Type:   MethodTOTP,
		Secret: e.setup.Secret,
	}, e.setup.BackupCodes)
	if err != nil {
		return nil, e.fail(err)
	}

	e.method = method
	e.step = EnrollComplete
	e.lastErr = nil
	out := *method
	return &out, nil
}

// Back steps one screen back. Going back from verify discards the generated
// secret or recorded destination.
func (e *Enrollment) Back() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.step {
	case EnrollSetup:
		e.step = EnrollMethod
		e.methodType = ""
	case EnrollVerify:
		e.step = EnrollSetup
		e.setup = nil
		e.destination = ""
	case EnrollBackup:
		e.step = EnrollVerify
		e.acknowledged = false
	default:
		return ErrEnrollmentStep
	}
	e.lastErr = nil
	return nil
}
