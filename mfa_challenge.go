package authchain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ChallengeState is the position of a login-time Challenge.
type ChallengeState string

const (
	ChallengeSelectMethod ChallengeState = "select_method"
	ChallengeSendCode     ChallengeState = "send_code"
	ChallengeAwaitCode    ChallengeState = "await_code"
	ChallengeVerifying    ChallengeState = "verifying"
	ChallengeSucceeded    ChallengeState = "succeeded"
	ChallengeBypassed     ChallengeState = "bypassed"
	ChallengeClosed       ChallengeState = "closed"
)

// Challenge is the second-factor step of one login.
//
// Only one verification may be in flight. A submission made while another is
// pending is dropped with ErrVerificationInProgress, never queued. A failed
// verification returns to await_code with the same method selected.
type Challenge struct {
	mgr     *MFAManager
	userID  string
	methods []MFAMethod

	mu       sync.Mutex
	state    ChallengeState
	selected *MFAMethod
	lastErr  error
	result   *VerificationResponse
	inFlight atomic.Bool
}

// StartChallenge opens the second-factor step for userID. When this device
// holds a valid trust token for the user the challenge starts, and stays,
// bypassed. Users without enabled methods get ErrMFANotConfigured.
func (m *MFAManager) StartChallenge(ctx context.Context, userID string) (*Challenge, error) {
	if m == nil {
		return nil, ErrEngineNotReady
	}

	if device, ok := m.trustedDevice(ctx, userID); ok {
		m.in.metricInc(MetricTrustBypass)
		m.in.emitAudit(ctx, auditEventTrustBypass, true, userID, "", nil, func() map[string]string {
			return map[string]string{auditKeyDeviceID: device.ID}
		})
		return &Challenge{mgr: m, userID: userID, state: ChallengeBypassed}, nil
	}

	methods, err := m.enabledMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, ErrMFANotConfigured
	}
	for i := range methods {
		methods[i] = methods[i].public()
	}

	c := &Challenge{
		mgr:     m,
		userID:  userID,
		methods: methods,
		state:   ChallengeSelectMethod,
	}
	if len(methods) == 1 {
		c.selectLocked(&c.methods[0])
	}

	m.in.metricInc(MetricMFARequired)
	m.in.emitAudit(ctx, auditEventMFARequired, true, userID, "", nil, nil)
	return c, nil
}

func (c *Challenge) UserID() string {
	return c.userID
}

func (c *Challenge) State() ChallengeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Methods lists the enabled methods the user can choose from.
func (c *Challenge) Methods() []MFAMethod {
	return append([]MFAMethod(nil), c.methods...)
}

// Primary returns the user's primary method, if any.
func (c *Challenge) Primary() *MFAMethod {
	for i := range c.methods {
		if c.methods[i].Primary {
			out := c.methods[i]
			return &out
		}
	}
	return nil
}

// Selected returns the method codes are verified against.
func (c *Challenge) Selected() *MFAMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil
	}
	out := *c.selected
	return &out
}

// LastError is the reason of the last failed operation.
func (c *Challenge) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Result is the successful verification, including any trust token.
func (c *Challenge) Result() *VerificationResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	out := *c.result
	return &out
}

// Passed reports whether the login may be committed.
func (c *Challenge) Passed() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ChallengeSucceeded || c.state == ChallengeBypassed
}

func (c *Challenge) selectLocked(method *MFAMethod) {
	c.selected = method
	c.lastErr = nil
	if method.Type == MethodTOTP {
		c.state = ChallengeAwaitCode
	} else {
		c.state = ChallengeSendCode
	}
}

// checkOpenLocked rejects operations once the challenge left the selectable
// states.
func (c *Challenge) checkOpenLocked() error {
	switch c.state {
	case ChallengeClosed:
		return ErrChallengeClosed
	case ChallengeVerifying:
		return ErrVerificationInProgress
	case ChallengeSucceeded, ChallengeBypassed:
		return ErrChallengeState
	}
	return nil
}

// Select switches to another enabled method.
func (c *Challenge) Select(methodID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpenLocked(); err != nil {
		return err
	}
	for i := range c.methods {
		if c.methods[i].ID == methodID {
			c.selectLocked(&c.methods[i])
			return nil
		}
	}
	return ErrMethodNotFound
}

// SendCode delivers a code for the selected SMS or email method and moves to
// await_code. During the resend cooldown it returns ErrCooldownActive and the
// timer is left as it was.
func (c *Challenge) SendCode(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.selected == nil || c.selected.Type == MethodTOTP {
		c.mu.Unlock()
		return ErrChallengeState
	}
	method := *c.selected
	c.mu.Unlock()

	err := c.mgr.sendCode(ctx, method.Type, method.Destination)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChallengeClosed {
		return ErrChallengeClosed
	}
	if err != nil {
		c.lastErr = err
		return err
	}
	if c.selected != nil && c.selected.ID == method.ID && c.state == ChallengeSendCode {
		c.state = ChallengeAwaitCode
	}
	c.lastErr = nil
	return nil
}

// ResendAvailableIn reports the cooldown left for the selected method.
func (c *Challenge) ResendAvailableIn() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil || c.selected.Type == MethodTOTP {
		return 0
	}
	return c.mgr.ResendAvailableIn(c.selected.Type, c.selected.Destination)
}

// Verify checks a 6-digit code for the selected method. A wrong code returns
// a response with Success false and the challenge waits for another code.
func (c *Challenge) Verify(ctx context.Context, code string, trustDevice bool) (*VerificationResponse, error) {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrVerificationInProgress) {
			c.mgr.in.metricInc(MetricMFADuplicateDropped)
		}
		return nil, err
	}
	if c.state != ChallengeAwaitCode || c.selected == nil {
		c.mu.Unlock()
		return nil, ErrChallengeState
	}
	code = strings.TrimSpace(code)
	if !isSixDigitCode(code) {
		c.lastErr = ErrInvalidCodeFormat
		c.mu.Unlock()
		c.mgr.in.metricInc(MetricMFAInvalidFormat)
		return nil, ErrInvalidCodeFormat
	}
	methodID := c.selected.ID
	c.mu.Unlock()

	return c.run(func() (*VerificationResponse, error) {
		return c.mgr.VerifyMFACode(ctx, VerificationRequest{
			UserID:      c.userID,
			MethodID:    methodID,
			Code:        code,
			TrustDevice: trustDevice,
		})
	})
}

// VerifyBackupCode spends one backup code instead of a method code. It works
// from any open state.
func (c *Challenge) VerifyBackupCode(ctx context.Context, code string, trustDevice bool) (*VerificationResponse, error) {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrVerificationInProgress) {
			c.mgr.in.metricInc(MetricMFADuplicateDropped)
		}
		return nil, err
	}
	if !isBackupCodeFormat(canonicalizeBackupCode(code)) {
		c.lastErr = ErrInvalidCodeFormat
		c.mu.Unlock()
		c.mgr.in.metricInc(MetricMFAInvalidFormat)
		return nil, ErrInvalidCodeFormat
	}
	c.mu.Unlock()

	return c.run(func() (*VerificationResponse, error) {
		return c.mgr.VerifyBackupCode(ctx, c.userID, code, trustDevice)
	})
}

// run executes one verification outside the lock. The atomic flag admits a
// single caller; the state moves to verifying for its duration.
func (c *Challenge) run(verify func() (*VerificationResponse, error)) (*VerificationResponse, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.mgr.in.metricInc(MetricMFADuplicateDropped)
		return nil, ErrVerificationInProgress
	}
	defer c.inFlight.Store(false)

	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	prev := c.state
	c.state = ChallengeVerifying
	c.mu.Unlock()

	resp, err := verify()

	c.mu.Lock()
	defer c.mu.Unlock()

	// closed while verifying; a minted trust token is not rolled back
	if c.state == ChallengeClosed {
		return resp, err
	}

	if prev == ChallengeVerifying {
		prev = ChallengeAwaitCode
	}
	switch {
	case err != nil:
		c.state = prev
		c.lastErr = err
		return nil, err
	case !resp.Success:
		c.state = prev
		c.lastErr = ErrVerificationFailed
		return resp, nil
	default:
		c.state = ChallengeSucceeded
		c.lastErr = nil
		c.result = resp
		return resp, nil
	}
}

// Close ends the challenge. Later calls return ErrChallengeClosed.
func (c *Challenge) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChallengeClosed
	c.selected = nil
}
