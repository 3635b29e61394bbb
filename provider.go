package authchain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/MrEthical07/authchain/internal/audit"
)

// Provider runs an ordered chain of strategies and holds the resulting login
// state. Strategies are consulted one at a time in priority order; the first
// success wins and later strategies are never called.
//
// A user is logged in only through the active strategy. The Provider never
// reads a strategy's session itself.
type Provider struct {
	config     Config
	strategies []Strategy
	byName     map[string]Strategy
	mfa        *MFAManager
	in         *instruments
	audit      *audit.Dispatcher

	// opMu serializes operations that talk to strategies.
	opMu sync.Mutex

	mu      sync.RWMutex
	active  Strategy
	user    *User
	lastErr error
	pending *pendingLogin
}

// pendingLogin is a first-factor success waiting on its Challenge.
type pendingLogin struct {
	strategy  Strategy
	user      *User
	challenge *Challenge
	staged    bool
	started   time.Time
}

/*
====================================
STRATEGY CALLS
====================================
*/

type strategyResult[T any] struct {
	val T
	err error
}

// callStrategy runs fn with a bounded timeout. Panics and timeouts become
// ErrStrategyUnavailable. A timed out call keeps running in its goroutine; its
// result is discarded.
func callStrategy[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return safeStrategyCall(ctx, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan strategyResult[T], 1)
	go func() {
		v, err := safeStrategyCall(ctx, fn)
		done <- strategyResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrStrategyUnavailable, ctx.Err())
	}
}

func safeStrategyCall[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = fmt.Errorf("%w: panic: %v", ErrStrategyUnavailable, r)
		}
	}()
	return fn(ctx)
}

func callStrategyErr(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := callStrategy(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (p *Provider) timeout() time.Duration {
	return p.config.Provider.StrategyTimeout
}

/*
====================================
ACCESSORS
====================================
*/

// CurrentUser returns a copy of the logged-in user, or nil.
func (p *Provider) CurrentUser() *User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user.Clone()
}

// ActiveStrategy names the strategy that owns the current session.
func (p *Provider) ActiveStrategy() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == nil {
		return ""
	}
	return p.active.Name()
}

// LastError is the error of the last failed Login, Register or profile call.
func (p *Provider) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Strategies lists strategy names in priority order.
func (p *Provider) Strategies() []string {
	out := make([]string, 0, len(p.strategies))
	for _, s := range p.strategies {
		out = append(out, s.Name())
	}
	return out
}

// Pending returns the open MFA challenge of the current login, if any.
func (p *Provider) Pending() *Challenge {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pending == nil {
		return nil
	}
	return p.pending.challenge
}

// MFA returns the MFA manager, or nil when no MFA store was configured.
func (p *Provider) MFA() *MFAManager {
	return p.mfa
}

// MetricsSnapshot copies the in-process counters.
func (p *Provider) MetricsSnapshot() MetricsSnapshot {
	if p == nil || p.in == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return p.in.metrics.Snapshot()
}

// AuditDropped counts audit events lost to a full buffer.
func (p *Provider) AuditDropped() uint64 {
	if p == nil || p.audit == nil {
		return 0
	}
	return p.audit.Dropped()
}

// Close flushes the audit dispatcher.
func (p *Provider) Close() {
	if p == nil {
		return
	}
	if p.audit != nil {
		p.audit.Close()
	}
}

func (p *Provider) setLoggedIn(s Strategy, u *User) {
	p.mu.Lock()
	p.active = s
	p.user = u.Clone()
	p.lastErr = nil
	p.mu.Unlock()
}

func (p *Provider) setLoggedOut() {
	p.mu.Lock()
	p.active = nil
	p.user = nil
	p.mu.Unlock()
}

func (p *Provider) setLastErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Provider) activeStrategy() Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

/*
====================================
INITIALIZE
====================================
*/

// Initialize restores the session from the first strategy, in priority order,
// that reports a current user. Strategy errors are logged and skipped. With
// no user anywhere the Provider is logged out.
func (p *Provider) Initialize(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.abandonLocked(ctx)

	for _, s := range p.strategies {
		u, err := callStrategy(ctx, p.timeout(), s.CurrentUser)
		if err != nil {
			log.Printf("authchain: strategy %s restore failed: %v", s.Name(), err)
			continue
		}
		if u != nil {
			p.setLoggedIn(s, u)
			return nil
		}
	}

	p.setLoggedOut()
	return nil
}

/*
====================================
LOGIN
====================================
*/

// Login tries each strategy in order until one accepts creds.
//
// A strategy that errors, panics or times out counts as a failed attempt and
// the next one is tried. When all fail, the result carries the aggregate
// message and the error is ErrAllStrategiesFailed; no session is written.
//
// When the winning user has enabled MFA methods and this device is not
// trusted for them, the result has MFARequired set and a Challenge. The
// session is committed by CompleteMFA.
func (p *Provider) Login(ctx context.Context, creds Credentials) (*AuthResult, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	start := p.in.clock()
	p.abandonLocked(ctx)
	gated := p.mfa != nil && p.config.MFA.Enabled

	for _, s := range p.strategies {
		p.in.metricInc(MetricStrategyAttempt)

		res, staged, err := p.attempt(ctx, s, creds, gated)
		if err != nil {
			p.strategyFailed(ctx, s, "login", err)
			continue
		}
		if res == nil || !res.Success || res.User == nil {
			continue
		}
		user := res.User.Clone()

		if gated {
			challenge, err := p.gate(ctx, user)
			if err != nil {
				// the second factor cannot be checked, so the first one is not enough
				p.rollback(ctx, s, staged)
				return p.loginFailed(ctx, user.ID, s.Name(), err, start)
			}
			if challenge != nil && !challenge.Passed() {
				p.mu.Lock()
				p.pending = &pendingLogin{
					strategy:  s,
					user:      user,
					challenge: challenge,
					staged:    staged,
					started:   start,
				}
				p.mu.Unlock()
				return &AuthResult{
					Success:     false,
					User:        user.Clone(),
					MFARequired: true,
					Challenge:   challenge,
					Strategy:    s.Name(),
				}, nil
			}
		}

		if staged {
			ss := s.(StagedStrategy)
			if err := callStrategyErr(ctx, p.timeout(), func(ctx context.Context) error {
				return ss.Commit(ctx, user)
			}); err != nil {
				p.strategyFailed(ctx, s, "commit", err)
				continue
			}
		}

		return p.loginSucceeded(ctx, s, user, false, start), nil
	}

	return p.loginFailed(ctx, "", "", ErrAllStrategiesFailed, start)
}

// attempt authenticates without writing a session when the strategy supports
// it and a second factor may be owed.
func (p *Provider) attempt(ctx context.Context, s Strategy, creds Credentials, gated bool) (*AuthResult, bool, error) {
	if staged, ok := s.(StagedStrategy); ok && gated {
		res, err := callStrategy(ctx, p.timeout(), func(ctx context.Context) (*AuthResult, error) {
			return staged.Authenticate(ctx, creds)
		})
		return res, true, err
	}
	res, err := callStrategy(ctx, p.timeout(), func(ctx context.Context) (*AuthResult, error) {
		return s.Login(ctx, creds)
	})
	return res, false, err
}

// gate returns the challenge owed by user, or nil when none is.
func (p *Provider) gate(ctx context.Context, user *User) (*Challenge, error) {
	need, err := p.mfa.HasEnabledMethod(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !need {
		return nil, nil
	}
	challenge, err := p.mfa.StartChallenge(ctx, user.ID)
	if errors.Is(err, ErrMFANotConfigured) {
		return nil, nil
	}
	return challenge, err
}

// rollback logs a strategy out of a session written before the second factor.
func (p *Provider) rollback(ctx context.Context, s Strategy, staged bool) {
	if staged {
		return
	}
	if err := callStrategyErr(ctx, p.timeout(), s.Logout); err != nil {
		log.Printf("authchain: strategy %s rollback failed: %v", s.Name(), err)
	}
}

func (p *Provider) strategyFailed(ctx context.Context, s Strategy, op string, err error) {
	log.Printf("authchain: strategy %s %s failed: %v", s.Name(), op, err)
	p.in.metricInc(MetricStrategyError)
	p.in.emitAudit(ctx, auditEventStrategyFailure, false, "", s.Name(), err, func() map[string]string {
		return map[string]string{"operation": op}
	})
}

func (p *Provider) loginSucceeded(ctx context.Context, s Strategy, user *User, mfaUsed bool, start time.Time) *AuthResult {
	prev := p.activeStrategy()
	p.setLoggedIn(s, user)
	if prev != nil && prev.Name() != s.Name() {
		// only one strategy may hold a session
		if err := callStrategyErr(ctx, p.timeout(), prev.Logout); err != nil {
			log.Printf("authchain: strategy %s logout after switch to %s failed: %v", prev.Name(), s.Name(), err)
		}
	}

	p.in.metricInc(MetricLoginSuccess)
	p.in.metrics.Observe(MetricLoginLatency, p.in.clock().Sub(start))
	p.in.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, s.Name(), nil, nil)
	p.recordLogin(ctx, LoginHistoryEntry{
		UserID:   user.ID,
		Strategy: s.Name(),
		Success:  true,
		MFAUsed:  mfaUsed,
	})

	return &AuthResult{
		Success:  true,
		User:     user.Clone(),
		Strategy: s.Name(),
	}
}

func (p *Provider) loginFailed(ctx context.Context, userID, strategy string, err error, start time.Time) (*AuthResult, error) {
	p.setLastErr(err)

	p.in.metricInc(MetricLoginFailure)
	p.in.metrics.Observe(MetricLoginLatency, p.in.clock().Sub(start))
	p.in.emitAudit(ctx, auditEventLoginFailure, false, userID, strategy, err, nil)
	if userID != "" {
		p.recordLogin(ctx, LoginHistoryEntry{
			UserID:        userID,
			Strategy:      strategy,
			Success:       false,
			FailureReason: string(auditErrorCode(err)),
		})
	}

	return &AuthResult{Success: false, Error: err.Error()}, err
}

func (p *Provider) recordLogin(ctx context.Context, entry LoginHistoryEntry) {
	if p.mfa == nil {
		return
	}
	if err := p.mfa.RecordLogin(ctx, entry); err != nil {
		log.Printf("authchain: record login history failed: %v", err)
	}
}

/*
====================================
MFA COMPLETION
====================================
*/

// CompleteMFA commits the pending login once its challenge passed. A nil
// challenge means the current pending one.
func (p *Provider) CompleteMFA(ctx context.Context, challenge *Challenge) (*AuthResult, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.RLock()
	pending := p.pending
	p.mu.RUnlock()

	if pending == nil || (challenge != nil && challenge != pending.challenge) {
		return nil, ErrNoPendingLogin
	}
	if !pending.challenge.Passed() {
		return nil, ErrMFAPending
	}

	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	if pending.staged {
		ss := pending.strategy.(StagedStrategy)
		if err := callStrategyErr(ctx, p.timeout(), func(ctx context.Context) error {
			return ss.Commit(ctx, pending.user)
		}); err != nil {
			p.strategyFailed(ctx, pending.strategy, "commit", err)
			return p.loginFailed(ctx, pending.user.ID, pending.strategy.Name(), err, pending.started)
		}
	}

	return p.loginSucceeded(ctx, pending.strategy, pending.user, true, pending.started), nil
}

// AbandonMFA drops the pending login. A session written before the second
// factor is logged out; trust tokens and committed sessions are untouched.
func (p *Provider) AbandonMFA(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.abandonLocked(ctx)
	return nil
}

func (p *Provider) abandonLocked(ctx context.Context) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pending == nil {
		return
	}

	pending.challenge.Close()
	p.rollback(ctx, pending.strategy, pending.staged)

	p.in.metricInc(MetricMFAAbandoned)
	p.in.emitAudit(ctx, auditEventMFAAbandoned, false, pending.user.ID, pending.strategy.Name(), nil, nil)
	p.recordLogin(ctx, LoginHistoryEntry{
		UserID:        pending.user.ID,
		Strategy:      pending.strategy.Name(),
		Success:       false,
		MFAUsed:       true,
		FailureReason: "mfa_abandoned",
	})
}

/*
====================================
SESSION OPERATIONS
====================================
*/

// Logout ends the session of the active strategy. The in-memory user is
// cleared even when the strategy fails or none is active.
func (p *Provider) Logout(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.abandonLocked(ctx)

	s := p.activeStrategy()
	user := p.CurrentUser()
	p.setLoggedOut()
	if s == nil {
		return nil
	}

	err := callStrategyErr(ctx, p.timeout(), s.Logout)
	if err != nil {
		log.Printf("authchain: strategy %s logout failed: %v", s.Name(), err)
	}

	var userID string
	if user != nil {
		userID = user.ID
	}
	p.in.metricInc(MetricLogout)
	p.in.emitAudit(ctx, auditEventLogout, err == nil, userID, s.Name(), err, nil)
	return err
}

// Register creates an account with one strategy: the active one, else
// Config.Provider.DefaultStrategy, else the first. It never falls through to
// other strategies. The new user is logged in unless verification is pending.
func (p *Provider) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s := p.registrationStrategy()
	res, err := callStrategy(ctx, p.timeout(), func(ctx context.Context) (*AuthResult, error) {
		return s.Register(ctx, req)
	})
	if err != nil {
		p.setLastErr(err)
		p.in.metricInc(MetricRegisterFailure)
		p.in.emitAudit(ctx, auditEventRegisterFailure, false, "", s.Name(), err, nil)
		return nil, err
	}
	if res == nil {
		res = &AuthResult{Success: false, Error: ErrRegistrationUnsupported.Error()}
	}
	res.Strategy = s.Name()

	if !res.Success {
		p.setLastErr(errors.New(res.Error))
		p.in.metricInc(MetricRegisterFailure)
		p.in.emitAudit(ctx, auditEventRegisterFailure, false, "", s.Name(), ErrRegistrationUnsupported, func() map[string]string {
			return map[string]string{"reason": res.Error}
		})
		return res, nil
	}

	var userID string
	if res.User != nil {
		userID = res.User.ID
		if !res.RequiresVerification {
			p.setLoggedIn(s, res.User)
		}
	}
	p.in.metricInc(MetricRegisterSuccess)
	p.in.emitAudit(ctx, auditEventRegisterSuccess, true, userID, s.Name(), nil, nil)
	return res, nil
}

func (p *Provider) registrationStrategy() Strategy {
	if s := p.activeStrategy(); s != nil {
		return s
	}
	if s, ok := p.byName[p.config.Provider.DefaultStrategy]; ok {
		return s
	}
	return p.strategies[0]
}

// requireActive returns the active strategy or ErrNoActiveSession.
func (p *Provider) requireActive() (Strategy, error) {
	s := p.activeStrategy()
	if s == nil {
		p.setLastErr(ErrNoActiveSession)
		return nil, ErrNoActiveSession
	}
	return s, nil
}

// ResetPassword starts a password reset through the active strategy.
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.requireActive()
	if err != nil {
		return err
	}
	err = callStrategyErr(ctx, p.timeout(), func(ctx context.Context) error {
		return s.ResetPassword(ctx, email)
	})
	if err != nil {
		p.setLastErr(err)
	}
	p.in.emitAudit(ctx, auditEventPasswordResetRequest, err == nil, p.currentUserID(), s.Name(), err, nil)
	return err
}

// UpdateProfile changes the current user's profile. ID and Email never change.
func (p *Provider) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.requireActive()
	if err != nil {
		return nil, err
	}
	u, err := callStrategy(ctx, p.timeout(), func(ctx context.Context) (*User, error) {
		return s.UpdateProfile(ctx, update)
	})
	if err != nil {
		p.setLastErr(err)
		p.in.emitAudit(ctx, auditEventProfileUpdated, false, p.currentUserID(), s.Name(), err, nil)
		return nil, err
	}
	if u == nil {
		return nil, ErrNoActiveSession
	}

	p.setLoggedIn(s, u)
	p.in.emitAudit(ctx, auditEventProfileUpdated, true, u.ID, s.Name(), nil, nil)
	return u.Clone(), nil
}

// RefreshSession re-reads the user from the active strategy's session. A
// session that vanished logs the Provider out.
func (p *Provider) RefreshSession(ctx context.Context) (*User, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.requireActive()
	if err != nil {
		return nil, err
	}
	u, err := callStrategy(ctx, p.timeout(), s.CurrentUser)
	if err != nil {
		p.setLastErr(err)
		return nil, err
	}
	if u == nil {
		p.setLoggedOut()
		p.setLastErr(ErrNoActiveSession)
		return nil, ErrNoActiveSession
	}
	p.setLoggedIn(s, u)
	return u.Clone(), nil
}

// VerifyEmail confirms an email token with the active strategy.
func (p *Provider) VerifyEmail(ctx context.Context, token string) (bool, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.requireActive()
	if err != nil {
		return false, err
	}
	verifier, ok := s.(EmailVerifier)
	if !ok {
		return false, ErrCapabilityUnsupported
	}
	return callStrategy(ctx, p.timeout(), func(ctx context.Context) (bool, error) {
		return verifier.VerifyEmail(ctx, token)
	})
}

// RefreshToken mints a fresh access token with the active strategy.
func (p *Provider) RefreshToken(ctx context.Context) (string, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	s, err := p.requireActive()
	if err != nil {
		return "", err
	}
	refresher, ok := s.(TokenRefresher)
	if !ok {
		return "", ErrCapabilityUnsupported
	}
	return callStrategy(ctx, p.timeout(), refresher.RefreshToken)
}

func (p *Provider) currentUserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return ""
	}
	return p.user.ID
}
