package authchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrEthical07/authchain/internal"
	"github.com/MrEthical07/authchain/session"
)

const cooldownPruneThreshold = 1024

// cooldowns holds one single-token limiter per destination. A limiter refills
// one token per cooldown period, so a send is allowed only when a full period
// has passed since the previous one.
type cooldowns struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func newCooldowns(every time.Duration) *cooldowns {
	return &cooldowns{
		every:    every,
		limiters: make(map[string]*rate.Limiter),
	}
}

// reserve takes the token for key at now. The returned reservation is nil
// when cooldowns are disabled. On false nothing changes, so a refused resend
// never extends the timer.
func (c *cooldowns) reserve(key string, now time.Time) (*rate.Reservation, bool) {
	if c == nil || c.every <= 0 {
		return nil, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[key]
	if !ok {
		if len(c.limiters) >= cooldownPruneThreshold {
			c.pruneLocked(now)
		}
		lim = rate.NewLimiter(rate.Every(c.every), 1)
		c.limiters[key] = lim
	}

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	return r, true
}

// release hands back a token taken by reserve, used when delivery failed.
func (c *cooldowns) release(r *rate.Reservation, now time.Time) {
	if r == nil {
		return
	}
	r.CancelAt(now)
}

// remaining reports how long until key may send again.
func (c *cooldowns) remaining(key string, now time.Time) time.Duration {
	if c == nil || c.every <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[key]
	if !ok {
		return 0
	}
	deficit := 1 - lim.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit * float64(c.every))
}

// pruneLocked drops limiters that have fully refilled.
func (c *cooldowns) pruneLocked(now time.Time) {
	for key, lim := range c.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(c.limiters, key)
		}
	}
}

func cooldownKey(typ MethodType, destination string) string {
	return string(typ) + ":" + destination
}

func pendingCodeKey(typ MethodType, destination string) string {
	return "mfa:otp:" + string(typ) + ":" + destination
}

// SendSMSCode sends a one-time code to phone. A second send to the same
// number within the resend cooldown fails with ErrCooldownActive and sends
// nothing.
func (m *MFAManager) SendSMSCode(ctx context.Context, phone string) error {
	return m.sendCode(ctx, MethodSMS, phone)
}

// SendEmailCode sends a one-time code to email, under the same cooldown rules
// as SendSMSCode.
func (m *MFAManager) SendEmailCode(ctx context.Context, email string) error {
	return m.sendCode(ctx, MethodEmail, email)
}

// ResendAvailableIn reports the remaining cooldown for a destination.
func (m *MFAManager) ResendAvailableIn(typ MethodType, destination string) time.Duration {
	if m == nil {
		return 0
	}
	return m.cooldowns.remaining(cooldownKey(typ, normalizeDestination(typ, destination)), m.in.clock())
}

func normalizeDestination(typ MethodType, destination string) string {
	destination = strings.TrimSpace(destination)
	if typ == MethodEmail {
		destination = strings.ToLower(destination)
	}
	return destination
}

func validDestination(typ MethodType, destination string) bool {
	switch typ {
	case MethodSMS:
		digits := strings.TrimPrefix(destination, "+")
		return len(digits) >= 7 && len(digits) <= 15 && isNumericString(digits)
	case MethodEmail:
		at := strings.LastIndexByte(destination, '@')
		return at > 0 && at < len(destination)-1 && !strings.ContainsAny(destination, " \t\r\n")
	default:
		return false
	}
}

func (m *MFAManager) sendCode(ctx context.Context, typ MethodType, destination string) error {
	if m == nil {
		return ErrEngineNotReady
	}
	destination = normalizeDestination(typ, destination)
	if !validDestination(typ, destination) {
		return fmt.Errorf("%w: invalid %s destination", ErrCodeDeliveryFailed, typ)
	}

	now := m.in.clock()
	reservation, ok := m.cooldowns.reserve(cooldownKey(typ, destination), now)
	if !ok {
		m.in.metricInc(MetricMFACooldownHit)
		return ErrCooldownActive
	}

	code, err := internal.NewOTP(m.config.MFA.CodeDigits)
	if err != nil {
		m.cooldowns.release(reservation, now)
		return err
	}

	key := pendingCodeKey(typ, destination)
	if err := m.otpStore.Save(ctx, key, []byte(pendingCodeHash(key, code)), m.config.MFA.CodeTTL); err != nil {
		m.cooldowns.release(reservation, now)
		return fmt.Errorf("%w: %v", ErrMFABackendUnavailable, err)
	}

	if typ == MethodSMS {
		err = m.sender.SendSMS(ctx, destination, code)
	} else {
		err = m.sender.SendEmail(ctx, destination, code)
	}
	if err != nil {
		m.cooldowns.release(reservation, now)
		_ = m.otpStore.Delete(ctx, key)
		m.in.emitAudit(ctx, auditEventMFACodeSent, false, "", "", ErrCodeDeliveryFailed, func() map[string]string {
			return map[string]string{"method_type": string(typ)}
		})
		return fmt.Errorf("%w: %v", ErrCodeDeliveryFailed, err)
	}

	m.in.metricInc(MetricMFACodeSent)
	m.in.emitAudit(ctx, auditEventMFACodeSent, true, "", "", nil, func() map[string]string {
		return map[string]string{"method_type": string(typ)}
	})
	return nil
}

// consumePendingCode checks code against the pending code for destination and
// deletes it on a match. A missing or expired code never matches.
func (m *MFAManager) consumePendingCode(ctx context.Context, typ MethodType, destination, code string) (bool, error) {
	key := pendingCodeKey(typ, normalizeDestination(typ, destination))
	stored, err := m.otpStore.Load(ctx, key)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrMFABackendUnavailable, err)
	}
	if !internal.EqualHash(string(stored), pendingCodeHash(key, code)) {
		return false, nil
	}
	if err := m.otpStore.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFABackendUnavailable, err)
	}
	return true, nil
}

func pendingCodeHash(key, code string) string {
	return internal.HashSecret(key + "\x00" + code)
}
