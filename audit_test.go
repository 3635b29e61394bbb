package authchain

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

func buildAuditTestProvider(t *testing.T, enabled bool, sink AuditSink, strategies ...Strategy) (*Provider, *memMFAStore, *fakeClock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Audit.Enabled = enabled
	cfg.Audit.BufferSize = 64
	cfg.Audit.DropIfFull = false

	store := newMemMFAStore()
	clock := newFakeClock()
	p, err := New().
		WithConfig(cfg).
		WithStrategies(strategies...).
		WithMFAStore(store).
		WithCodeSender(&recordingSender{}).
		WithClock(clock.Now).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return p, store, clock
}

// collectEvents closes the provider, flushing the dispatcher, and drains sink.
func collectEvents(p *Provider, sink *ChannelSink) []AuditEvent {
	p.Close()
	var out []AuditEvent
	for {
		select {
		case ev := <-sink.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func findEvent(events []AuditEvent, eventType string) (AuditEvent, bool) {
	for _, ev := range events {
		if ev.EventType == eventType {
			return ev, true
		}
	}
	return AuditEvent{}, false
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := &countingSink{}
	p, _, _ := buildAuditTestProvider(t, false, sink, newFakeStrategy("s"))

	_, _ = p.Login(WithClientIP(context.Background(), "203.0.113.1"), creds("a@x.com", "wrong"))
	p.Close()

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditLoginEventsCarryFields(t *testing.T) {
	sink := NewChannelSink(64)
	failing := newFakeStrategy("ldap")
	failing.loginErr = errors.New("dial tcp: connection refused")
	good := newFakeStrategy("hosted").withUser("a@x.com", "super-secret-password", "u-1")
	p, _, clock := buildAuditTestProvider(t, true, sink, failing, good)

	ctx := WithClientIP(context.Background(), "198.51.100.33")
	if _, err := p.Login(ctx, creds("a@x.com", "super-secret-password")); err != nil {
		t.Fatalf("Login: %v", err)
	}
	events := collectEvents(p, sink)

	strategyFailure, ok := findEvent(events, auditEventStrategyFailure)
	if !ok {
		t.Fatalf("expected strategy failure event, got %+v", events)
	}
	if strategyFailure.Strategy != "ldap" || strategyFailure.Error != string(auditErrInternal) {
		t.Fatalf("unexpected strategy failure event %+v", strategyFailure)
	}

	success, ok := findEvent(events, auditEventLoginSuccess)
	if !ok {
		t.Fatalf("expected login success event, got %+v", events)
	}
	if success.IP != "198.51.100.33" || success.UserID != "u-1" || success.Strategy != "hosted" {
		t.Fatalf("unexpected login event %+v", success)
	}
	if !success.Timestamp.Equal(clock.Now().UTC()) {
		t.Fatalf("expected injected clock timestamp, got %v", success.Timestamp)
	}
}

func TestAuditAllStrategiesFailedCode(t *testing.T) {
	sink := NewChannelSink(16)
	p, _, _ := buildAuditTestProvider(t, true, sink, newFakeStrategy("a"))

	_, _ = p.Login(context.Background(), creds("a@x.com", "pw"))
	events := collectEvents(p, sink)

	ev, ok := findEvent(events, auditEventLoginFailure)
	if !ok {
		t.Fatalf("expected login failure event, got %+v", events)
	}
	if ev.Success || ev.Error != string(auditErrAllStrategiesFailed) {
		t.Fatalf("unexpected failure event %+v", ev)
	}
}

func TestAuditMFAEventsCarryMethodAndDevice(t *testing.T) {
	sink := NewChannelSink(64)
	s := fakeStagedStrategy{newFakeStrategy("local").withUser("a@x.com", "pw", "u-1")}
	p, _, clock := buildAuditTestProvider(t, true, sink, s)
	ctx := context.Background()

	setup, err := p.MFA().SetupTOTP(ctx, "u-1")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	method, err := p.MFA().EnableMethod(ctx, MFAMethod{UserID: "u-1", Type: MethodTOTP, Secret: setup.Secret}, setup.BackupCodes)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}

	res, err := p.Login(ctx, creds("a@x.com", "pw"))
	if err != nil || !res.MFARequired {
		t.Fatalf("expected mfa required, res=%+v err=%v", res, err)
	}
	if _, err := res.Challenge.Verify(ctx, mustCode(t, setup.Secret, clock.Now()), true); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := p.CompleteMFA(ctx, nil); err != nil {
		t.Fatalf("CompleteMFA: %v", err)
	}
	events := collectEvents(p, sink)

	if _, ok := findEvent(events, auditEventMFARequired); !ok {
		t.Fatal("expected mfa_required event")
	}
	mfa, ok := findEvent(events, auditEventMFASuccess)
	if !ok || mfa.MethodID != method.ID {
		t.Fatalf("expected mfa_success for %s, got %+v", method.ID, mfa)
	}
	trust, ok := findEvent(events, auditEventTrustIssued)
	if !ok || trust.DeviceID == "" {
		t.Fatalf("expected trust_issued with device id, got %+v", trust)
	}
	for _, ev := range events {
		if _, ok := ev.Metadata[auditKeyMethodID]; ok {
			t.Fatalf("%s kept method id in metadata: %v", ev.EventType, ev.Metadata)
		}
		if _, ok := ev.Metadata[auditKeyDeviceID]; ok {
			t.Fatalf("%s kept device id in metadata: %v", ev.EventType, ev.Metadata)
		}
	}
	enabled, ok := findEvent(events, auditEventMFAMethodEnabled)
	if !ok || enabled.MethodID != method.ID || enabled.Metadata["method_type"] != string(MethodTOTP) {
		t.Fatalf("unexpected mfa_method_enabled event %+v", enabled)
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	sink := NewChannelSink(64)
	password := "correct-password-123"
	s := newFakeStrategy("local").withUser("a@x.com", password, "u-1")
	p, _, clock := buildAuditTestProvider(t, true, sink, s)
	ctx := context.Background()

	setup, err := p.MFA().SetupTOTP(ctx, "u-1")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	if _, err := p.MFA().EnableMethod(ctx, MFAMethod{UserID: "u-1", Type: MethodTOTP, Secret: setup.Secret}, setup.BackupCodes); err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}

	res, _ := p.Login(ctx, creds("a@x.com", password))
	code := mustCode(t, setup.Secret, clock.Now())
	resp, err := res.Challenge.Verify(ctx, code, true)
	if err != nil || !resp.Success {
		t.Fatalf("Verify: resp=%+v err=%v", resp, err)
	}
	if _, err := p.MFA().VerifyBackupCode(ctx, "u-1", setup.BackupCodes[0], false); err != nil {
		t.Fatalf("VerifyBackupCode: %v", err)
	}
	events := collectEvents(p, sink)
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}

	needles := []string{password, setup.Secret, code, setup.BackupCodes[0], resp.TrustToken}
	for _, ev := range events {
		for _, needle := range needles {
			if needle == "" {
				continue
			}
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field: %q", needle)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata: %q", needle)
				}
			}
		}
	}
}

func TestAuditErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want AuditErrorCode
	}{
		{nil, ""},
		{ErrInvalidCredentials, auditErrInvalidCredentials},
		{ErrAllStrategiesFailed, auditErrAllStrategiesFailed},
		{ErrCapabilityUnsupported, auditErrUnsupported},
		{ErrCooldownActive, auditErrCooldown},
		{backendErr(errStoreDown), auditErrMFAUnavailable},
		{errors.New("boom"), auditErrInternal},
	}

	for _, tc := range tests {
		if got := auditErrorCode(tc.err); got != tc.want {
			t.Fatalf("auditErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
