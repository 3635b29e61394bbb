package authchain

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/MrEthical07/authchain/session"
)

var backupCodePattern = regexp.MustCompile(`^\d{4}-\d{4}$`)

type mfaFixture struct {
	mgr    *MFAManager
	store  *memMFAStore
	sender *recordingSender
	clock  *fakeClock
	device *session.MemoryStore
}

func newMFAFixture(t *testing.T, mutate func(*Config)) *mfaFixture {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &mfaFixture{
		store:  newMemMFAStore(),
		sender: &recordingSender{},
		clock:  newFakeClock(),
	}
	f.device = session.NewMemoryStoreWithClock(f.clock.Now)

	mgr, err := NewMFAManager(cfg, MFADeps{
		Store:       f.store,
		Sender:      f.sender,
		DeviceStore: f.device,
		Now:         f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewMFAManager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *mfaFixture) enableTOTP(t *testing.T, userID string) (string, []string) {
	t.Helper()

	setup, err := f.mgr.SetupTOTP(context.Background(), userID)
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	if _, err := f.mgr.EnableMethod(context.Background(), MFAMethod{
		UserID: userID,
		Type:   MethodTOTP,
		Secret: setup.Secret,
	}, setup.BackupCodes); err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	return setup.Secret, setup.BackupCodes
}

func (f *mfaFixture) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, f.clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

func (f *mfaFixture) methodID(t *testing.T, userID string, typ MethodType) string {
	t.Helper()
	methods, err := f.mgr.ListMethods(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListMethods: %v", err)
	}
	for _, m := range methods {
		if m.Type == typ {
			return m.ID
		}
	}
	t.Fatalf("no %s method for %s", typ, userID)
	return ""
}

func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+5)%10
	return string(b)
}

// countingMFAStore counts lookups that would reach a backend.
type countingMFAStore struct {
	MFAStore
	calls atomic.Int64
}

func (s *countingMFAStore) GetMethod(ctx context.Context, userID, methodID string) (*MFAMethod, error) {
	s.calls.Add(1)
	return s.MFAStore.GetMethod(ctx, userID, methodID)
}

func (s *countingMFAStore) ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error) {
	s.calls.Add(1)
	return s.MFAStore.ConsumeBackupCode(ctx, userID, hash)
}

func (s *countingMFAStore) ListMethods(ctx context.Context, userID string) ([]MFAMethod, error) {
	s.calls.Add(1)
	return s.MFAStore.ListMethods(ctx, userID)
}

func TestSetupTOTPReturnsTenDistinctBackupCodes(t *testing.T) {
	f := newMFAFixture(t, nil)

	setup, err := f.mgr.SetupTOTP(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	if len(setup.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(setup.BackupCodes))
	}
	seen := map[string]bool{}
	for _, code := range setup.BackupCodes {
		if !backupCodePattern.MatchString(code) {
			t.Fatalf("backup code %q does not match XXXX-XXXX", code)
		}
		if seen[code] {
			t.Fatalf("duplicate backup code %q", code)
		}
		seen[code] = true
	}
	if !strings.HasPrefix(setup.QRCodeURL, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning url %q", setup.QRCodeURL)
	}
	if !strings.Contains(setup.QRCodeURL, "issuer=InnoSpot") {
		t.Fatalf("provisioning url missing issuer: %q", setup.QRCodeURL)
	}
	if strings.ReplaceAll(setup.ManualEntryKey, " ", "") != setup.Secret {
		t.Fatalf("manual entry key %q does not spell secret %q", setup.ManualEntryKey, setup.Secret)
	}

	// nothing is persisted before the method is enabled
	if n, _ := f.store.CountBackupCodes(context.Background(), "user-1"); n != 0 {
		t.Fatalf("expected no stored backup codes, got %d", n)
	}
}

func TestVerifyTOTPSetup(t *testing.T) {
	f := newMFAFixture(t, nil)
	setup, err := f.mgr.SetupTOTP(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	good := f.code(t, setup.Secret)

	ok, err := f.mgr.VerifyTOTPSetup(setup.Secret, good)
	if err != nil || !ok {
		t.Fatalf("expected valid code, ok=%v err=%v", ok, err)
	}
	ok, err = f.mgr.VerifyTOTPSetup(setup.Secret, wrongCode(good))
	if err != nil || ok {
		t.Fatalf("expected wrong code rejected, ok=%v err=%v", ok, err)
	}
}

func TestMalformedCodesNeverReachBackend(t *testing.T) {
	f := newMFAFixture(t, nil)
	secret, _ := f.enableTOTP(t, "user-1")
	methodID := f.methodID(t, "user-1", MethodTOTP)

	counting := &countingMFAStore{MFAStore: f.store}
	f.mgr.store = counting

	malformed := []string{"", "12345", "1234567", "12a456", "abcdef", "12 456", "١٢٣٤٥٦"}
	for _, code := range malformed {
		if _, err := f.mgr.VerifyMFACode(context.Background(), VerificationRequest{
			UserID:   "user-1",
			MethodID: methodID,
			Code:     code,
		}); !errors.Is(err, ErrInvalidCodeFormat) {
			t.Fatalf("code %q: expected ErrInvalidCodeFormat, got %v", code, err)
		}
		if _, err := f.mgr.VerifyTOTPSetup(secret, code); !errors.Is(err, ErrInvalidCodeFormat) {
			t.Fatalf("setup code %q: expected ErrInvalidCodeFormat, got %v", code, err)
		}
	}
	for _, code := range []string{"1234-567", "1234-56789", "abcd-efgh", ""} {
		if _, err := f.mgr.VerifyBackupCode(context.Background(), "user-1", code, false); !errors.Is(err, ErrInvalidCodeFormat) {
			t.Fatalf("backup code %q: expected ErrInvalidCodeFormat, got %v", code, err)
		}
	}

	if got := counting.calls.Load(); got != 0 {
		t.Fatalf("expected zero backend calls, got %d", got)
	}
}

func TestVerifyMFACodeTOTP(t *testing.T) {
	f := newMFAFixture(t, nil)
	secret, _ := f.enableTOTP(t, "user-1")
	methodID := f.methodID(t, "user-1", MethodTOTP)
	good := f.code(t, secret)

	resp, err := f.mgr.VerifyMFACode(context.Background(), VerificationRequest{
		UserID: "user-1", MethodID: methodID, Code: wrongCode(good),
	})
	if err != nil {
		t.Fatalf("VerifyMFACode: %v", err)
	}
	if resp.Success || resp.Message == "" {
		t.Fatalf("expected failure with message, got %+v", resp)
	}

	resp, err = f.mgr.VerifyMFACode(context.Background(), VerificationRequest{
		UserID: "user-1", MethodID: methodID, Code: good,
	})
	if err != nil || !resp.Success {
		t.Fatalf("expected success, resp=%+v err=%v", resp, err)
	}
	if resp.TrustToken != "" {
		t.Fatal("trust token minted without being requested")
	}

	if _, err := f.mgr.VerifyMFACode(context.Background(), VerificationRequest{
		UserID: "user-1", MethodID: "missing", Code: good,
	}); !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
}

func TestSendCodeCooldownSendsOnce(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()

	if err := f.mgr.SendSMSCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	f.clock.Advance(20 * time.Second)
	if err := f.mgr.SendSMSCode(ctx, "+15551234567"); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	if got := f.sender.count(); got != 1 {
		t.Fatalf("expected exactly one send, got %d", got)
	}

	// the refused resend did not restart the timer
	f.clock.Advance(11 * time.Second)
	if err := f.mgr.SendSMSCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("send after cooldown: %v", err)
	}
	if got := f.sender.count(); got != 2 {
		t.Fatalf("expected two sends, got %d", got)
	}
}

func TestSendCodeCooldownIsPerDestination(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()

	if err := f.mgr.SendSMSCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("sms send: %v", err)
	}
	if err := f.mgr.SendEmailCode(ctx, "a@x.com"); err != nil {
		t.Fatalf("email send: %v", err)
	}
	if err := f.mgr.SendSMSCode(ctx, "+15559876543"); err != nil {
		t.Fatalf("other number send: %v", err)
	}
	if left := f.mgr.ResendAvailableIn(MethodSMS, "+15551234567"); left <= 0 || left > 30*time.Second {
		t.Fatalf("unexpected remaining cooldown %v", left)
	}
}

func TestSendCodeFailureDoesNotStartCooldown(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()

	f.sender.fail = errors.New("gateway down")
	if err := f.mgr.SendEmailCode(ctx, "a@x.com"); !errors.Is(err, ErrCodeDeliveryFailed) {
		t.Fatalf("expected ErrCodeDeliveryFailed, got %v", err)
	}
	f.sender.fail = nil
	if err := f.mgr.SendEmailCode(ctx, "a@x.com"); err != nil {
		t.Fatalf("retry after failed delivery: %v", err)
	}
}

func TestSMSCodeIsSingleUse(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()

	method, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodSMS, Destination: "+15551234567"}, nil)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	if err := f.mgr.SendSMSCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("SendSMSCode: %v", err)
	}
	code := f.sender.last().code

	req := VerificationRequest{UserID: "user-1", MethodID: method.ID, Code: code}
	resp, err := f.mgr.VerifyMFACode(ctx, req)
	if err != nil || !resp.Success {
		t.Fatalf("expected success, resp=%+v err=%v", resp, err)
	}
	resp, err = f.mgr.VerifyMFACode(ctx, req)
	if err != nil || resp.Success {
		t.Fatalf("expected replayed code to fail, resp=%+v err=%v", resp, err)
	}
}

func TestSMSCodeExpires(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()

	method, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodEmail, Destination: "a@x.com"}, nil)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	if err := f.mgr.SendEmailCode(ctx, "a@x.com"); err != nil {
		t.Fatalf("SendEmailCode: %v", err)
	}
	code := f.sender.last().code

	f.clock.Advance(11 * time.Minute)
	resp, err := f.mgr.VerifyMFACode(ctx, VerificationRequest{UserID: "user-1", MethodID: method.ID, Code: code})
	if err != nil || resp.Success {
		t.Fatalf("expected expired code to fail, resp=%+v err=%v", resp, err)
	}
}

func TestBackupCodeConsumedOnce(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	_, codes := f.enableTOTP(t, "user-1")

	resp, err := f.mgr.VerifyBackupCode(ctx, "user-1", codes[3], false)
	if err != nil || !resp.Success {
		t.Fatalf("expected success, resp=%+v err=%v", resp, err)
	}
	resp, err = f.mgr.VerifyBackupCode(ctx, "user-1", codes[3], false)
	if err != nil || resp.Success {
		t.Fatalf("expected reused code to fail, resp=%+v err=%v", resp, err)
	}

	// the dash is optional
	resp, err = f.mgr.VerifyBackupCode(ctx, "user-1", strings.ReplaceAll(codes[4], "-", ""), false)
	if err != nil || !resp.Success {
		t.Fatalf("expected undashed code to verify, resp=%+v err=%v", resp, err)
	}

	if n, _ := f.store.CountBackupCodes(ctx, "user-1"); n != 8 {
		t.Fatalf("expected 8 remaining codes, got %d", n)
	}
}

func TestBackupCodesAreBoundToUser(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	_, codes := f.enableTOTP(t, "user-1")
	f.enableTOTP(t, "user-2")

	resp, err := f.mgr.VerifyBackupCode(ctx, "user-2", codes[0], false)
	if err != nil || resp.Success {
		t.Fatalf("expected another user's code to fail, resp=%+v err=%v", resp, err)
	}
}

func TestRegenerateBackupCodesRequiresTOTP(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	secret, old := f.enableTOTP(t, "user-1")

	if _, err := f.mgr.RegenerateBackupCodes(ctx, "user-1", wrongCode(f.code(t, secret))); !errors.Is(err, ErrBackupCodeRegenerationRequiresTOTP) {
		t.Fatalf("expected ErrBackupCodeRegenerationRequiresTOTP, got %v", err)
	}

	codes, err := f.mgr.RegenerateBackupCodes(ctx, "user-1", f.code(t, secret))
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	resp, err := f.mgr.VerifyBackupCode(ctx, "user-1", old[0], false)
	if err != nil || resp.Success {
		t.Fatalf("expected old code invalid after regeneration, resp=%+v err=%v", resp, err)
	}
}

func TestFirstEnabledMethodBecomesPrimary(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()

	f.enableTOTP(t, "user-1")
	f.clock.Advance(time.Minute)
	if _, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodSMS, Destination: "+15551234567"}, nil); err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}

	methods, err := f.mgr.ListMethods(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListMethods: %v", err)
	}
	primaries := 0
	for _, m := range methods {
		if m.Secret != "" {
			t.Fatal("ListMethods leaked a secret")
		}
		if m.Primary {
			primaries++
			if m.Type != MethodTOTP {
				t.Fatalf("expected totp primary, got %s", m.Type)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one primary, got %d", primaries)
	}
}

func TestDisablePrimaryMethodPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      PrimaryPolicy
		wantPrimary MethodType
	}{
		{name: "promote oldest", policy: PrimaryPromoteOldest, wantPrimary: MethodSMS},
		{name: "clear", policy: PrimaryClear, wantPrimary: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newMFAFixture(t, func(c *Config) { c.MFA.PrimaryPolicy = tc.policy })
			ctx := context.Background()

			f.enableTOTP(t, "user-1")
			f.clock.Advance(time.Minute)
			if _, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodSMS, Destination: "+15551234567"}, nil); err != nil {
				t.Fatalf("EnableMethod sms: %v", err)
			}
			f.clock.Advance(time.Minute)
			if _, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodEmail, Destination: "a@x.com"}, nil); err != nil {
				t.Fatalf("EnableMethod email: %v", err)
			}

			if err := f.mgr.DisableMFAMethod(ctx, "user-1", f.methodID(t, "user-1", MethodTOTP)); err != nil {
				t.Fatalf("DisableMFAMethod: %v", err)
			}

			methods, _ := f.mgr.ListMethods(ctx, "user-1")
			if len(methods) != 2 {
				t.Fatalf("expected 2 methods left, got %d", len(methods))
			}
			var got MethodType
			for _, m := range methods {
				if m.Primary {
					got = m.Type
				}
			}
			if got != tc.wantPrimary {
				t.Fatalf("expected primary %q, got %q", tc.wantPrimary, got)
			}
		})
	}
}

func TestDisableLastMethodDropsBackupCodes(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	f.enableTOTP(t, "user-1")

	if err := f.mgr.DisableMFAMethod(ctx, "user-1", f.methodID(t, "user-1", MethodTOTP)); err != nil {
		t.Fatalf("DisableMFAMethod: %v", err)
	}
	if n, _ := f.store.CountBackupCodes(ctx, "user-1"); n != 0 {
		t.Fatalf("expected backup codes dropped, got %d", n)
	}
	if err := f.mgr.DisableMFAMethod(ctx, "user-1", "missing"); !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
}

func TestDisableTOTPDropsBackupCodesWhileOtherMethodsRemain(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	_, codes := f.enableTOTP(t, "user-1")
	if _, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodEmail, Destination: "a@x.com"}, nil); err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}

	if err := f.mgr.DisableMFAMethod(ctx, "user-1", f.methodID(t, "user-1", MethodTOTP)); err != nil {
		t.Fatalf("DisableMFAMethod: %v", err)
	}
	if has, _ := f.mgr.HasEnabledMethod(ctx, "user-1"); !has {
		t.Fatal("email method lost")
	}
	resp, err := f.mgr.VerifyBackupCode(ctx, "user-1", codes[0], false)
	if err != nil || resp.Success {
		t.Fatalf("backup code accepted without a TOTP method, resp=%+v err=%v", resp, err)
	}
}

func TestDisableEmailKeepsBackupCodesWhileTOTPRemains(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	_, codes := f.enableTOTP(t, "user-1")
	email, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodEmail, Destination: "a@x.com"}, nil)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}

	if err := f.mgr.DisableMFAMethod(ctx, "user-1", email.ID); err != nil {
		t.Fatalf("DisableMFAMethod: %v", err)
	}
	if n, _ := f.store.CountBackupCodes(ctx, "user-1"); n != len(codes) {
		t.Fatalf("expected %d backup codes kept, got %d", len(codes), n)
	}
}

// failingWriteStore fails the selected writes.
type failingWriteStore struct {
	MFAStore
	failSave  bool
	failCodes bool
}

func (s *failingWriteStore) SaveMethod(ctx context.Context, method MFAMethod) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.MFAStore.SaveMethod(ctx, method)
}

func (s *failingWriteStore) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	if s.failCodes {
		return errors.New("disk full")
	}
	return s.MFAStore.ReplaceBackupCodes(ctx, userID, hashes)
}

func TestEnableMethodFailureKeepsPreviousState(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	_, oldCodes := f.enableTOTP(t, "user-1")

	for _, tc := range []struct {
		name  string
		store *failingWriteStore
	}{
		{"save fails", &failingWriteStore{MFAStore: f.store, failSave: true}},
		{"codes fail", &failingWriteStore{MFAStore: f.store, failCodes: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mgr, err := NewMFAManager(DefaultConfig(), MFADeps{Store: tc.store, Sender: f.sender, Now: f.clock.Now})
			if err != nil {
				t.Fatalf("NewMFAManager: %v", err)
			}
			setup, err := mgr.SetupTOTP(ctx, "user-1")
			if err != nil {
				t.Fatalf("SetupTOTP: %v", err)
			}
			_, err = mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodTOTP, Name: "Second phone", Secret: setup.Secret}, setup.BackupCodes)
			if !errors.Is(err, ErrMFABackendUnavailable) {
				t.Fatalf("expected ErrMFABackendUnavailable, got %v", err)
			}

			methods, _ := f.mgr.ListMethods(ctx, "user-1")
			if len(methods) != 1 {
				t.Fatalf("expected only the original method, got %+v", methods)
			}
			if n, _ := f.store.CountBackupCodes(ctx, "user-1"); n != len(oldCodes) {
				t.Fatalf("expected %d old backup codes, got %d", len(oldCodes), n)
			}
		})
	}

	resp, err := f.mgr.VerifyBackupCode(ctx, "user-1", oldCodes[0], false)
	if err != nil || !resp.Success {
		t.Fatalf("old backup code rejected, resp=%+v err=%v", resp, err)
	}
}

func TestTrustTokenWindow(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := WithUserAgent(context.Background(), "Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15")
	secret, _ := f.enableTOTP(t, "user-1")
	methodID := f.methodID(t, "user-1", MethodTOTP)

	issuedAt := f.clock.Now()
	resp, err := f.mgr.VerifyMFACode(ctx, VerificationRequest{
		UserID: "user-1", MethodID: methodID, Code: f.code(t, secret), TrustDevice: true,
	})
	if err != nil || !resp.Success {
		t.Fatalf("expected success, resp=%+v err=%v", resp, err)
	}
	if resp.TrustToken == "" || resp.DeviceID == "" {
		t.Fatalf("expected trust token and device id, got %+v", resp)
	}

	device := f.store.device(resp.DeviceID)
	if device.Browser != "Safari" || device.DeviceType != "desktop" {
		t.Fatalf("unexpected device description %+v", device)
	}
	if device.TokenHash == resp.TrustToken {
		t.Fatal("trust token stored in the clear")
	}

	for _, offset := range []time.Duration{0, time.Hour, 30*24*time.Hour - time.Second} {
		f.clock.now = issuedAt.Add(offset)
		if !f.mgr.IsDeviceTrusted(ctx) {
			t.Fatalf("expected trusted at +%v", offset)
		}
	}

	f.clock.now = issuedAt.Add(30 * 24 * time.Hour)
	if f.mgr.IsDeviceTrusted(ctx) {
		t.Fatal("expected untrusted at +30d")
	}
	if _, err := f.device.Load(ctx, "mfa_trust"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected expired token purged, got %v", err)
	}
	device = f.store.device(resp.DeviceID)
	if device.ID == "" || device.Active {
		t.Fatalf("expected device kept and inactive, got %+v", device)
	}
}

func TestRemoveTrustedDevicePurgesLocalToken(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := context.Background()
	secret, _ := f.enableTOTP(t, "user-1")

	resp, err := f.mgr.VerifyMFACode(ctx, VerificationRequest{
		UserID: "user-1", MethodID: f.methodID(t, "user-1", MethodTOTP), Code: f.code(t, secret), TrustDevice: true,
	})
	if err != nil || !resp.Success {
		t.Fatalf("expected success, resp=%+v err=%v", resp, err)
	}

	removed, err := f.mgr.RemoveTrustedDevice(ctx, "user-1", resp.DeviceID)
	if err != nil || !removed {
		t.Fatalf("expected device removed, removed=%v err=%v", removed, err)
	}
	if f.mgr.IsDeviceTrusted(ctx) {
		t.Fatal("expected device untrusted after removal")
	}
	removed, err = f.mgr.RemoveTrustedDevice(ctx, "user-1", resp.DeviceID)
	if err != nil || removed {
		t.Fatalf("expected second removal to report false, removed=%v err=%v", removed, err)
	}
}

func TestDeviceStoreFromContextOverridesDefault(t *testing.T) {
	f := newMFAFixture(t, nil)
	secret, _ := f.enableTOTP(t, "user-1")

	other := session.NewMemoryStoreWithClock(f.clock.Now)
	ctx := WithDeviceStore(context.Background(), other)
	resp, err := f.mgr.VerifyMFACode(ctx, VerificationRequest{
		UserID: "user-1", MethodID: f.methodID(t, "user-1", MethodTOTP), Code: f.code(t, secret), TrustDevice: true,
	})
	if err != nil || !resp.Success {
		t.Fatalf("expected success, resp=%+v err=%v", resp, err)
	}

	if !f.mgr.IsDeviceTrusted(ctx) {
		t.Fatal("expected the device holding the token to be trusted")
	}
	if f.mgr.IsDeviceTrusted(context.Background()) {
		t.Fatal("expected the default device to stay untrusted")
	}
}

func TestSecuritySettings(t *testing.T) {
	f := newMFAFixture(t, nil)
	ctx := WithClientIP(context.Background(), "203.0.113.7")
	f.enableTOTP(t, "user-1")

	if err := f.mgr.RecordLogin(ctx, LoginHistoryEntry{UserID: "user-1", Success: true, Strategy: "hosted"}); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}

	settings, err := f.mgr.SecuritySettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("SecuritySettings: %v", err)
	}
	if !settings.MFAEnabled || len(settings.Methods) != 1 {
		t.Fatalf("unexpected methods %+v", settings)
	}
	if settings.BackupCodesRemaining != 10 {
		t.Fatalf("expected 10 backup codes, got %d", settings.BackupCodesRemaining)
	}
	if len(settings.LoginHistory) != 1 || settings.LoginHistory[0].IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected history %+v", settings.LoginHistory)
	}
	if settings.LoginHistory[0].ID == "" {
		t.Fatal("history entry missing id")
	}
}

func TestMFABackendFailureIsWrapped(t *testing.T) {
	f := newMFAFixture(t, nil)
	f.store.failLists = true

	if _, err := f.mgr.ListMethods(context.Background(), "user-1"); !errors.Is(err, ErrMFABackendUnavailable) {
		t.Fatalf("expected ErrMFABackendUnavailable, got %v", err)
	}
}

func TestWrongCodesLockVerification(t *testing.T) {
	f := newMFAFixture(t, func(c *Config) {
		c.MFA.MaxAttempts = 3
		c.MFA.AttemptWindow = 10 * time.Minute
	})
	ctx := context.Background()
	secret, _ := f.enableTOTP(t, "user-1")
	req := VerificationRequest{UserID: "user-1", MethodID: f.methodID(t, "user-1", MethodTOTP)}

	for i := 0; i < 3; i++ {
		req.Code = wrongCode(f.code(t, secret))
		resp, err := f.mgr.VerifyMFACode(ctx, req)
		if err != nil || resp.Success {
			t.Fatalf("attempt %d: resp=%+v err=%v", i, resp, err)
		}
	}

	req.Code = f.code(t, secret)
	if _, err := f.mgr.VerifyMFACode(ctx, req); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts for a correct code while locked, got %v", err)
	}
	if _, err := f.mgr.RegenerateBackupCodes(ctx, "user-1", f.code(t, secret)); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected regeneration locked too, got %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	req.Code = f.code(t, secret)
	resp, err := f.mgr.VerifyMFACode(ctx, req)
	if err != nil || !resp.Success {
		t.Fatalf("expected success after the window, resp=%+v err=%v", resp, err)
	}
}

func TestSuccessClearsAttemptCount(t *testing.T) {
	f := newMFAFixture(t, func(c *Config) { c.MFA.MaxAttempts = 2 })
	ctx := context.Background()
	secret, _ := f.enableTOTP(t, "user-1")
	req := VerificationRequest{UserID: "user-1", MethodID: f.methodID(t, "user-1", MethodTOTP)}

	for round := 0; round < 3; round++ {
		req.Code = wrongCode(f.code(t, secret))
		if resp, err := f.mgr.VerifyMFACode(ctx, req); err != nil || resp.Success {
			t.Fatalf("round %d wrong code: resp=%+v err=%v", round, resp, err)
		}
		req.Code = f.code(t, secret)
		if resp, err := f.mgr.VerifyMFACode(ctx, req); err != nil || !resp.Success {
			t.Fatalf("round %d good code: resp=%+v err=%v", round, resp, err)
		}
		// the next TOTP step, so a code is never replayed
		f.clock.Advance(30 * time.Second)
	}
}

func TestEmailCodeCannotBeGuessed(t *testing.T) {
	f := newMFAFixture(t, func(c *Config) { c.MFA.MaxAttempts = 5 })
	ctx := context.Background()
	method, err := f.mgr.EnableMethod(ctx, MFAMethod{UserID: "user-1", Type: MethodEmail, Destination: "a@x.com"}, nil)
	if err != nil {
		t.Fatalf("EnableMethod: %v", err)
	}
	if err := f.mgr.SendEmailCode(ctx, "a@x.com"); err != nil {
		t.Fatalf("SendEmailCode: %v", err)
	}
	sent := f.sender.last().code

	req := VerificationRequest{UserID: "user-1", MethodID: method.ID}
	for i := 0; i < 5; i++ {
		req.Code = wrongCode(sent)
		if resp, err := f.mgr.VerifyMFACode(ctx, req); err != nil || resp.Success {
			t.Fatalf("guess %d: resp=%+v err=%v", i, resp, err)
		}
	}
	req.Code = sent
	if _, err := f.mgr.VerifyMFACode(ctx, req); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected lockout before the real code, got %v", err)
	}
}

func TestBackupCodeAttemptsLimited(t *testing.T) {
	f := newMFAFixture(t, func(c *Config) { c.MFA.MaxAttempts = 2 })
	ctx := context.Background()
	_, codes := f.enableTOTP(t, "user-1")

	for i := 0; i < 2; i++ {
		if resp, err := f.mgr.VerifyBackupCode(ctx, "user-1", "0000-0000", false); err != nil || resp.Success {
			t.Fatalf("guess %d: resp=%+v err=%v", i, resp, err)
		}
	}
	if _, err := f.mgr.VerifyBackupCode(ctx, "user-1", codes[0], false); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
	if n, _ := f.store.CountBackupCodes(ctx, "user-1"); n != len(codes) {
		t.Fatalf("locked attempt spent a code: %d left", n)
	}

	// lockouts are per user
	other, _ := f.mgr.VerifyBackupCode(ctx, "user-2", "0000-0000", false)
	if other == nil || other.Success {
		t.Fatalf("user-2 must not share user-1's lockout, got %+v", other)
	}
}

func TestAttemptLimitDisabled(t *testing.T) {
	f := newMFAFixture(t, func(c *Config) { c.MFA.MaxAttempts = 0 })
	ctx := context.Background()
	_, codes := f.enableTOTP(t, "user-1")

	for i := 0; i < 20; i++ {
		if _, err := f.mgr.VerifyBackupCode(ctx, "user-1", "0000-0000", false); err != nil {
			t.Fatalf("guess %d: %v", i, err)
		}
	}
	if resp, err := f.mgr.VerifyBackupCode(ctx, "user-1", codes[0], false); err != nil || !resp.Success {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
}
