package authchain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpManager wraps pquerna/otp with the configured issuer, period and skew.
type totpManager struct {
	config TOTPConfig
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	return &totpManager{config: cfg}
}

type totpSecret struct {
	Secret         string
	URL            string
	ManualEntryKey string
}

// Generate creates a fresh base32 secret for account.
func (m *totpManager) Generate(account string) (totpSecret, error) {
	if m == nil {
		return totpSecret{}, ErrEngineNotReady
	}
	if account == "" {
		return totpSecret{}, errors.New("totp account name must not be empty")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      m.config.Period,
		SecretSize:  m.config.SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return totpSecret{}, fmt.Errorf("generate totp secret: %w", err)
	}

	return totpSecret{
		Secret:         key.Secret(),
		URL:            key.URL(),
		ManualEntryKey: manualEntryKey(key.Secret()),
	}, nil
}

// Validate reports whether code matches secret at now, within the skew window.
// The caller has already checked the code format.
func (m *totpManager) Validate(secret, code string, now time.Time) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}
	if secret == "" {
		return false, errors.New("empty totp secret")
	}

	ok, err := totp.ValidateCustom(code, secret, now.UTC(), m.validateOpts())
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (m *totpManager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    m.config.Period,
		Skew:      m.config.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// manualEntryKey splits a base32 secret into space separated groups of four.
func manualEntryKey(secret string) string {
	var b strings.Builder
	b.Grow(len(secret) + len(secret)/4)
	for i, r := range secret {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isSixDigitCode is the local format check run before any backend call.
func isSixDigitCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	return isNumericString(code)
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
