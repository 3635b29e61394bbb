package authchain

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full authchain configuration. Obtain one from DefaultConfig or
// LoadConfigFile and treat it as immutable after Build.
type Config struct {
	Provider    ProviderConfig   `toml:"provider"`
	MFA         MFAConfig        `toml:"mfa"`
	TOTP        TOTPConfig       `toml:"totp"`
	Trust       TrustConfig      `toml:"trust"`
	Session     SessionConfig    `toml:"session"`
	JWT         JWTConfig        `toml:"jwt"`
	Audit       AuditConfig      `toml:"audit"`
	Metrics     MetricsConfig    `toml:"metrics"`
}

/*
====================================
PROVIDER CONFIG
====================================
*/

// ProviderConfig controls the strategy chain.
type ProviderConfig struct {
	// StrategyTimeout bounds each individual strategy call. Zero disables the bound.
	StrategyTimeout time.Duration `toml:"strategy_timeout"`
	// DefaultStrategy names the strategy Register uses when nobody is logged in.
	// Empty means the first strategy in the chain.
	DefaultStrategy string `toml:"default_strategy"`
}

/*
====================================
MFA CONFIG
====================================
*/

// PrimaryPolicy decides what happens to the primary flag when the primary
// method is disabled.
type PrimaryPolicy string

const (
	// PrimaryPromoteOldest moves the flag to the oldest remaining enabled method.
	PrimaryPromoteOldest PrimaryPolicy = "promote_oldest"
	// PrimaryClear leaves the user without a primary method.
	PrimaryClear PrimaryPolicy = "clear"
)

// MFAConfig controls second-factor verification.
type MFAConfig struct {
	Enabled        bool          `toml:"enabled"`
	CodeDigits     int           `toml:"code_digits"`
	CodeTTL        time.Duration `toml:"code_ttl"`
	ResendCooldown time.Duration `toml:"resend_cooldown"`
	PrimaryPolicy  PrimaryPolicy `toml:"primary_policy"`
	HistoryLimit   int           `toml:"history_limit"`
	// MaxAttempts wrong codes lock verification for AttemptWindow. Zero
	// disables the limit.
	MaxAttempts   int           `toml:"max_attempts"`
	AttemptWindow time.Duration `toml:"attempt_window"`
}

// TOTPConfig controls authenticator-app secrets and validation.
type TOTPConfig struct {
	Issuer     string `toml:"issuer"`
	Period     uint   `toml:"period"`
	Skew       uint   `toml:"skew"`
	SecretSize uint   `toml:"secret_size"`
}

/*
====================================
TRUST CONFIG
====================================
*/

// TrustConfig controls "trust this device".
type TrustConfig struct {
	TTL        time.Duration `toml:"ttl"`
	StorageKey string        `toml:"storage_key"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls strategy session records.
type SessionConfig struct {
	TTL         time.Duration `toml:"ttl"`
	KeyPrefix   string        `toml:"key_prefix"`
	RedisPrefix string        `toml:"redis_prefix"`
	Dir         string        `toml:"dir"`
}

// JWTConfig controls access tokens minted on RefreshToken.
type JWTConfig struct {
	AccessTTL     time.Duration `toml:"access_ttl"`
	SigningMethod string        `toml:"signing_method"` // "hs256" (default) or "ed25519"
	Secret        string        `toml:"secret"`
	Issuer        string        `toml:"issuer"`
	Audience      string        `toml:"audience"`
	// DemoAccessTTL caps tokens for demo accounts. Zero means AccessTTL.
	DemoAccessTTL time.Duration `toml:"demo_access_ttl"`
	PrivateKey    []byte        `toml:"-"`
	PublicKey     []byte        `toml:"-"`
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `toml:"enabled"`
	BufferSize int  `toml:"buffer_size"`
	DropIfFull bool `toml:"drop_if_full"`
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			StrategyTimeout: 10 * time.Second,
		},
		MFA: MFAConfig{
			Enabled:        true,
			CodeDigits:     6,
			CodeTTL:        10 * time.Minute,
			ResendCooldown: 30 * time.Second,
			PrimaryPolicy:  PrimaryPromoteOldest,
			HistoryLimit:   20,
			MaxAttempts:    5,
			AttemptWindow:  15 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:     "InnoSpot",
			Period:     30,
			Skew:       1,
			SecretSize: 20,
		},
		Trust: TrustConfig{
			TTL:        30 * 24 * time.Hour,
			StorageKey: "mfa_trust",
		},
		Session: SessionConfig{
			TTL:         7 * 24 * time.Hour,
			KeyPrefix:   "session:",
			RedisPrefix: "authchain",
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Issuer:        "authchain",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
LOADING
====================================
*/

// LoadConfigFile decodes a TOML file on top of DefaultConfig and validates the
// result. Unknown keys are an error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteConfig encodes cfg as TOML.
func WriteConfig(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Provider
	if c.Provider.StrategyTimeout < 0 {
		return errors.New("Provider StrategyTimeout must be >= 0")
	}

	// MFA
	if c.MFA.CodeDigits != 6 {
		return errors.New("MFA CodeDigits must be 6")
	}
	if c.MFA.CodeTTL <= 0 {
		return errors.New("MFA CodeTTL must be > 0")
	}
	if c.MFA.ResendCooldown < 0 {
		return errors.New("MFA ResendCooldown must be >= 0")
	}
	if c.MFA.PrimaryPolicy != PrimaryPromoteOldest && c.MFA.PrimaryPolicy != PrimaryClear {
		return errors.New("MFA PrimaryPolicy must be promote_oldest or clear")
	}
	if c.MFA.HistoryLimit < 0 {
		return errors.New("MFA HistoryLimit must be >= 0")
	}
	if c.MFA.MaxAttempts < 0 {
		return errors.New("MFA MaxAttempts must be >= 0")
	}
	if c.MFA.MaxAttempts > 0 && c.MFA.AttemptWindow <= 0 {
		return errors.New("MFA AttemptWindow must be > 0 when MaxAttempts is set")
	}

	// TOTP
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must not be empty")
	}
	if strings.Contains(c.TOTP.Issuer, ":") {
		return errors.New("TOTP Issuer must not contain ':'")
	}
	if c.TOTP.Period == 0 {
		return errors.New("TOTP Period must be > 0")
	}
	if c.TOTP.Skew > 3 {
		return errors.New("TOTP Skew must be <= 3")
	}
	if c.TOTP.SecretSize < 10 {
		return errors.New("TOTP SecretSize must be >= 10")
	}

	// Trust
	if c.Trust.TTL <= 0 {
		return errors.New("Trust TTL must be > 0")
	}
	if c.Trust.StorageKey == "" {
		return errors.New("Trust StorageKey must not be empty")
	}

	// Session
	if c.Session.TTL < 0 {
		return errors.New("Session TTL must be >= 0")
	}
	if c.Session.KeyPrefix == "" {
		return errors.New("Session KeyPrefix must not be empty")
	}

	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.DemoAccessTTL < 0 {
		return errors.New("JWT DemoAccessTTL must be >= 0")
	}
	if c.JWT.SigningMethod != "hs256" && c.JWT.SigningMethod != "ed25519" {
		return errors.New("unsupported JWT signing method")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	return nil
}
