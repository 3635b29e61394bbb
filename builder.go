package authchain

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authchain/internal/audit"
	"github.com/MrEthical07/authchain/jwt"
	"github.com/MrEthical07/authchain/session"
)

// Builder assembles a Provider. Configure it once, call Build once.
type Builder struct {
	config     Config
	strategies []Strategy

	mfaStore    MFAStore
	codeSender  CodeSender
	otpStore    session.Store
	deviceStore session.Store

	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStrategies sets the chain in priority order, most trusted first.
func (b *Builder) WithStrategies(strategies ...Strategy) *Builder {
	b.strategies = append([]Strategy(nil), strategies...)
	return b
}

// WithMFAStore enables second factors. Without it logins are never gated.
func (b *Builder) WithMFAStore(store MFAStore) *Builder {
	b.mfaStore = store
	return b
}

func (b *Builder) WithCodeSender(sender CodeSender) *Builder {
	b.codeSender = sender
	return b
}

// WithOTPStore sets where pending SMS and email codes live. Use a shared
// store such as session.RedisStore when several processes verify codes.
func (b *Builder) WithOTPStore(store session.Store) *Builder {
	b.otpStore = store
	return b
}

// WithDeviceStore sets the default store for this device's trust token.
func (b *Builder) WithDeviceStore(store session.Store) *Builder {
	b.deviceStore = store
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithClock replaces time.Now for cooldowns, trust expiry and audit stamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and returns the Provider.
func (b *Builder) Build() (*Provider, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(b.strategies) == 0 {
		return nil, ErrNoStrategies
	}
	byName := make(map[string]Strategy, len(b.strategies))
	for i, s := range b.strategies {
		if s == nil {
			return nil, fmt.Errorf("strategy %d is nil", i)
		}
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("strategy %d has no name", i)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate strategy %q", name)
		}
		byName[name] = s
	}
	if d := cfg.Provider.DefaultStrategy; d != "" {
		if _, ok := byName[d]; !ok {
			return nil, fmt.Errorf("Provider DefaultStrategy %q is not in the chain", d)
		}
	}

	dispatcher := audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	in := &instruments{
		audit:   dispatcher,
		metrics: NewMetrics(cfg.Metrics),
		now:     b.now,
	}

	provider := &Provider{
		config:     cfg,
		strategies: append([]Strategy(nil), b.strategies...),
		byName:     byName,
		in:         in,
		audit:      dispatcher,
	}

	if b.mfaStore != nil {
		mgr, err := newMFAManager(cfg, MFADeps{
			Store:       b.mfaStore,
			Sender:      b.codeSender,
			OTPStore:    b.otpStore,
			DeviceStore: b.deviceStore,
		}, in)
		if err != nil {
			dispatcher.Close()
			return nil, err
		}
		provider.mfa = mgr
	}

	b.built = true

	return provider, nil
}

// NewTokenIssuer returns the access-token manager described by cfg.JWT.
// Strategies use it to answer RefreshToken.
func NewTokenIssuer(cfg Config) (*jwt.Manager, error) {
	key := cloneBytes(cfg.JWT.PrivateKey)
	if cfg.JWT.SigningMethod == string(jwt.MethodHS256) && len(key) == 0 {
		key = []byte(cfg.JWT.Secret)
	}
	return jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    key,
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		DemoAccessTTL: cfg.JWT.DemoAccessTTL,
	})
}
