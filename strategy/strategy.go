package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/jwt"
	"github.com/MrEthical07/authchain/session"
)

// Names of the stock strategies.
const (
	NameLocalDemo      = "local-demo"
	NameProductionDemo = "production-demo"
	NameHosted         = "hosted"
	NameEnterprise     = "enterprise"
)

const (
	defaultKeyPrefix  = "session:"
	defaultSessionTTL = 7 * 24 * time.Hour
)

// Strategy authenticates against one credential store and keeps its session
// record under one key of one session.Store.
//
// Login writes the record only on success. CurrentUser decodes the record and
// never calls the credential store.
type Strategy struct {
	name   string
	creds  authchain.CredentialStore
	store  session.Store
	key    string
	ttl    time.Duration
	demo   bool
	issuer *jwt.Manager
	now    func() time.Time

	// mu orders session writes of this strategy.
	mu sync.Mutex
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithTokenIssuer lets RefreshToken mint access tokens for the session user
// when the credential store cannot refresh on its own.
func WithTokenIssuer(m *jwt.Manager) Option {
	return func(s *Strategy) {
		s.issuer = m
	}
}

// WithSessionTTL sets the absolute lifetime of session records. Zero keeps
// records until Logout.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Strategy) {
		s.ttl = ttl
	}
}

// WithKeyPrefix sets the prefix of the session key. The key is prefix + name.
func WithKeyPrefix(prefix string) Option {
	return func(s *Strategy) {
		s.key = prefix + s.name
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Strategy) {
		if now != nil {
			s.now = now
		}
	}
}

// WithConfig applies the session and token settings of cfg.
func WithConfig(cfg authchain.Config) Option {
	return func(s *Strategy) {
		s.ttl = cfg.Session.TTL
		s.key = cfg.Session.KeyPrefix + s.name
	}
}

// New returns a strategy called name. Names must be unique within a chain.
func New(name string, creds authchain.CredentialStore, store session.Store, opts ...Option) (*Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("strategy name must not be empty")
	}
	if creds == nil {
		return nil, fmt.Errorf("strategy %s: credential store is nil", name)
	}
	if store == nil {
		return nil, fmt.Errorf("strategy %s: session store is nil", name)
	}

	s := &Strategy{
		name:  name,
		creds: creds,
		store: store,
		key:   defaultKeyPrefix + name,
		ttl:   defaultSessionTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl < 0 {
		return nil, fmt.Errorf("strategy %s: negative session ttl", name)
	}
	return s, nil
}

// NewLocalDemo is the demo strategy whose session survives restarts.
func NewLocalDemo(creds authchain.CredentialStore, store session.Store, opts ...Option) (*Strategy, error) {
	return newScoped(NameLocalDemo, session.ScopeDurable, true, creds, store, opts)
}

// NewProductionDemo is the demo strategy whose session ends with the process.
func NewProductionDemo(creds authchain.CredentialStore, store session.Store, opts ...Option) (*Strategy, error) {
	return newScoped(NameProductionDemo, session.ScopeEphemeral, true, creds, store, opts)
}

// NewHosted authenticates against a hosted identity provider.
func NewHosted(creds authchain.CredentialStore, store session.Store, opts ...Option) (*Strategy, error) {
	return newScoped(NameHosted, session.ScopeDurable, false, creds, store, opts)
}

// NewEnterprise authenticates against a corporate directory.
func NewEnterprise(creds authchain.CredentialStore, store session.Store, opts ...Option) (*Strategy, error) {
	return newScoped(NameEnterprise, session.ScopeDurable, false, creds, store, opts)
}

func newScoped(name string, scope session.Scope, demo bool, creds authchain.CredentialStore, store session.Store, opts []Option) (*Strategy, error) {
	if store != nil && store.Scope() != scope {
		return nil, fmt.Errorf("strategy %s requires a %s session store, got %s", name, scope, store.Scope())
	}
	s, err := New(name, creds, store, opts...)
	if err != nil {
		return nil, err
	}
	s.demo = demo
	return s, nil
}

func (s *Strategy) Name() string {
	return s.name
}

// SessionKey is the key of this strategy's record in its store.
func (s *Strategy) SessionKey() string {
	return s.key
}

/*
====================================
LOGIN
====================================
*/

// Authenticate checks creds without writing a session. Wrong credentials are
// a failed result; backend failures are errors.
func (s *Strategy) Authenticate(ctx context.Context, creds authchain.Credentials) (*authchain.AuthResult, error) {
	u, err := s.creds.Authenticate(ctx, creds)
	if err != nil {
		if errors.Is(err, authchain.ErrInvalidCredentials) || errors.Is(err, authchain.ErrUserNotFound) {
			return &authchain.AuthResult{
				Success:  false,
				Error:    authchain.ErrInvalidCredentials.Error(),
				Strategy: s.name,
			}, nil
		}
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("strategy %s: credential store returned no user", s.name)
	}

	u = u.Clone()
	if s.demo {
		u.IsDemo = true
	}
	return &authchain.AuthResult{Success: true, User: u, Strategy: s.name}, nil
}

// Commit writes the session record for user.
func (s *Strategy) Commit(ctx context.Context, user *authchain.User) error {
	if user == nil || user.ID == "" {
		return errors.New("commit requires a user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := toSession(s.name, user)
	rec.IssuedAt = now.Unix()
	if s.ttl > 0 {
		rec.ExpiresAt = now.Add(s.ttl).Unix()
	}
	return session.SaveSession(ctx, s.store, s.key, rec, now)
}

// Login authenticates and, on success, writes the session.
func (s *Strategy) Login(ctx context.Context, creds authchain.Credentials) (*authchain.AuthResult, error) {
	res, err := s.Authenticate(ctx, creds)
	if err != nil || !res.Success {
		return res, err
	}
	if err := s.Commit(ctx, res.User); err != nil {
		return nil, fmt.Errorf("strategy %s: write session: %w", s.name, err)
	}
	return res, nil
}

func (s *Strategy) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, s.key)
}

/*
====================================
SESSION
====================================
*/

// CurrentUser decodes the session record. A missing, expired or unreadable
// record means nobody is logged in.
func (s *Strategy) CurrentUser(ctx context.Context) (*authchain.User, error) {
	rec, err := s.load(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	return fromSession(rec), nil
}

func (s *Strategy) load(ctx context.Context) (*session.Session, error) {
	rec, err := session.LoadSession(ctx, s.store, s.key, s.now())
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, nil
	case errors.Is(err, session.ErrRedisUnavailable), errors.Is(err, session.ErrStorageUnavailable):
		return nil, err
	default:
		// LoadSession already dropped the unreadable record
		log.Printf("authchain: strategy %s discarded session record: %v", s.name, err)
		return nil, nil
	}
}

// save rewrites rec keeping its original expiry.
func (s *Strategy) save(ctx context.Context, rec *session.Session) error {
	return session.SaveSession(ctx, s.store, s.key, rec, s.now())
}

/*
====================================
ACCOUNT OPERATIONS
====================================
*/

// Register creates an account when the credential store supports it. A store
// without registration yields a failed result, not an error. Accounts that
// must confirm their email are not logged in.
func (s *Strategy) Register(ctx context.Context, req authchain.RegisterRequest) (*authchain.AuthResult, error) {
	registrar, ok := s.creds.(authchain.Registrar)
	if !ok {
		return &authchain.AuthResult{
			Success:  false,
			Error:    authchain.ErrRegistrationUnsupported.Error(),
			Strategy: s.name,
		}, nil
	}

	u, err := registrar.Register(ctx, req)
	if err != nil {
		if errors.Is(err, authchain.ErrAccountExists) {
			return &authchain.AuthResult{Success: false, Error: err.Error(), Strategy: s.name}, nil
		}
		return nil, err
	}

	_, verifies := s.creds.(authchain.EmailVerifier)
	if verifies && !u.EmailVerified {
		return &authchain.AuthResult{
			Success:              true,
			User:                 u.Clone(),
			RequiresVerification: true,
			Strategy:             s.name,
		}, nil
	}

	if s.demo {
		u.IsDemo = true
	}
	if err := s.Commit(ctx, u); err != nil {
		return nil, fmt.Errorf("strategy %s: write session: %w", s.name, err)
	}
	return &authchain.AuthResult{Success: true, User: u.Clone(), Strategy: s.name}, nil
}

func (s *Strategy) ResetPassword(ctx context.Context, email string) error {
	resetter, ok := s.creds.(authchain.PasswordResetter)
	if !ok {
		return authchain.ErrPasswordResetUnsupported
	}
	return resetter.ResetPassword(ctx, strings.TrimSpace(email))
}

// UpdateProfile changes the session user's profile and persists it through
// the credential store when it can. ID and Email are kept.
func (s *Strategy) UpdateProfile(ctx context.Context, update authchain.ProfileUpdate) (*authchain.User, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, authchain.ErrNoActiveSession
	}
	current := fromSession(rec)

	var updated *authchain.User
	if updater, ok := s.creds.(authchain.ProfileUpdater); ok {
		updated, err = updater.UpdateProfile(ctx, current.ID, update)
		if err != nil {
			return nil, err
		}
		updated = updated.Clone()
	} else {
		updated = update.Apply(current, s.now())
	}
	updated.ID = current.ID
	updated.Email = current.Email
	updated.IsDemo = current.IsDemo

	next := toSession(s.name, updated)
	next.IssuedAt = rec.IssuedAt
	next.ExpiresAt = rec.ExpiresAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}
	return updated, nil
}

// VerifyEmail confirms token with the credential store. A logged-in user is
// marked verified in the session record.
func (s *Strategy) VerifyEmail(ctx context.Context, token string) (bool, error) {
	verifier, ok := s.creds.(authchain.EmailVerifier)
	if !ok {
		return false, authchain.ErrCapabilityUnsupported
	}
	verified, err := verifier.VerifyEmail(ctx, token)
	if err != nil || !verified {
		return verified, err
	}

	rec, err := s.load(ctx)
	if err != nil || rec == nil || rec.EmailVerified {
		return true, nil
	}
	rec.EmailVerified = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, rec); err != nil {
		log.Printf("authchain: strategy %s session verify flag not saved: %v", s.name, err)
	}
	return true, nil
}

// RefreshToken returns a fresh access token for the session user. The
// credential store refreshes when it can; otherwise the configured issuer
// signs one.
func (s *Strategy) RefreshToken(ctx context.Context) (string, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", authchain.ErrNoActiveSession
	}

	if refresher, ok := s.creds.(authchain.SessionRefresher); ok {
		return refresher.Refresh(ctx, rec.UserID)
	}
	if s.issuer == nil {
		return "", authchain.ErrCapabilityUnsupported
	}
	return s.issuer.CreateAccess(jwt.Subject{
		UserID:   rec.UserID,
		Email:    rec.Email,
		Role:     rec.Role,
		Strategy: s.name,
		Demo:     rec.IsDemo,
	})
}

func toSession(name string, u *authchain.User) *session.Session {
	rec := &session.Session{
		Strategy:      name,
		UserID:        u.ID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		AvatarURL:     u.AvatarURL,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		IsDemo:        u.IsDemo,
	}
	if !u.CreatedAt.IsZero() {
		rec.UserCreatedAt = u.CreatedAt.Unix()
	}
	if len(u.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			rec.Metadata[k] = v
		}
	}
	return rec
}

func fromSession(rec *session.Session) *authchain.User {
	u := &authchain.User{
		ID:            rec.UserID,
		Email:         rec.Email,
		DisplayName:   rec.DisplayName,
		AvatarURL:     rec.AvatarURL,
		Role:          rec.Role,
		EmailVerified: rec.EmailVerified,
		IsDemo:        rec.IsDemo,
	}
	if rec.UserCreatedAt > 0 {
		u.CreatedAt = time.Unix(rec.UserCreatedAt, 0).UTC()
	}
	if len(rec.Metadata) > 0 {
		u.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			u.Metadata[k] = v
		}
	}
	return u
}

var (
	_ authchain.StagedStrategy = (*Strategy)(nil)
	_ authchain.EmailVerifier  = (*Strategy)(nil)
	_ authchain.TokenRefresher = (*Strategy)(nil)
)
