package credential

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/internal"
	"github.com/MrEthical07/authchain/internal/stores"
	"github.com/MrEthical07/authchain/password"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrInvalidToken is returned for malformed, expired, reused or exhausted
	// account tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInvalidEmail is returned by Register for an unusable address.
	ErrInvalidEmail = errors.New("invalid email address")
)

const tokenSecretBytes = 32

// userRecord is the users table row.
type userRecord struct {
	ID            string            `gorm:"type:varchar(36);primaryKey"`
	Email         string            `gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash  string            `gorm:"type:text;not null"`
	DisplayName   string            `gorm:"type:varchar(200)"`
	AvatarURL     string            `gorm:"type:text"`
	Role          string            `gorm:"type:varchar(50);not null;default:'user'"`
	EmailVerified bool              `gorm:"default:false"`
	Metadata      map[string]string `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (userRecord) TableName() string {
	return "users"
}

func (r *userRecord) toUser() *authchain.User {
	u := &authchain.User{
		ID:            r.ID,
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		AvatarURL:     r.AvatarURL,
		Role:          r.Role,
		EmailVerified: r.EmailVerified,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		u.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			u.Metadata[k] = v
		}
	}
	return u
}

// Notifier delivers account tokens to their owner.
type Notifier interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

// LogNotifier records that a token was issued without logging the token.
type LogNotifier struct{}

func (LogNotifier) SendVerification(_ context.Context, email, _ string) error {
	log.Printf("authchain: verification token issued for %s", email)
	return nil
}

func (LogNotifier) SendPasswordReset(_ context.Context, email, _ string) error {
	log.Printf("authchain: password reset token issued for %s", email)
	return nil
}

// DBStore keeps accounts in the users table and account tokens in Redis.
type DBStore struct {
	db       *gorm.DB
	tokens   *stores.TokenStore
	hasher   password.Hasher
	notifier Notifier
	now      func() time.Time

	verifyTTL   time.Duration
	resetTTL    time.Duration
	maxAttempts int
	verify      bool
	defaultRole string
}

type DBOption func(*DBStore)

func WithHasher(h password.Hasher) DBOption {
	return func(s *DBStore) {
		if h != nil {
			s.hasher = h
		}
	}
}

func WithNotifier(n Notifier) DBOption {
	return func(s *DBStore) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithDBClock(now func() time.Time) DBOption {
	return func(s *DBStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenTTL sets the lifetime of verification and reset tokens.
func WithTokenTTL(verify, reset time.Duration) DBOption {
	return func(s *DBStore) {
		s.verifyTTL = verify
		s.resetTTL = reset
	}
}

// WithEmailVerification controls whether new accounts must confirm their
// address before they are logged in. On by default.
func WithEmailVerification(required bool) DBOption {
	return func(s *DBStore) {
		s.verify = required
	}
}

func WithDefaultRole(role string) DBOption {
	return func(s *DBStore) {
		s.defaultRole = role
	}
}

// NewDBStore migrates the users table and returns a store. rdb holds the
// single-use account tokens under tokenPrefix.
func NewDBStore(db *gorm.DB, rdb redis.UniversalClient, tokenPrefix string, opts ...DBOption) (*DBStore, error) {
	if db == nil {
		return nil, errors.New("db store needs a database")
	}
	if rdb == nil {
		return nil, errors.New("db store needs a redis client for account tokens")
	}

	s := &DBStore{
		db:          db,
		notifier:    LogNotifier{},
		now:         time.Now,
		verifyTTL:   24 * time.Hour,
		resetTTL:    time.Hour,
		maxAttempts: 5,
		verify:      true,
		defaultRole: "user",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifyTTL <= 0 || s.resetTTL <= 0 {
		return nil, errors.New("token ttl must be > 0")
	}
	if s.hasher == nil {
		a, err := password.NewArgon2(password.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.hasher = a
	}
	s.tokens = stores.NewTokenStoreWithClock(rdb, tokenPrefix, s.now)

	if err := db.AutoMigrate(&userRecord{}); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return s, nil
}

func (s *DBStore) findByEmail(ctx context.Context, email string) (*userRecord, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authchain.ErrUserNotFound
		}
		return nil, unavailable(err)
	}
	return &rec, nil
}

func (s *DBStore) findByID(ctx context.Context, id string) (*userRecord, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authchain.ErrUserNotFound
		}
		return nil, unavailable(err)
	}
	return &rec, nil
}

func (s *DBStore) Authenticate(ctx context.Context, creds authchain.Credentials) (*authchain.User, error) {
	rec, err := s.findByEmail(ctx, normalizeEmail(creds.Identifier))
	if err != nil {
		return nil, err
	}
	ok, err := s.hasher.Verify(creds.Secret, rec.PasswordHash)
	if err != nil || !ok {
		return nil, authchain.ErrInvalidCredentials
	}
	s.rehash(ctx, rec, creds.Secret)
	return rec.toUser(), nil
}

// rehash replaces a hash made with outdated cost parameters. Failures are
// logged; the login itself already succeeded.
func (s *DBStore) rehash(ctx context.Context, rec *userRecord, secret string) {
	up, ok := s.hasher.(password.Upgrader)
	if !ok {
		return
	}
	if stale, err := up.NeedsUpgrade(rec.PasswordHash); err != nil || !stale {
		return
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		log.Printf("authchain: rehash for %s failed: %v", rec.ID, err)
		return
	}
	err = s.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", rec.ID).
		Updates(map[string]any{"password_hash": hash, "updated_at": s.now().UTC()}).Error
	if err != nil {
		log.Printf("authchain: rehash for %s failed: %v", rec.ID, err)
		return
	}
	rec.PasswordHash = hash
}

// Register creates an account. When verification is required the user starts
// unverified and a verification token is sent.
func (s *DBStore) Register(ctx context.Context, req authchain.RegisterRequest) (*authchain.User, error) {
	email := normalizeEmail(req.Identifier)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	hash, err := s.hasher.Hash(req.Secret)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = s.defaultRole
	}
	now := s.now().UTC()
	rec := &userRecord{
		ID:            uuid.NewString(),
		Email:         email,
		PasswordHash:  hash,
		DisplayName:   strings.TrimSpace(req.DisplayName),
		Role:          role,
		EmailVerified: !s.verify,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRecord{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return authchain.ErrAccountExists
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		if errors.Is(err, authchain.ErrAccountExists) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, authchain.ErrAccountExists
		}
		return nil, unavailable(err)
	}

	if s.verify {
		token, err := s.issueToken(ctx, stores.PurposeEmailVerification, rec.ID, s.verifyTTL)
		if err != nil {
			log.Printf("authchain: verification token for %s not issued: %v", email, err)
		} else if err := s.notifier.SendVerification(ctx, email, token); err != nil {
			log.Printf("authchain: verification for %s not delivered: %v", email, err)
		}
	}
	return rec.toUser(), nil
}

// ResendVerification issues a fresh verification token for an unverified
// account. Unknown and verified addresses are silently ignored.
func (s *DBStore) ResendVerification(ctx context.Context, email string) error {
	rec, err := s.findByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, authchain.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if rec.EmailVerified {
		return nil
	}
	token, err := s.issueToken(ctx, stores.PurposeEmailVerification, rec.ID, s.verifyTTL)
	if err != nil {
		return err
	}
	return s.notifier.SendVerification(ctx, rec.Email, token)
}

// VerifyEmail consumes a verification token. Unknown or spent tokens report
// false without an error.
func (s *DBStore) VerifyEmail(ctx context.Context, token string) (bool, error) {
	rec, err := s.consumeToken(ctx, stores.PurposeEmailVerification, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return false, nil
		}
		return false, err
	}

	res := s.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", rec.UserID).
		Updates(map[string]any{"email_verified": true, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResetPassword sends a reset token. Unknown addresses are not reported.
func (s *DBStore) ResetPassword(ctx context.Context, email string) error {
	rec, err := s.findByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, authchain.ErrUserNotFound) {
			return nil
		}
		return err
	}
	token, err := s.issueToken(ctx, stores.PurposePasswordReset, rec.ID, s.resetTTL)
	if err != nil {
		return err
	}
	return s.notifier.SendPasswordReset(ctx, rec.Email, token)
}

// ConfirmPasswordReset consumes a reset token and sets a new password.
func (s *DBStore) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	rec, err := s.consumeToken(ctx, stores.PurposePasswordReset, token)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", rec.UserID).
		Updates(map[string]any{"password_hash": hash, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return authchain.ErrUserNotFound
	}
	return nil
}

// UpdateProfile persists the mutable profile fields.
func (s *DBStore) UpdateProfile(ctx context.Context, userID string, update authchain.ProfileUpdate) (*authchain.User, error) {
	rec, err := s.findByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := update.Apply(rec.toUser(), s.now().UTC())

	rec.DisplayName = u.DisplayName
	rec.AvatarURL = u.AvatarURL
	rec.Metadata = u.Metadata
	rec.UpdatedAt = u.UpdatedAt
	err = s.db.WithContext(ctx).Model(rec).
		Select("display_name", "avatar_url", "metadata", "updated_at").
		Updates(rec).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return rec.toUser(), nil
}

// issueToken stores a new token and returns its wire form id.secret.
func (s *DBStore) issueToken(ctx context.Context, purpose stores.Purpose, userID string, ttl time.Duration) (string, error) {
	secret, err := internal.NewToken(tokenSecretBytes)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = s.tokens.Save(ctx, id, &stores.TokenRecord{
		Purpose:    purpose,
		UserID:     userID,
		SecretHash: sha256.Sum256([]byte(secret)),
		ExpiresAt:  s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", unavailable(err)
	}
	return id + "." + secret, nil
}

func (s *DBStore) consumeToken(ctx context.Context, purpose stores.Purpose, token string) (*stores.TokenRecord, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidToken
	}

	rec, err := s.tokens.Consume(ctx, purpose, id, sha256.Sum256([]byte(secret)), s.maxAttempts)
	if err != nil {
		if errors.Is(err, stores.ErrTokenRedisUnavailable) {
			return nil, unavailable(err)
		}
		return nil, ErrInvalidToken
	}
	return rec, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", authchain.ErrStrategyUnavailable, err)
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n") &&
		strings.Count(email, "@") == 1
}

var (
	_ authchain.CredentialStore  = (*DBStore)(nil)
	_ authchain.Registrar        = (*DBStore)(nil)
	_ authchain.PasswordResetter = (*DBStore)(nil)
	_ authchain.ProfileUpdater   = (*DBStore)(nil)
	_ authchain.EmailVerifier    = (*DBStore)(nil)
)
