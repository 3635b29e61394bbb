package authchain

import "context"

// Strategy is one way to authenticate a user. Each strategy owns its own
// session scope; Login writes it only on success and CurrentUser only reads it.
type Strategy interface {
	Name() string
	Login(ctx context.Context, creds Credentials) (*AuthResult, error)
	Logout(ctx context.Context) error
	Register(ctx context.Context, req RegisterRequest) (*AuthResult, error)
	CurrentUser(ctx context.Context) (*User, error)
	ResetPassword(ctx context.Context, email string) error
	UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error)
}

// StagedStrategy can authenticate without writing its session, so a second
// factor can gate the write. Commit persists the session for a user returned
// by Authenticate.
type StagedStrategy interface {
	Strategy
	Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error)
	Commit(ctx context.Context, user *User) error
}

// EmailVerifier is implemented by strategies that can confirm an email token.
type EmailVerifier interface {
	VerifyEmail(ctx context.Context, token string) (bool, error)
}

// TokenRefresher is implemented by strategies that can mint a fresh access token
// for the current session.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) (string, error)
}

// CredentialStore checks credentials against an identity backend.
type CredentialStore interface {
	Authenticate(ctx context.Context, creds Credentials) (*User, error)
}

// Registrar is implemented by credential stores that can create accounts.
type Registrar interface {
	Register(ctx context.Context, req RegisterRequest) (*User, error)
}

// PasswordResetter is implemented by credential stores that can start a reset.
type PasswordResetter interface {
	ResetPassword(ctx context.Context, email string) error
}

// ProfileUpdater is implemented by credential stores that persist profile changes.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*User, error)
}

// SessionRefresher is implemented by credential stores that can mint a new
// access token from a user's stored refresh grant.
type SessionRefresher interface {
	Refresh(ctx context.Context, userID string) (string, error)
}
