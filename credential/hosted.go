package credential

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// HostedConfig describes a hosted OAuth2/OIDC identity provider.
type HostedConfig struct {
	IssuerURL    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// JWKSURL is fetched for ID token keys unless PublicKeys is set.
	JWKSURL    string
	PublicKeys []crypto.PublicKey

	HTTPClient *http.Client
	Now        func() time.Time
}

// HostedStore signs users in with the resource-owner password grant and
// verifies the ID token that comes back. Refresh grants are kept in memory
// per user so SessionRefresher works for the life of the process.
type HostedStore struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client

	mu     sync.Mutex
	grants map[string]*oauth2.Token
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Role          string `json:"role"`
}

func NewHostedStore(ctx context.Context, cfg HostedConfig) (*HostedStore, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, errors.New("hosted store needs an issuer and client id")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = strings.TrimRight(cfg.IssuerURL, "/") + "/token"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile", oidc.ScopeOfflineAccess}
	}

	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	var keys oidc.KeySet
	switch {
	case len(cfg.PublicKeys) > 0:
		keys = &oidc.StaticKeySet{PublicKeys: cfg.PublicKeys}
	case cfg.JWKSURL != "":
		keys = oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
	default:
		return nil, errors.New("hosted store needs a jwks url or public keys")
	}

	return &HostedStore{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		verifier: oidc.NewVerifier(cfg.IssuerURL, keys, &oidc.Config{ClientID: cfg.ClientID, Now: cfg.Now}),
		client:   cfg.HTTPClient,
		grants:   make(map[string]*oauth2.Token),
	}, nil
}

func (s *HostedStore) clientContext(ctx context.Context) context.Context {
	if s.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.client)
}

func (s *HostedStore) Authenticate(ctx context.Context, creds authchain.Credentials) (*authchain.User, error) {
	if strings.TrimSpace(creds.Identifier) == "" || creds.Secret == "" {
		return nil, authchain.ErrInvalidCredentials
	}

	tok, err := s.oauth.PasswordCredentialsToken(s.clientContext(ctx), creds.Identifier, creds.Secret)
	if err != nil {
		if rejectedGrant(err) {
			return nil, authchain.ErrInvalidCredentials
		}
		return nil, unavailable(err)
	}

	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, unavailable(errors.New("token response carried no id_token"))
	}
	idt, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, unavailable(fmt.Errorf("verify id token: %w", err))
	}
	var claims idClaims
	if err := idt.Claims(&claims); err != nil {
		return nil, unavailable(fmt.Errorf("decode id token claims: %w", err))
	}

	email := normalizeEmail(claims.Email)
	if email == "" {
		email = normalizeEmail(creds.Identifier)
	}
	u := &authchain.User{
		ID:            idt.Subject,
		Email:         email,
		DisplayName:   claims.Name,
		AvatarURL:     claims.Picture,
		Role:          claims.Role,
		EmailVerified: claims.EmailVerified,
	}

	if tok.RefreshToken != "" {
		s.mu.Lock()
		s.grants[u.ID] = tok
		s.mu.Unlock()
	}
	return u, nil
}

// Refresh redeems the stored refresh grant of userID for a new access token.
func (s *HostedStore) Refresh(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	grant, ok := s.grants[userID]
	s.mu.Unlock()
	if !ok {
		return "", authchain.ErrNoActiveSession
	}

	// an empty access token forces the source to hit the token endpoint
	src := s.oauth.TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: grant.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if rejectedGrant(err) {
			s.Forget(userID)
			return "", authchain.ErrNoActiveSession
		}
		return "", unavailable(err)
	}

	s.mu.Lock()
	s.grants[userID] = tok
	s.mu.Unlock()
	return tok.AccessToken, nil
}

// Forget drops the refresh grant of userID.
func (s *HostedStore) Forget(userID string) {
	s.mu.Lock()
	delete(s.grants, userID)
	s.mu.Unlock()
}

// rejectedGrant reports whether the token endpoint refused the grant itself
// rather than failing.
func rejectedGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusBadRequest
}

var (
	_ authchain.CredentialStore  = (*HostedStore)(nil)
	_ authchain.SessionRefresher = (*HostedStore)(nil)
)
