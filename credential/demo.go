package credential

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/password"
)

// DemoAccount is a seeded demo login.
type DemoAccount struct {
	ID          string
	Email       string
	Password    string
	DisplayName string
	Role        string
}

// DefaultDemoAccounts returns the stock demo logins.
func DefaultDemoAccounts() []DemoAccount {
	return []DemoAccount{
		{ID: "demo-user-001", Email: "demo@innospot.com", Password: "Demo2024!", DisplayName: "Demo User", Role: "standard"},
		{ID: "researcher-001", Email: "researcher@innospot.com", Password: "Research2024!", DisplayName: "Research User", Role: "researcher"},
		{ID: "commercial-001", Email: "commercial@innospot.com", Password: "Commercial2024!", DisplayName: "Commercial User", Role: "commercial"},
	}
}

type demoEntry struct {
	user *authchain.User
	hash string
}

// DemoStore authenticates a fixed account list. Demo accounts cannot be
// registered, reset or persisted.
type DemoStore struct {
	hasher  password.Hasher
	entries map[string]demoEntry
	// dummy keeps the unknown-user path as slow as a wrong password.
	dummy string
}

// NewDemoStore hashes accounts with hasher. A nil hasher uses Argon2id with
// password.DefaultConfig; no accounts means DefaultDemoAccounts.
func NewDemoStore(hasher password.Hasher, accounts ...DemoAccount) (*DemoStore, error) {
	if hasher == nil {
		a, err := password.NewArgon2(password.DefaultConfig())
		if err != nil {
			return nil, err
		}
		hasher = a
	}
	if len(accounts) == 0 {
		accounts = DefaultDemoAccounts()
	}

	s := &DemoStore{hasher: hasher, entries: make(map[string]demoEntry, len(accounts))}
	for _, acc := range accounts {
		email := normalizeEmail(acc.Email)
		if email == "" || acc.ID == "" {
			return nil, fmt.Errorf("demo account %q needs an id and email", acc.Email)
		}
		if _, dup := s.entries[email]; dup {
			return nil, fmt.Errorf("duplicate demo account %s", email)
		}
		hash, err := hasher.Hash(acc.Password)
		if err != nil {
			return nil, fmt.Errorf("hash demo account %s: %w", email, err)
		}
		s.entries[email] = demoEntry{
			user: &authchain.User{
				ID:            acc.ID,
				Email:         email,
				DisplayName:   acc.DisplayName,
				Role:          acc.Role,
				EmailVerified: true,
				IsDemo:        true,
			},
			hash: hash,
		}
	}

	dummy, err := hasher.Hash("demo-store-placeholder")
	if err != nil {
		return nil, err
	}
	s.dummy = dummy
	return s, nil
}

func (s *DemoStore) Authenticate(_ context.Context, creds authchain.Credentials) (*authchain.User, error) {
	email := normalizeEmail(creds.Identifier)

	entry, ok := s.entries[email]
	if !ok {
		_, _ = s.hasher.Verify(creds.Secret, s.dummy)
		return nil, authchain.ErrUserNotFound
	}
	match, err := s.hasher.Verify(creds.Secret, entry.hash)
	if err != nil || !match {
		return nil, authchain.ErrInvalidCredentials
	}
	return entry.user.Clone(), nil
}

// Accounts lists the demo emails in no particular order.
func (s *DemoStore) Accounts() []string {
	out := make([]string, 0, len(s.entries))
	for email := range s.entries {
		out = append(out, email)
	}
	return out
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
