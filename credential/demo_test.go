package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/password"
)

func testHasher(t *testing.T) password.Hasher {
	t.Helper()
	h, err := password.NewArgon2(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}
	return h
}

func TestDemoStoreDefaultAccounts(t *testing.T) {
	s, err := NewDemoStore(testHasher(t))
	if err != nil {
		t.Fatalf("NewDemoStore: %v", err)
	}
	ctx := context.Background()

	for _, acc := range DefaultDemoAccounts() {
		u, err := s.Authenticate(ctx, authchain.Credentials{Identifier: " " + acc.Email + " ", Secret: acc.Password})
		if err != nil {
			t.Fatalf("%s: %v", acc.Email, err)
		}
		if u.ID != acc.ID || u.Role != acc.Role || !u.IsDemo || !u.EmailVerified {
			t.Fatalf("unexpected demo user %+v", u)
		}
	}
	if got := len(s.Accounts()); got != 3 {
		t.Fatalf("expected 3 accounts, got %d", got)
	}
}

func TestDemoStoreRejects(t *testing.T) {
	s, err := NewDemoStore(testHasher(t), DemoAccount{ID: "d1", Email: "D@X.com", Password: "password-1"})
	if err != nil {
		t.Fatalf("NewDemoStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Authenticate(ctx, authchain.Credentials{Identifier: "d@x.com", Secret: "password-2"}); !errors.Is(err, authchain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.Authenticate(ctx, authchain.Credentials{Identifier: "demo@innospot.com", Secret: "Demo2024!"}); !errors.Is(err, authchain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	u, err := s.Authenticate(ctx, authchain.Credentials{Identifier: "d@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	u.DisplayName = "mutated"
	again, _ := s.Authenticate(ctx, authchain.Credentials{Identifier: "d@x.com", Secret: "password-1"})
	if again.DisplayName == "mutated" {
		t.Fatal("store handed out its own user")
	}
}

func TestDemoStoreConstruction(t *testing.T) {
	h := testHasher(t)
	if _, err := NewDemoStore(h, DemoAccount{Email: "a@x.com", Password: "password-1"}); err == nil {
		t.Fatal("account without id accepted")
	}
	dup := DemoAccount{ID: "1", Email: "a@x.com", Password: "password-1"}
	if _, err := NewDemoStore(h, dup, dup); err == nil {
		t.Fatal("duplicate accounts accepted")
	}
	if _, err := NewDemoStore(h, DemoAccount{ID: "1", Email: "a@x.com", Password: "short"}); !errors.Is(err, password.ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
}
