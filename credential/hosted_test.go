package credential

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authchain"
	"github.com/golang-jwt/jwt/v5"
)

const hostedClientID = "innospot-web"

type fakeIdP struct {
	t        *testing.T
	key      *rsa.PrivateKey
	server   *httptest.Server
	down     atomic.Bool
	refreshN atomic.Int32
	audience string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	return newFakeIdPFor(t, hostedClientID)
}

func newFakeIdPFor(t *testing.T, audience string) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idp := &fakeIdP{t: t, key: key, audience: audience}
	idp.server = httptest.NewServer(http.HandlerFunc(idp.token))
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *fakeIdP) idToken(sub, email string) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            p.server.URL,
		"aud":            p.audience,
		"sub":            sub,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          email,
		"email_verified": true,
		"name":           "Hosted User",
		"role":           "researcher",
	})
	signed, err := tok.SignedString(p.key)
	if err != nil {
		p.t.Errorf("sign id token: %v", err)
	}
	return signed
}

func (p *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if p.down.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") != hostedClientID {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("grant_type") {
	case "password":
		if r.PostForm.Get("username") != "h@x.com" || r.PostForm.Get("password") != "hosted-pw" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
			"id_token":      p.idToken("hosted-sub-1", "H@x.com"),
		})
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		n := p.refreshN.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-refreshed-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
	}
}

func newHostedTest(t *testing.T, idp *fakeIdP) *HostedStore {
	t.Helper()
	s, err := NewHostedStore(context.Background(), HostedConfig{
		IssuerURL:  idp.server.URL,
		ClientID:   hostedClientID,
		PublicKeys: []crypto.PublicKey{&idp.key.PublicKey},
		HTTPClient: idp.server.Client(),
	})
	if err != nil {
		t.Fatalf("NewHostedStore: %v", err)
	}
	return s
}

func TestHostedStoreAuthenticate(t *testing.T) {
	idp := newFakeIdP(t)
	s := newHostedTest(t, idp)

	u, err := s.Authenticate(context.Background(), authchain.Credentials{Identifier: "h@x.com", Secret: "hosted-pw"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.ID != "hosted-sub-1" || u.Email != "h@x.com" || u.Role != "researcher" || !u.EmailVerified || u.DisplayName != "Hosted User" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestHostedStoreWrongPassword(t *testing.T) {
	idp := newFakeIdP(t)
	s := newHostedTest(t, idp)

	_, err := s.Authenticate(context.Background(), authchain.Credentials{Identifier: "h@x.com", Secret: "nope"})
	if !errors.Is(err, authchain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	_, err = s.Authenticate(context.Background(), authchain.Credentials{Identifier: "h@x.com"})
	if !errors.Is(err, authchain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for empty secret, got %v", err)
	}
}

func TestHostedStoreOutageIsUnavailable(t *testing.T) {
	idp := newFakeIdP(t)
	s := newHostedTest(t, idp)
	idp.down.Store(true)

	_, err := s.Authenticate(context.Background(), authchain.Credentials{Identifier: "h@x.com", Secret: "hosted-pw"})
	if !errors.Is(err, authchain.ErrStrategyUnavailable) {
		t.Fatalf("expected ErrStrategyUnavailable, got %v", err)
	}
}

func TestHostedStoreRejectsForeignIDToken(t *testing.T) {
	foreign := newFakeIdPFor(t, "someone-else")
	s := newHostedTest(t, foreign)

	_, err := s.Authenticate(context.Background(), authchain.Credentials{Identifier: "h@x.com", Secret: "hosted-pw"})
	if !errors.Is(err, authchain.ErrStrategyUnavailable) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idp := newFakeIdP(t)
	wrongKey, err := NewHostedStore(context.Background(), HostedConfig{
		IssuerURL:  idp.server.URL,
		ClientID:   hostedClientID,
		PublicKeys: []crypto.PublicKey{&other.PublicKey},
		HTTPClient: idp.server.Client(),
	})
	if err != nil {
		t.Fatalf("NewHostedStore: %v", err)
	}
	if _, err := wrongKey.Authenticate(context.Background(), authchain.Credentials{Identifier: "h@x.com", Secret: "hosted-pw"}); !errors.Is(err, authchain.ErrStrategyUnavailable) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestHostedStoreRefresh(t *testing.T) {
	idp := newFakeIdP(t)
	s := newHostedTest(t, idp)
	ctx := context.Background()

	if _, err := s.Refresh(ctx, "hosted-sub-1"); !errors.Is(err, authchain.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession before login, got %v", err)
	}
	if _, err := s.Authenticate(ctx, authchain.Credentials{Identifier: "h@x.com", Secret: "hosted-pw"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	first, err := s.Refresh(ctx, "hosted-sub-1")
	if err != nil || first != "access-refreshed-1" {
		t.Fatalf("Refresh: %q err=%v", first, err)
	}
	// the provider omitted a new refresh token, so the old one is kept
	second, err := s.Refresh(ctx, "hosted-sub-1")
	if err != nil || second != "access-refreshed-2" {
		t.Fatalf("second Refresh: %q err=%v", second, err)
	}

	s.Forget("hosted-sub-1")
	if _, err := s.Refresh(ctx, "hosted-sub-1"); !errors.Is(err, authchain.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after Forget, got %v", err)
	}
}

func TestNewHostedStoreValidates(t *testing.T) {
	if _, err := NewHostedStore(context.Background(), HostedConfig{ClientID: "x", PublicKeys: []crypto.PublicKey{nil}}); err == nil {
		t.Fatal("missing issuer accepted")
	}
	if _, err := NewHostedStore(context.Background(), HostedConfig{IssuerURL: "https://idp", ClientID: "x"}); err == nil {
		t.Fatal("missing key source accepted")
	}
}
