package credential

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/MrEthical07/authchain"
	ldap "github.com/go-ldap/ldap/v3"
)

// LDAPConfig describes an enterprise directory.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	SearchBase   string
	// UserFilter is a fmt template applied to the escaped login.
	UserFilter string
	EmailAttr  string
	NameAttr   string
	RoleAttr   string
	StartTLS   bool
	TLSConfig  *tls.Config
	Timeout    time.Duration
}

type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(cfg *tls.Config) error
	Close() error
}

// LDAPStore authenticates by searching for the user with the service account
// and binding as the found entry.
type LDAPStore struct {
	cfg  LDAPConfig
	dial func(ctx context.Context) (ldapConn, error)
}

func NewLDAPStore(cfg LDAPConfig) (*LDAPStore, error) {
	if cfg.URL == "" || cfg.SearchBase == "" {
		return nil, errors.New("ldap store needs a url and search base")
	}
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(&(objectClass=person)(|(mail=%[1]s)(uid=%[1]s)))"
	}
	if !strings.Contains(cfg.UserFilter, "%") {
		return nil, errors.New("ldap user filter needs a placeholder for the login")
	}
	if cfg.EmailAttr == "" {
		cfg.EmailAttr = "mail"
	}
	if cfg.NameAttr == "" {
		cfg.NameAttr = "displayName"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	s := &LDAPStore{cfg: cfg}
	s.dial = s.dialURL
	return s, nil
}

func (s *LDAPStore) dialURL(ctx context.Context) (ldapConn, error) {
	timeout := s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	conn, err := ldap.DialURL(s.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(timeout)
	return conn, nil
}

func (s *LDAPStore) Authenticate(ctx context.Context, creds authchain.Credentials) (*authchain.User, error) {
	login := strings.TrimSpace(creds.Identifier)
	// an empty password would be an unauthenticated bind, which always succeeds
	if login == "" || creds.Secret == "" {
		return nil, authchain.ErrInvalidCredentials
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, unavailable(fmt.Errorf("ldap dial: %w", err))
	}
	defer conn.Close()

	if s.cfg.StartTLS {
		tlsCfg := s.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if err := conn.StartTLS(tlsCfg); err != nil {
			return nil, unavailable(fmt.Errorf("ldap starttls: %w", err))
		}
	}

	if s.cfg.BindDN != "" {
		if err := conn.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
			return nil, unavailable(fmt.Errorf("ldap service bind: %w", err))
		}
	}

	attrs := []string{"entryUUID", s.cfg.EmailAttr, s.cfg.NameAttr, "cn"}
	if s.cfg.RoleAttr != "" {
		attrs = append(attrs, s.cfg.RoleAttr)
	}
	req := ldap.NewSearchRequest(
		s.cfg.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		int(s.cfg.Timeout/time.Second),
		false,
		fmt.Sprintf(s.cfg.UserFilter, ldap.EscapeFilter(login)),
		attrs,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return nil, unavailable(fmt.Errorf("ldap search: %w", err))
	}
	if res == nil || len(res.Entries) == 0 {
		return nil, authchain.ErrUserNotFound
	}
	if len(res.Entries) > 1 {
		log.Printf("authchain: ldap login %q matched %d entries", login, len(res.Entries))
		return nil, authchain.ErrInvalidCredentials
	}
	entry := res.Entries[0]

	if err := conn.Bind(entry.DN, creds.Secret); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, authchain.ErrInvalidCredentials
		}
		return nil, unavailable(fmt.Errorf("ldap user bind: %w", err))
	}

	return s.entryUser(entry, login), nil
}

func (s *LDAPStore) entryUser(entry *ldap.Entry, login string) *authchain.User {
	id := entry.GetAttributeValue("entryUUID")
	if id == "" {
		id = entry.DN
	}
	email := normalizeEmail(entry.GetAttributeValue(s.cfg.EmailAttr))
	if email == "" && strings.Contains(login, "@") {
		email = normalizeEmail(login)
	}
	name := entry.GetAttributeValue(s.cfg.NameAttr)
	if name == "" {
		name = entry.GetAttributeValue("cn")
	}
	u := &authchain.User{
		ID:            id,
		Email:         email,
		DisplayName:   name,
		EmailVerified: email != "",
		Metadata:      map[string]string{"dn": entry.DN},
	}
	if s.cfg.RoleAttr != "" {
		u.Role = entry.GetAttributeValue(s.cfg.RoleAttr)
	}
	return u
}

var _ authchain.CredentialStore = (*LDAPStore)(nil)
