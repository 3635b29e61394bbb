package authchain

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStrategy accepts exactly the users in its table. It records every call.
type fakeStrategy struct {
	name string

	mu        sync.Mutex
	users     map[string]fakeAccount
	session   *User
	calls     []string
	loginErr  error
	panics    bool
	block     chan struct{}
	canSignUp bool
}

type fakeAccount struct {
	secret string
	user   User
}

func newFakeStrategy(name string) *fakeStrategy {
	return &fakeStrategy{name: name, users: map[string]fakeAccount{}}
}

func (s *fakeStrategy) withUser(email, secret, id string) *fakeStrategy {
	s.users[email] = fakeAccount{secret: secret, user: User{ID: id, Email: email, DisplayName: id}}
	return s
}

func (s *fakeStrategy) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeStrategy) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStrategy) countCalls(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *fakeStrategy) Name() string { return s.name }

func (s *fakeStrategy) check(creds Credentials) (*AuthResult, error) {
	if s.panics {
		panic("backend exploded")
	}
	if s.block != nil {
		<-s.block
	}
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	acct, ok := s.users[creds.Identifier]
	if !ok || acct.secret != creds.Secret {
		return &AuthResult{Success: false, Error: ErrInvalidCredentials.Error()}, nil
	}
	u := acct.user
	return &AuthResult{Success: true, User: &u}, nil
}

func (s *fakeStrategy) Login(_ context.Context, creds Credentials) (*AuthResult, error) {
	s.record("login")
	res, err := s.check(creds)
	if err == nil && res.Success {
		s.mu.Lock()
		s.session = res.User.Clone()
		s.mu.Unlock()
	}
	return res, err
}

func (s *fakeStrategy) Logout(context.Context) error {
	s.record("logout")
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	return nil
}

func (s *fakeStrategy) Register(_ context.Context, req RegisterRequest) (*AuthResult, error) {
	s.record("register")
	if !s.canSignUp {
		return &AuthResult{Success: false, Error: ErrRegistrationUnsupported.Error()}, nil
	}
	u := User{ID: "new-" + req.Identifier, Email: req.Identifier, DisplayName: req.DisplayName}
	s.mu.Lock()
	s.users[req.Identifier] = fakeAccount{secret: req.Secret, user: u}
	s.session = u.Clone()
	s.mu.Unlock()
	return &AuthResult{Success: true, User: &u}, nil
}

func (s *fakeStrategy) CurrentUser(context.Context) (*User, error) {
	s.record("current")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone(), nil
}

func (s *fakeStrategy) ResetPassword(context.Context, string) error {
	s.record("reset")
	return nil
}

func (s *fakeStrategy) UpdateProfile(_ context.Context, update ProfileUpdate) (*User, error) {
	s.record("update")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrNoActiveSession
	}
	s.session = update.Apply(s.session, time.Unix(0, 0))
	return s.session.Clone(), nil
}

func (s *fakeStrategy) hasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// fakeStagedStrategy splits Login into Authenticate and Commit.
type fakeStagedStrategy struct {
	*fakeStrategy
}

func (s fakeStagedStrategy) Authenticate(_ context.Context, creds Credentials) (*AuthResult, error) {
	s.record("authenticate")
	return s.check(creds)
}

func (s fakeStagedStrategy) Commit(_ context.Context, user *User) error {
	s.record("commit")
	s.mu.Lock()
	s.session = user.Clone()
	s.mu.Unlock()
	return nil
}

// memMFAStore is an in-memory MFAStore.
type memMFAStore struct {
	mu        sync.Mutex
	methods   map[string]MFAMethod
	codes     map[string][]string
	devices   map[string]TrustedDevice
	history   []LoginHistoryEntry
	failLists bool
	lists     int
}

func newMemMFAStore() *memMFAStore {
	return &memMFAStore{
		methods: map[string]MFAMethod{},
		codes:   map[string][]string{},
		devices: map[string]TrustedDevice{},
	}
}

var errStoreDown = errors.New("store down")

func (s *memMFAStore) ListMethods(_ context.Context, userID string) ([]MFAMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.failLists {
		return nil, errStoreDown
	}
	var out []MFAMethod
	for _, m := range s.methods {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b MFAMethod) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *memMFAStore) GetMethod(_ context.Context, userID, methodID string) (*MFAMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok || m.UserID != userID {
		return nil, ErrMethodNotFound
	}
	return &m, nil
}

func (s *memMFAStore) SaveMethod(_ context.Context, method MFAMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method.ID] = method
	return nil
}

func (s *memMFAStore) DeleteMethod(_ context.Context, userID, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.methods[methodID]; ok && m.UserID == userID {
		delete(s.methods, methodID)
	}
	return nil
}

func (s *memMFAStore) SetPrimary(_ context.Context, userID, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.methods {
		if m.UserID != userID {
			continue
		}
		m.Primary = id == methodID
		s.methods[id] = m
	}
	return nil
}

func (s *memMFAStore) ReplaceBackupCodes(_ context.Context, userID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[userID] = append([]string(nil), hashes...)
	return nil
}

func (s *memMFAStore) ConsumeBackupCode(_ context.Context, userID, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.codes[userID]
	for i, h := range codes {
		if h == hash {
			s.codes[userID] = append(codes[:i:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memMFAStore) CountBackupCodes(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes[userID]), nil
}

func (s *memMFAStore) SaveTrustedDevice(_ context.Context, device TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device
	return nil
}

func (s *memMFAStore) GetTrustedDevice(_ context.Context, userID, deviceID string) (*TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.UserID != userID {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

func (s *memMFAStore) ListTrustedDevices(_ context.Context, userID string) ([]TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrustedDevice
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memMFAStore) DeleteTrustedDevice(_ context.Context, userID, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.UserID != userID {
		return false, nil
	}
	delete(s.devices, deviceID)
	return true, nil
}

func (s *memMFAStore) AppendLoginHistory(_ context.Context, entry LoginHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *memMFAStore) ListLoginHistory(_ context.Context, userID string, limit int) ([]LoginHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LoginHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID == userID {
			out = append(out, s.history[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memMFAStore) device(id string) TrustedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[id]
}

func (s *memMFAStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

// recordingSender captures codes instead of sending them.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentCode
	fail error
}

type sentCode struct {
	kind        string
	destination string
	code        string
}

func (s *recordingSender) SendSMS(_ context.Context, phone, code string) error {
	return s.add("sms", phone, code)
}

func (s *recordingSender) SendEmail(_ context.Context, email, code string) error {
	return s.add("email", email, code)
}

func (s *recordingSender) add(kind, dest, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, sentCode{kind: kind, destination: dest, code: code})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) last() sentCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentCode{}
	}
	return s.sent[len(s.sent)-1]
}
