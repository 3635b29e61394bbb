package authchain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/authchain/session"
)

type attemptScope string

const (
	attemptsCode   attemptScope = "code"
	attemptsBackup attemptScope = "backup"
)

// attemptLimiter counts failed verifications per user and scope in a fixed
// window. The first failure opens the window; once max failures are recorded
// every check fails until the window closes. A success clears the counter.
// Counters live in the server-side store next to pending codes so they are
// shared wherever that store is.
type attemptLimiter struct {
	mu     sync.Mutex
	store  session.Store
	max    int
	window time.Duration
}

type attemptRecord struct {
	count uint32
	until time.Time
}

func newAttemptLimiter(store session.Store, max int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{store: store, max: max, window: window}
}

func (l *attemptLimiter) disabled() bool {
	return l == nil || l.max <= 0 || l.window <= 0
}

func attemptKey(scope attemptScope, userID string) string {
	return "mfa:attempts:" + string(scope) + ":" + userID
}

// check returns ErrTooManyAttempts while userID is locked out of scope.
func (l *attemptLimiter) check(ctx context.Context, scope attemptScope, userID string, now time.Time) error {
	if l.disabled() {
		return nil
	}
	rec, err := l.load(ctx, attemptKey(scope, userID), now)
	if err != nil {
		return err
	}
	if rec != nil && int(rec.count) >= l.max {
		return ErrTooManyAttempts
	}
	return nil
}

// fail records one failure and returns ErrTooManyAttempts when it used up the
// budget.
func (l *attemptLimiter) fail(ctx context.Context, scope attemptScope, userID string, now time.Time) error {
	if l.disabled() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := attemptKey(scope, userID)
	rec, err := l.load(ctx, key, now)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &attemptRecord{until: now.Add(l.window)}
	}
	rec.count++
	if err := l.store.Save(ctx, key, encodeAttempts(rec), rec.until.Sub(now)); err != nil {
		return fmt.Errorf("%w: %v", ErrMFABackendUnavailable, err)
	}
	if int(rec.count) >= l.max {
		return ErrTooManyAttempts
	}
	return nil
}

func (l *attemptLimiter) reset(ctx context.Context, scope attemptScope, userID string) error {
	if l.disabled() {
		return nil
	}
	if err := l.store.Delete(ctx, attemptKey(scope, userID)); err != nil {
		return fmt.Errorf("%w: %v", ErrMFABackendUnavailable, err)
	}
	return nil
}

// load returns the open window for key, or nil when none is open.
func (l *attemptLimiter) load(ctx context.Context, key string, now time.Time) (*attemptRecord, error) {
	data, err := l.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMFABackendUnavailable, err)
	}
	rec, ok := decodeAttempts(data)
	if !ok || !now.Before(rec.until) {
		return nil, nil
	}
	return rec, nil
}

func encodeAttempts(rec *attemptRecord) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], rec.count)
	binary.BigEndian.PutUint64(buf[4:12], uint64(rec.until.UnixNano()))
	return buf
}

func decodeAttempts(data []byte) (*attemptRecord, bool) {
	if len(data) != 12 {
		return nil, false
	}
	return &attemptRecord{
		count: binary.BigEndian.Uint32(data[0:4]),
		until: time.Unix(0, int64(binary.BigEndian.Uint64(data[4:12]))),
	}, true
}
