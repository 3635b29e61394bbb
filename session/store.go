package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no live record exists for the key.
var ErrNotFound = errors.New("session record not found")

// ErrRedisUnavailable is returned when the Redis backend cannot serve a request.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrStorageUnavailable is returned when a file-backed store cannot read or write.
var ErrStorageUnavailable = errors.New("session storage unavailable")

// Scope describes how long records in a store survive.
type Scope uint8

const (
	// ScopeEphemeral records are lost when the process (or tab) ends.
	ScopeEphemeral Scope = iota
	// ScopeDurable records survive restarts.
	ScopeDurable
)

func (s Scope) String() string {
	switch s {
	case ScopeDurable:
		return "durable"
	default:
		return "ephemeral"
	}
}

// Store is a key-scoped byte store with optional absolute expiry.
//
// A ttl of zero on Save means the record lives until Delete. Delete of a
// missing key is not an error.
type Store interface {
	Scope() Scope
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LoadSession reads and decodes the session record under key. Expired
// records are deleted and reported as ErrNotFound.
func LoadSession(ctx context.Context, store Store, key string, now time.Time) (*Session, error) {
	data, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	s, err := Decode(data)
	if err != nil {
		_ = store.Delete(ctx, key)
		return nil, err
	}
	if s.Expired(now) {
		_ = store.Delete(ctx, key)
		return nil, ErrNotFound
	}
	return s, nil
}

// SaveSession encodes s and writes it under key, expiring it at s.ExpiresAt.
func SaveSession(ctx context.Context, store Store, key string, s *Session, now time.Time) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if s.ExpiresAt > 0 {
		ttl = time.Unix(s.ExpiresAt, 0).Sub(now)
		if ttl <= 0 {
			return errors.New("session already expired")
		}
	}
	return store.Save(ctx, key, data, ttl)
}
