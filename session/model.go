package session

import "time"

// Session is the record a strategy persists after a successful login.
//
// Times are unix seconds. ExpiresAt of zero means the record does not expire on
// its own and lives until Delete.
type Session struct {
	SchemaVersion uint8

	Strategy string

	UserID        string
	Email         string
	DisplayName   string
	AvatarURL     string
	Role          string
	EmailVerified bool
	IsDemo        bool
	UserCreatedAt int64
	Metadata      map[string]string

	IssuedAt  int64
	ExpiresAt int64
}

// Expired reports whether the record is past its absolute expiry at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt
}
