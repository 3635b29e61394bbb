package authchain

import "time"

// User is the identity reported by a strategy. ID and Email are never changed
// by a profile update.
type User struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	DisplayName   string            `json:"display_name,omitempty"`
	AvatarURL     string            `json:"avatar_url,omitempty"`
	Role          string            `json:"role,omitempty"`
	EmailVerified bool              `json:"email_verified"`
	IsDemo        bool              `json:"is_demo,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.Metadata != nil {
		out.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Credentials are supplied per login and never persisted.
type Credentials struct {
	Identifier string
	Secret     string
}

// RegisterRequest describes a new account.
type RegisterRequest struct {
	Credentials
	DisplayName string
	Role        string
	Metadata    map[string]string
}

// ProfileUpdate carries the mutable profile fields. Nil pointers leave the
// field unchanged. ID and Email are accepted but ignored.
type ProfileUpdate struct {
	ID          *string
	Email       *string
	DisplayName *string
	AvatarURL   *string
	Metadata    map[string]string
}

// Apply returns a copy of u with the update applied. Identity fields are kept.
func (p ProfileUpdate) Apply(u *User, now time.Time) *User {
	out := u.Clone()
	if out == nil {
		return nil
	}
	if p.DisplayName != nil {
		out.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil {
		out.AvatarURL = *p.AvatarURL
	}
	if len(p.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == "" {
				delete(out.Metadata, k)
				continue
			}
			out.Metadata[k] = v
		}
	}
	out.UpdatedAt = now
	return out
}

// AuthResult is the outcome of Login or Register.
//
// When MFARequired is set, Success is false, User identifies who passed the
// first factor and Challenge must be completed before the session is committed.
type AuthResult struct {
	Success              bool
	User                 *User
	Error                string
	RequiresVerification bool
	MFARequired          bool
	Challenge            *Challenge
	Strategy             string
}

// MethodType names a second factor kind.
type MethodType string

const (
	// MethodTOTP is an authenticator-app code.
	MethodTOTP MethodType = "totp"
	// MethodSMS is a code sent by text message.
	MethodSMS MethodType = "sms"
	// MethodEmail is a code sent by email.
	MethodEmail MethodType = "email"
)

// Valid reports whether t is a known method type.
func (t MethodType) Valid() bool {
	switch t {
	case MethodTOTP, MethodSMS, MethodEmail:
		return true
	}
	return false
}

// MFAMethod is one enrolled second factor. At most one method per user is Primary.
type MFAMethod struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Type        MethodType `json:"type"`
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Primary     bool       `json:"primary"`
	Destination string     `json:"destination,omitempty"`
	Secret      string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// public strips the TOTP secret.
func (m MFAMethod) public() MFAMethod {
	m.Secret = ""
	return m
}

// TrustedDevice is a device that completed MFA with "trust this device".
// Expired devices stay on record with Active cleared.
type TrustedDevice struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	DeviceType string    `json:"device_type"`
	Browser    string    `json:"browser"`
	Location   string    `json:"location,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	TokenHash  string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"active"`
}

// LoginHistoryEntry is one append-only login record.
type LoginHistoryEntry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`
	IPAddress     string    `json:"ip_address,omitempty"`
	Location      string    `json:"location,omitempty"`
	Device        string    `json:"device,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	Success       bool      `json:"success"`
	MFAUsed       bool      `json:"mfa_used"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// SecuritySettings is the per-user view behind a security settings screen.
type SecuritySettings struct {
	MFAEnabled           bool                `json:"mfa_enabled"`
	Methods              []MFAMethod         `json:"methods"`
	TrustedDevices       []TrustedDevice     `json:"trusted_devices"`
	BackupCodesRemaining int                 `json:"backup_codes_remaining"`
	LoginHistory         []LoginHistoryEntry `json:"login_history"`
}

// TOTPSetup is everything a user needs to add an authenticator app.
type TOTPSetup struct {
	Secret         string
	QRCodeURL      string
	ManualEntryKey string
	BackupCodes    []string
}

// VerificationRequest asks to verify a code for one enrolled method.
type VerificationRequest struct {
	UserID      string
	MethodID    string
	Code        string
	TrustDevice bool
}

// VerificationResponse is the outcome of a code verification. TrustToken is
// set only when trust was requested and the code verified.
type VerificationResponse struct {
	Success    bool
	Message    string
	TrustToken string
	DeviceID   string
}
