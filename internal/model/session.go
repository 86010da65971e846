package model

import "time"

// Token is a bearer credential issued by the identity provider.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is the client-held authentication state. RefreshAt is always
// strictly before ExpiresAt.
type Session struct {
	Token      string    `json:"session_token"`
	IdentityID string    `json:"identity_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RefreshAt  time.Time `json:"refresh_at"`
}

// Expired reports whether the session token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
