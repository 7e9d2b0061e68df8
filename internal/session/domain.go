// Package session issues and revokes the opaque tokens that authenticate
// requests. Sessions are capped per principal; the least recently seen
// session is evicted, and audited, when the cap is hit.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is one issued token and its lifecycle state. ID is the opaque
// token itself, generated once at issuance and never derivable.
type Session struct {
	ID            string
	PrincipalID   uuid.UUID
	InstitutionID uuid.UUID
	IssuedAt      time.Time
	ExpiresAt     time.Time
	LastSeen      time.Time
	RevokedAt     *time.Time
	RevokeReason  string
	Fingerprint   string
	IP            string
	UserAgent     string
}

// Active reports whether the session is usable at the given instant.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// NewToken returns a fresh opaque session token.
func NewToken() string {
	return uuid.NewString() + uuid.NewString()
}
