package models

import (
	"time"

	"github.com/google/uuid"
)

// AdminSession is a server-side session referenced by a hashed bearer cookie
type AdminSession struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AdminID   uuid.UUID `json:"admin_id" db:"admin_id"`
	CompanyID uuid.UUID `json:"company_id" db:"company_id"`

	TokenHash     string `json:"-" db:"token_hash"`
	UserAgentHash string `json:"-" db:"user_agent_hash"`

	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`

	// AbsoluteExpiresAt caps ExpiresAt. Rotation carries it over unchanged.
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at" db:"absolute_expires_at"`
}

// Expired reports whether the session is past its expiry at now
func (s *AdminSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// LoginAttempt counts failed logins for one ip+email key
type LoginAttempt struct {
	Key            string     `json:"key" db:"key"`
	Attempts       int        `json:"attempts" db:"attempts"`
	FirstAttemptAt time.Time  `json:"first_attempt_at" db:"first_attempt_at"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Locked reports whether the key is locked out at now
func (a *LoginAttempt) Locked(now time.Time) bool {
	return a != nil && a.LockedUntil != nil && a.LockedUntil.After(now)
}
