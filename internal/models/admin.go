package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Admin roles
const (
	RoleOwner      = "owner"
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
)

// Admin is a per-company user allowed to manage billing
type Admin struct {
	BaseModel

	CompanyID    uuid.UUID `json:"company_id" db:"company_id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`

	SessionsRevokedAt *time.Time `json:"sessions_revoked_at,omitempty" db:"sessions_revoked_at"`
}

// CanRevokeCompanySessions reports whether the admin may sign everyone out
func (a *Admin) CanRevokeCompanySessions() bool {
	switch strings.ToLower(a.Role) {
	case RoleOwner, RoleSuperAdmin:
		return true
	}
	return false
}

// RevokedAfter reports whether a session created at t predates the admin's own revocation
func (a *Admin) RevokedAfter(t time.Time) bool {
	return a.SessionsRevokedAt != nil && !t.After(*a.SessionsRevokedAt)
}

// NormalizeEmail lower-cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
