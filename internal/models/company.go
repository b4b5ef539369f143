package models

import (
	"time"

	"github.com/google/uuid"
)

// Company is a tenant identified by its custom domain
type Company struct {
	BaseModel

	Name   string `json:"name" db:"name"`
	Domain string `json:"domain" db:"domain"`

	// Sessions created before this instant are no longer honoured
	SessionsRevokedAt *time.Time `json:"sessions_revoked_at,omitempty" db:"sessions_revoked_at"`
}

// RevokedAfter reports whether a session created at t predates a company-wide revocation
func (c *Company) RevokedAfter(t time.Time) bool {
	return c.SessionsRevokedAt != nil && !t.After(*c.SessionsRevokedAt)
}

// CompanyRef is the cached subset of a company used for host resolution
type CompanyRef struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Domain string    `json:"domain"`
}

// Ref returns the host-resolution view of c
func (c *Company) Ref() *CompanyRef {
	return &CompanyRef{ID: c.ID, Name: c.Name, Domain: c.Domain}
}
