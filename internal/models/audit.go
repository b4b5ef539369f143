package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog is a best-effort record of a security relevant action
type AuditLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	RequestID string     `json:"request_id" db:"request_id"`
	Route     string     `json:"route" db:"route"`
	CompanyID *uuid.UUID `json:"company_id,omitempty" db:"company_id"`
	AdminID   *uuid.UUID `json:"admin_id,omitempty" db:"admin_id"`

	Action    string      `json:"action" db:"action"`
	Result    AuditResult `json:"result" db:"result"`
	ErrorCode string      `json:"error_code,omitempty" db:"error_code"`

	Metadata Variables `json:"metadata,omitempty" db:"metadata"`
}

// AuditResult is the outcome of an audited action
type AuditResult string

const (
	AuditOK     AuditResult = "ok"
	AuditReject AuditResult = "reject"
	AuditError  AuditResult = "error"
)

// Audit error codes
const (
	CodeLoginLocked        = "LOGIN_LOCKED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNoSession          = "NO_SESSION"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeSessionRevoked     = "SESSION_REVOKED"
	CodeSessionMismatch    = "SESSION_MISMATCH"
	CodeTenantMismatch     = "TENANT_MISMATCH"
	CodeInsufficientRole   = "INSUFFICIENT_ROLE"
	CodeCSRFMismatch       = "CSRF_MISMATCH"
)
