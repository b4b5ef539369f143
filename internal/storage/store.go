package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Company methods
	CreateCompany(ctx context.Context, company *models.Company) error
	GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error)
	GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error)
	SetCompanySessionsRevokedAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// Admin methods
	CreateAdmin(ctx context.Context, admin *models.Admin) error
	GetAdmin(ctx context.Context, companyID, id uuid.UUID) (*models.Admin, error)
	GetAdminByEmail(ctx context.Context, companyID uuid.UUID, email string) (*models.Admin, error)
	ListAdminsByEmail(ctx context.Context, email string) ([]*models.Admin, error)
	AdminEmailExistsElsewhere(ctx context.Context, email string, companyID uuid.UUID) (bool, error)
	UpdateAdminPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetAdminSessionsRevokedAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// Session methods
	CreateSession(ctx context.Context, session *models.AdminSession) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.AdminSession, error)
	TouchSession(ctx context.Context, id uuid.UUID, lastSeenAt, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (int64, error)
	DeleteAdminSessions(ctx context.Context, companyID, adminID uuid.UUID, except *uuid.UUID) (int64, error)
	DeleteCompanySessions(ctx context.Context, companyID uuid.UUID, except *uuid.UUID) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Login attempt methods
	GetLoginAttempt(ctx context.Context, key string) (*models.LoginAttempt, error)
	SaveLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	IncrementLoginAttempt(ctx context.Context, key string, now time.Time) (*models.LoginAttempt, error)
	LockLoginAttempt(ctx context.Context, key string, until time.Time) (time.Time, error)
	DeleteLoginAttempt(ctx context.Context, key string) error
	DeleteStaleLoginAttempts(ctx context.Context, before time.Time) (int64, error)

	// Billing methods
	UpsertSubscriber(ctx context.Context, sub *models.Subscriber) error
	GetSubscriberByEmail(ctx context.Context, companyID uuid.UUID, email string) (*models.Subscriber, error)
	GetSubscriberByCustomer(ctx context.Context, companyID uuid.UUID, customerID string) (*models.Subscriber, error)
	UpsertCompanySubscription(ctx context.Context, sub *models.CompanySubscription) error
	GetCompanySubscription(ctx context.Context, companyID uuid.UUID) (*models.CompanySubscription, error)

	// Webhook idempotency
	WebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, eventID, eventType string) error

	// Audit log methods
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filters AuditLogFilters, limit, offset int) ([]*models.AuditLog, int64, error)

	// Close the store
	Close() error
}

// AuditLogFilters represents filters for audit logs
type AuditLogFilters struct {
	CompanyID *uuid.UUID
	AdminID   *uuid.UUID
	Action    *string
	Result    *models.AuditResult
	StartTime *time.Time
	EndTime   *time.Time
}
