package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// ========== Company Methods ==========

const companyColumns = `id, name, domain, sessions_revoked_at, created_at, updated_at`

// CreateCompany creates a new company
func (s *PostgresStore) CreateCompany(ctx context.Context, company *models.Company) error {
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}

	now := time.Now().UTC()
	company.CreatedAt = now
	company.UpdatedAt = now

	query := `
		INSERT INTO companies (id, name, domain, sessions_revoked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		company.ID, company.Name, company.Domain, company.SessionsRevokedAt,
		company.CreatedAt, company.UpdatedAt,
	)

	return mapError(err)
}

// GetCompany gets a company by ID
func (s *PostgresStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`

	company := &models.Company{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&company.ID, &company.Name, &company.Domain, &company.SessionsRevokedAt,
		&company.CreatedAt, &company.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return company, nil
}

// GetCompanyByDomain gets a company by its normalized domain
func (s *PostgresStore) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE domain = $1`

	company := &models.Company{}
	err := s.getDB().QueryRowContext(ctx, query, domain).Scan(
		&company.ID, &company.Name, &company.Domain, &company.SessionsRevokedAt,
		&company.CreatedAt, &company.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return company, nil
}

// SetCompanySessionsRevokedAt marks every session of the company created before at as revoked
func (s *PostgresStore) SetCompanySessionsRevokedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return expectOneRow(s.getDB().ExecContext(ctx,
		`UPDATE companies SET sessions_revoked_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	))
}
