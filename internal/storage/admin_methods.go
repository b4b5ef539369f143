package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// ========== Admin Methods ==========

const adminColumns = `id, company_id, email, password_hash, role, sessions_revoked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAdmin(row rowScanner) (*models.Admin, error) {
	admin := &models.Admin{}
	err := row.Scan(
		&admin.ID, &admin.CompanyID, &admin.Email, &admin.PasswordHash, &admin.Role,
		&admin.SessionsRevokedAt, &admin.CreatedAt, &admin.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return admin, nil
}

// CreateAdmin creates a company admin
func (s *PostgresStore) CreateAdmin(ctx context.Context, admin *models.Admin) error {
	if admin.ID == uuid.Nil {
		admin.ID = uuid.New()
	}
	if admin.Role == "" {
		admin.Role = models.RoleAdmin
	}

	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now
	admin.Email = models.NormalizeEmail(admin.Email)

	query := `
		INSERT INTO company_admins (
			id, company_id, email, password_hash, role, sessions_revoked_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		admin.ID, admin.CompanyID, admin.Email, admin.PasswordHash, admin.Role,
		admin.SessionsRevokedAt, admin.CreatedAt, admin.UpdatedAt,
	)

	return mapError(err)
}

// GetAdmin gets an admin of a company by ID
func (s *PostgresStore) GetAdmin(ctx context.Context, companyID, id uuid.UUID) (*models.Admin, error) {
	query := `SELECT ` + adminColumns + ` FROM company_admins WHERE id = $1 AND company_id = $2`
	return scanAdmin(s.getDB().QueryRowContext(ctx, query, id, companyID))
}

// GetAdminByEmail gets an admin of a company by email
func (s *PostgresStore) GetAdminByEmail(ctx context.Context, companyID uuid.UUID, email string) (*models.Admin, error) {
	query := `SELECT ` + adminColumns + ` FROM company_admins WHERE email = $1 AND company_id = $2`
	return scanAdmin(s.getDB().QueryRowContext(ctx, query, models.NormalizeEmail(email), companyID))
}

// ListAdminsByEmail lists admins across companies sharing an email
func (s *PostgresStore) ListAdminsByEmail(ctx context.Context, email string) ([]*models.Admin, error) {
	query := `SELECT ` + adminColumns + ` FROM company_admins WHERE email = $1 ORDER BY created_at`

	rows, err := s.getDB().QueryContext(ctx, query, models.NormalizeEmail(email))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var admins []*models.Admin
	for rows.Next() {
		admin, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, admin)
	}

	return admins, rows.Err()
}

// AdminEmailExistsElsewhere reports whether the email is an admin of another company
func (s *PostgresStore) AdminEmailExistsElsewhere(ctx context.Context, email string, companyID uuid.UUID) (bool, error) {
	var exists bool
	err := s.getDB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM company_admins WHERE email = $1 AND company_id <> $2)`,
		models.NormalizeEmail(email), companyID,
	).Scan(&exists)

	return exists, mapError(err)
}

// UpdateAdminPassword replaces an admin's password hash
func (s *PostgresStore) UpdateAdminPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return expectOneRow(s.getDB().ExecContext(ctx,
		`UPDATE company_admins SET password_hash = $2, updated_at = now() WHERE id = $1`,
		id, passwordHash,
	))
}

// SetAdminSessionsRevokedAt revokes every session of the admin created before at
func (s *PostgresStore) SetAdminSessionsRevokedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return expectOneRow(s.getDB().ExecContext(ctx,
		`UPDATE company_admins SET sessions_revoked_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	))
}
