package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

// ErrAmbiguousAdmin is returned when an unscoped email matches admins of several companies
var ErrAmbiguousAdmin = errors.New("email belongs to admins of several companies")

// FindAdmin looks an admin up by email. With companyID the lookup is scoped to
// that company; without it the email must be unique across companies.
func FindAdmin(ctx context.Context, store storage.Store, companyID *uuid.UUID, email string) (*models.Admin, error) {
	email = models.NormalizeEmail(email)

	if companyID != nil {
		return store.GetAdminByEmail(ctx, *companyID, email)
	}

	admins, err := store.ListAdminsByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	switch len(admins) {
	case 0:
		return nil, storage.ErrNotFound
	case 1:
		return admins[0], nil
	}
	return nil, ErrAmbiguousAdmin
}

// SetPassword stores a new bcrypt hash for admin and signs every session of
// the admin out.
func SetPassword(ctx context.Context, store storage.Store, admin *models.Admin, password string, cost int) error {
	hash, err := crypto.HashPassword(password, cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.UpdateAdminPassword(ctx, admin.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := tx.SetAdminSessionsRevokedAt(ctx, admin.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if _, err := tx.DeleteAdminSessions(ctx, admin.CompanyID, admin.ID, nil); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}

	return tx.Commit()
}
