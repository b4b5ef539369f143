package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/internal/tenant"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

// Unlocked login counters untouched for this long are removed by cleanup
const staleLoginAttemptAge = 24 * time.Hour

// HandleCleanupSessions deletes expired sessions and stale login counters
func (s *RESTServer) HandleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !secretMatches(s.config.Security.CleanupSecret, r.Header.Get("X-Cleanup-Secret")) {
		s.respondError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessions, attempts, err := s.sessions.Cleanup(ctx, staleLoginAttemptAge)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Session cleanup failed")
		s.audit(r, &models.AuditLog{
			Action: "cleanup_sessions",
			Result: models.AuditError,
		})
		s.respondError(w, r, http.StatusInternalServerError, "Cleanup error")
		return
	}

	metrics.CleanupDeleted(sessions, attempts)
	s.audit(r, &models.AuditLog{
		Action: "cleanup_sessions",
		Result: models.AuditOK,
		Metadata: models.Variables{
			"deleted":                sessions,
			"deleted_login_attempts": attempts,
		},
	})

	log.Info().
		Str("request_id", RequestIDFrom(ctx)).
		Str("route", "/api/cleanup-sessions").
		Int64("deleted", sessions).
		Int64("deleted_login_attempts", attempts).
		Msg("Sessions cleaned up")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                     true,
		"deleted":                sessions,
		"deleted_login_attempts": attempts,
		"request_id":             RequestIDFrom(ctx),
	})
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,max=72"`
}

// HandleResetAdminPassword sets an admin password with the operator secret
func (s *RESTServer) HandleResetAdminPassword(w http.ResponseWriter, r *http.Request) {
	secret := s.config.Security.SessionSecret
	if secret == "" {
		s.respondError(w, r, http.StatusInternalServerError, "Missing BUNKER_SESSION_SECRET")
		return
	}
	if !secretMatches(secret, r.Header.Get("X-Reset-Secret")) {
		s.respondError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil || s.validator.Validate(&req) != nil {
		s.respondError(w, r, http.StatusBadRequest, "Missing email or newPassword")
		return
	}

	s.setAdminPassword(w, r, req.Email, req.NewPassword, "reset_admin_password")
}

type devPasswordRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required,max=72"`
}

// HandleDevSetPassword is the development-only variant of the password reset
func (s *RESTServer) HandleDevSetPassword(w http.ResponseWriter, r *http.Request) {
	if s.config.IsProduction() {
		s.respondError(w, r, http.StatusNotFound, "Not found")
		return
	}
	if !secretMatches(s.config.Security.SessionSecret, r.Header.Get("X-Dev-Secret")) {
		s.respondError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req devPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil || s.validator.Validate(&req) != nil {
		s.respondError(w, r, http.StatusBadRequest, "Missing email or password")
		return
	}

	s.setAdminPassword(w, r, req.Email, req.Password, "dev_set_password")
}

// setAdminPassword finds the admin (scoped to the host's company when the
// host resolves) and replaces its password
func (s *RESTServer) setAdminPassword(w http.ResponseWriter, r *http.Request, email, password, action string) {
	ctx := r.Context()

	var scope *uuid.UUID
	company, err := s.tenants.ByRequest(r)
	switch {
	case err == nil:
		scope = &company.ID
	case !errors.Is(err, tenant.ErrUnknownHost):
		log.Error().Err(err).Str("host", r.Host).Msg("Tenant resolution failed")
		s.respondError(w, r, http.StatusInternalServerError, "Tenant lookup error")
		return
	}

	admin, err := auth.FindAdmin(ctx, s.store, scope, email)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.respondError(w, r, http.StatusNotFound, "Admin not found")
		case errors.Is(err, auth.ErrAmbiguousAdmin):
			s.respondError(w, r, http.StatusConflict, "Email belongs to several companies, call from the company domain")
		default:
			log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to load admin")
			s.respondError(w, r, http.StatusInternalServerError, "Server error")
		}
		return
	}

	if err := auth.SetPassword(ctx, s.store, admin, password, s.config.Security.BcryptRounds); err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to set admin password")
		s.respondError(w, r, http.StatusInternalServerError, "Server error")
		return
	}

	s.audit(r, &models.AuditLog{
		CompanyID: &admin.CompanyID,
		AdminID:   &admin.ID,
		Action:    action,
		Result:    models.AuditOK,
	})

	log.Info().
		Str("request_id", RequestIDFrom(ctx)).
		Str("route", r.URL.Path).
		Str("admin_id", admin.ID.String()).
		Msg("Admin password replaced")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"request_id": RequestIDFrom(ctx),
	})
}

// HandleRevokeMySessions signs the admin out everywhere except this browser
func (s *RESTServer) HandleRevokeMySessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	company := companyFrom(ctx)

	revokedAt := time.Now().UTC()
	deleted, err := s.inTx(r, func(tx storage.Store) (int64, error) {
		if err := tx.SetAdminSessionsRevokedAt(ctx, p.Admin.ID, revokedAt); err != nil {
			return 0, fmt.Errorf("stamp admin revocation: %w", err)
		}
		return tx.DeleteAdminSessions(ctx, company.ID, p.Admin.ID, &p.Session.ID)
	})
	if err != nil {
		s.revokeFailed(w, r, "revoke_my_sessions", err)
		return
	}

	if !s.rotateSession(w, r, p, revokedAt, "revoke_my_sessions") {
		return
	}

	s.audit(r, &models.AuditLog{
		CompanyID: &company.ID,
		AdminID:   &p.Admin.ID,
		Action:    "revoke_my_sessions",
		Result:    models.AuditOK,
		Metadata:  models.Variables{"deleted": deleted},
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"deleted":    deleted,
		"request_id": RequestIDFrom(ctx),
	})
}

// HandleRevokeCompanySessions signs every admin of the company out except
// the caller's current session. Requires an owner or superadmin.
func (s *RESTServer) HandleRevokeCompanySessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)
	company := companyFrom(ctx)

	if !p.Admin.CanRevokeCompanySessions() {
		s.audit(r, &models.AuditLog{
			CompanyID: &company.ID,
			AdminID:   &p.Admin.ID,
			Action:    "revoke_company_sessions",
			Result:    models.AuditReject,
			ErrorCode: models.CodeInsufficientRole,
			Metadata:  models.Variables{"role": p.Admin.Role},
		})
		s.respondError(w, r, http.StatusForbidden, "Forbidden")
		return
	}

	revokedAt := time.Now().UTC()
	deleted, err := s.inTx(r, func(tx storage.Store) (int64, error) {
		if err := tx.SetCompanySessionsRevokedAt(ctx, company.ID, revokedAt); err != nil {
			return 0, fmt.Errorf("stamp company revocation: %w", err)
		}
		return tx.DeleteCompanySessions(ctx, company.ID, &p.Session.ID)
	})
	if err != nil {
		s.revokeFailed(w, r, "revoke_company_sessions", err)
		return
	}

	s.tenants.Invalidate(ctx, r.Host)

	if !s.rotateSession(w, r, p, revokedAt, "revoke_company_sessions") {
		return
	}

	s.audit(r, &models.AuditLog{
		CompanyID: &company.ID,
		AdminID:   &p.Admin.ID,
		Action:    "revoke_company_sessions",
		Result:    models.AuditOK,
		Metadata:  models.Variables{"deleted": deleted},
	})

	log.Info().
		Str("request_id", RequestIDFrom(ctx)).
		Str("route", "/api/revoke-company-sessions").
		Str("company_id", company.ID.String()).
		Int64("deleted", deleted).
		Msg("Company sessions revoked")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"deleted":    deleted,
		"request_id": RequestIDFrom(ctx),
	})
}

// inTx runs fn in a store transaction and commits it
func (s *RESTServer) inTx(r *http.Request, fn func(tx storage.Store) (int64, error)) (int64, error) {
	tx, err := s.store.BeginTx(r.Context())
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// rotateSession moves the caller onto a session created after revokedAt so
// the caller stays signed in
func (s *RESTServer) rotateSession(w http.ResponseWriter, r *http.Request, p *auth.Principal, revokedAt time.Time, action string) bool {
	token, session, err := s.sessions.Rotate(r.Context(), p, r.UserAgent(), revokedAt)
	if err != nil {
		s.revokeFailed(w, r, action, err)
		return false
	}
	s.setSessionCookie(w, r, token, s.sessions.CookieMaxAge(session))
	return true
}

func (s *RESTServer) revokeFailed(w http.ResponseWriter, r *http.Request, action string, err error) {
	log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Str("action", action).Msg("Session revocation failed")
	entry := &models.AuditLog{Action: action, Result: models.AuditError}
	if p := principalFrom(r.Context()); p != nil {
		entry.CompanyID = &p.Company.ID
		entry.AdminID = &p.Admin.ID
	}
	s.audit(r, entry)
	s.respondError(w, r, http.StatusInternalServerError, "Revoke error")
}

// secretMatches compares a provided header to a configured secret. An
// unconfigured secret never matches.
func secretMatches(expected, provided string) bool {
	return expected != "" && provided != "" && crypto.ConstantTimeEqual(provided, expected)
}
