package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

const msgInvalidCredentials = "Credenciales inválidas"

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// HandleLogin authenticates an admin of the host's company and opens a session
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil || s.validator.Validate(&req) != nil {
		s.respondError(w, r, http.StatusBadRequest, "Missing email or password")
		return
	}

	company, ok := s.companyForRequest(w, r)
	if !ok {
		return
	}

	email := models.NormalizeEmail(req.Email)
	ip := clientIP(r)
	key := auth.LoginKey(ip, email)

	_, locked, err := s.lockout.Check(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to read login attempts")
		s.respondError(w, r, http.StatusInternalServerError, "Login error")
		return
	}
	if locked {
		metrics.Login("locked")
		s.audit(r, &models.AuditLog{
			CompanyID: &company.ID,
			Action:    "login",
			Result:    models.AuditReject,
			ErrorCode: models.CodeLoginLocked,
			Metadata:  models.Variables{"ip": ip},
		})
		s.respondError(w, r, http.StatusTooManyRequests, msgInvalidCredentials)
		return
	}

	admin, err := s.store.GetAdminByEmail(ctx, company.ID, email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		admin = nil
	case err != nil:
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to load admin")
		s.respondError(w, r, http.StatusInternalServerError, "Login error")
		return
	}

	if admin == nil || !crypto.VerifyPassword(req.Password, admin.PasswordHash) {
		s.loginFailed(w, r, company, admin, email, key)
		return
	}

	if err := s.lockout.Clear(ctx, key); err != nil {
		log.Warn().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to clear login attempts")
	}

	token, _, err := s.sessions.Create(ctx, admin, r.UserAgent())
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to create session")
		s.respondError(w, r, http.StatusInternalServerError, "Login error")
		return
	}

	s.setSessionCookie(w, r, token, s.config.Session.TTL)
	metrics.Login("ok")
	s.audit(r, &models.AuditLog{
		CompanyID: &company.ID,
		AdminID:   &admin.ID,
		Action:    "login",
		Result:    models.AuditOK,
		Metadata:  models.Variables{"ip": ip},
	})

	log.Info().
		Str("request_id", RequestIDFrom(ctx)).
		Str("route", "/api/login").
		Str("company_id", company.ID.String()).
		Str("admin_id", admin.ID.String()).
		Str("result", "ok").
		Msg("Admin logged in")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"admin_id":   admin.ID,
		"company_id": company.ID,
		"request_id": RequestIDFrom(ctx),
	})
}

// loginFailed counts the failure towards the lockout and answers 401.
// admin is nil when the email is unknown to the company.
func (s *RESTServer) loginFailed(w http.ResponseWriter, r *http.Request, company *models.CompanyRef, admin *models.Admin, email, key string) {
	ctx := r.Context()
	ip := clientIP(r)

	entry := &models.AuditLog{
		CompanyID: &company.ID,
		Action:    "login",
		Result:    models.AuditReject,
		ErrorCode: models.CodeInvalidCredentials,
		Metadata:  models.Variables{"ip": ip},
	}
	if admin != nil {
		entry.AdminID = &admin.ID
	} else {
		elsewhere, err := s.store.AdminEmailExistsElsewhere(ctx, email, company.ID)
		if err != nil {
			log.Warn().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to check other tenants")
		}
		if elsewhere {
			entry.Metadata["other_tenant"] = true
		}
	}

	updated, err := s.lockout.RegisterFailure(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to register login failure")
		s.respondError(w, r, http.StatusInternalServerError, "Login error")
		return
	}
	if updated.LockedUntil != nil {
		entry.Metadata["locked_until"] = updated.LockedUntil.Format(timeLayout)
	}

	metrics.Login("invalid")
	s.audit(r, entry)
	s.respondError(w, r, http.StatusUnauthorized, msgInvalidCredentials)
}

// HandleLogout deletes the current session and clears the cookies
func (s *RESTServer) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.CookieValue(r, s.config.Session.CookieName)

	deleted, err := s.sessions.Logout(r.Context(), token)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Failed to delete session")
		s.respondError(w, r, http.StatusInternalServerError, "Logout error")
		return
	}
	if deleted {
		log.Info().Str("request_id", RequestIDFrom(r.Context())).Str("route", "/api/logout").Msg("Session closed")
	}

	secure := s.secure(r)
	http.SetCookie(w, auth.ExpiredCookie(s.config.Session.CookieName, secure))
	http.SetCookie(w, auth.ExpiredCookie(s.config.Session.CSRFCookieName, secure))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// HandleCSRF issues a CSRF token as cookie and body
func (s *RESTServer) HandleCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrf.Issue()
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue CSRF token")
		s.respondError(w, r, http.StatusInternalServerError, "CSRF error")
		return
	}

	http.SetCookie(w, auth.CSRFCookie(s.config.Session.CSRFCookieName, token, s.config.Session.CSRFTTL, s.secure(r)))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"csrf_token": token,
		"request_id": RequestIDFrom(r.Context()),
	})
}

// HandleSession reports the admin behind the session cookie
func (s *RESTServer) HandleSession(w http.ResponseWriter, r *http.Request) {
	token := auth.CookieValue(r, s.config.Session.CookieName)

	p, err := s.sessions.Resolve(r.Context(), token, r.UserAgent())
	if err != nil {
		code, ok := sessionErrorCode(err)
		if !ok {
			log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Session check failed")
			s.respondError(w, r, http.StatusInternalServerError, "Session check error")
			return
		}
		metrics.SessionRejected(code)
		if code == models.CodeSessionExpired || code == models.CodeSessionRevoked {
			http.SetCookie(w, auth.ExpiredCookie(s.config.Session.CookieName, s.secure(r)))
		}
		s.respondError(w, r, http.StatusUnauthorized, "No session")
		return
	}

	if p.Renewed {
		s.setSessionCookie(w, r, token, s.sessions.CookieMaxAge(p.Session))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"admin_id":   p.Admin.ID,
		"company_id": p.Company.ID,
		"email":      p.Admin.Email,
		"role":       p.Admin.Role,
		"expires_at": p.Session.ExpiresAt.Format(timeLayout),
	})
}
