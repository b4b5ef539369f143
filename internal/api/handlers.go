package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/models"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339
)

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.config.Server.Version,
	})
}

// ========== Helper functions ==========

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// audit writes a best-effort audit record for r
func (s *RESTServer) audit(r *http.Request, entry *models.AuditLog) {
	entry.RequestID = RequestIDFrom(r.Context())
	if entry.Route == "" {
		entry.Route = r.URL.Path
	}
	if err := s.store.CreateAuditLog(r.Context(), entry); err != nil {
		log.Warn().
			Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log")
	}
}

func (s *RESTServer) secure(r *http.Request) bool {
	return auth.IsSecureRequest(r, s.config.IsProduction())
}

func (s *RESTServer) setSessionCookie(w http.ResponseWriter, r *http.Request, token string, maxAge time.Duration) {
	http.SetCookie(w, auth.SessionCookie(s.config.Session.CookieName, token, maxAge, s.secure(r)))
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with an error carrying the request id
func (s *RESTServer) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": RequestIDFrom(r.Context()),
	})
}
