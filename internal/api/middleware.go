package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/tenant"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	principalKey
	companyKey
)

const maxRequestIDLength = 128

// requestID takes the caller's X-Request-Id when it is reasonable and
// assigns a fresh one otherwise. The id is echoed on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the request id stored in ctx
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// accessLog logs and measures every request
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		metrics.ObserveRequest(route, r.Method, status, elapsed)

		log.Info().
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("HTTP request")
	})
}

// securityHeaders sets the response headers every API answer carries
func (s *RESTServer) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		if auth.IsSecureRequest(r, s.config.IsProduction()) {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

type originPolicy int

const (
	// originStateChanging checks non-safe methods and requires a source
	originStateChanging originPolicy = iota
	// originAlways checks every method and requires a source
	originAlways
	// originIfPresent checks only requests that carry a source, for
	// server-to-server callers authenticated by a shared secret
	originIfPresent
)

// validateOrigin rejects requests whose Origin (or Referer) is neither the
// request host nor an allowed origin
func (s *RESTServer) validateOrigin(policy originPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if policy == originStateChanging && isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			source := r.Header.Get("Origin")
			if source == "" || source == "null" {
				source = r.Header.Get("Referer")
			}

			if source == "" {
				if policy == originIfPresent {
					next.ServeHTTP(w, r)
					return
				}
				s.respondError(w, r, http.StatusForbidden, "Origin not allowed")
				return
			}

			if !s.originAllowed(r, source) {
				log.Warn().
					Str("request_id", RequestIDFrom(r.Context())).
					Str("origin", source).
					Str("host", r.Host).
					Msg("Rejected cross-origin request")
				s.respondError(w, r, http.StatusForbidden, "Origin not allowed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *RESTServer) originAllowed(r *http.Request, source string) bool {
	host := hostOf(source)
	if host == "" {
		return false
	}
	if host == tenant.NormalizeHost(r.Host) {
		return true
	}
	for _, allowed := range s.config.Security.AllowedOrigins {
		if a := hostOf(allowed); a != "" && a == host {
			return true
		}
	}
	return false
}

// hostOf returns the normalized host of an origin or URL
func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return tenant.NormalizeHost(u.Host)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// requireJSON rejects POST bodies that are not declared as JSON. Empty
// bodies pass.
func (s *RESTServer) requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.ContentLength != 0 {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				s.respondError(w, r, http.StatusBadRequest, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF enforces the double-submit token
func (s *RESTServer) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.csrf.Verify(r.Header.Get("X-CSRF-Token"), auth.CookieValue(r, s.config.Session.CSRFCookieName))
		if err != nil {
			s.audit(r, &models.AuditLog{
				Action:    "csrf",
				Result:    models.AuditReject,
				ErrorCode: models.CodeCSRFMismatch,
			})
			s.respondError(w, r, http.StatusForbidden, "Invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the session cookie into a principal
func (s *RESTServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			s.audit(r, &models.AuditLog{
				Action:    "auth",
				Result:    models.AuditReject,
				ErrorCode: code,
			})
			if token != "" && code != models.CodeSessionMismatch {
				http.SetCookie(w, auth.ExpiredCookie(s.config.Session.CookieName, s.secure(r)))
			}
			s.respondError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if p.Renewed {
			s.setSessionCookie(w, r, token, s.sessions.CookieMaxAge(p.Session))
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// requireTenant checks that the session belongs to the company serving the host
func (s *RESTServer) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if p == nil {
			s.respondError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		company, ok := s.companyForRequest(w, r)
		if !ok {
			return
		}

		if company.ID != p.Company.ID {
			s.audit(r, &models.AuditLog{
				CompanyID: &company.ID,
				AdminID:   &p.Admin.ID,
				Action:    "tenant",
				Result:    models.AuditReject,
				ErrorCode: models.CodeTenantMismatch,
				Metadata:  models.Variables{"session_company_id": p.Company.ID.String()},
			})
			s.respondError(w, r, http.StatusForbidden, "Forbidden")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), companyKey, company)))
	})
}

// companyForRequest resolves the host's company, answering 404 or 500 itself
// when it cannot
func (s *RESTServer) companyForRequest(w http.ResponseWriter, r *http.Request) (*models.CompanyRef, bool) {
	company, err := s.tenants.ByRequest(r)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownHost) {
			s.respondError(w, r, http.StatusNotFound, "Company not found for host")
			return nil, false
		}
		log.Error().Err(err).Str("host", r.Host).Msg("Tenant resolution failed")
		s.respondError(w, r, http.StatusInternalServerError, "Tenant lookup error")
		return nil, false
	}
	return company, true
}

func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

func companyFrom(ctx context.Context) *models.CompanyRef {
	c, _ := ctx.Value(companyKey).(*models.CompanyRef)
	return c
}

func sessionErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, auth.ErrNoSession):
		return models.CodeNoSession, true
	case errors.Is(err, auth.ErrSessionExpired):
		return models.CodeSessionExpired, true
	case errors.Is(err, auth.ErrSessionRevoked):
		return models.CodeSessionRevoked, true
	case errors.Is(err, auth.ErrSessionMismatch):
		return models.CodeSessionMismatch, true
	}
	return "", false
}

// clientIP returns the first forwarded address, falling back to the peer
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newRateLimiter builds the per-IP limit applied to credential endpoints
func (s *RESTServer) newRateLimiter(store limiter.Store) (func(http.Handler) http.Handler, error) {
	rate, err := limiter.NewRateFromFormatted(s.config.Security.LoginRateLimit)
	if err != nil {
		return nil, fmt.Errorf("parse login rate limit %q: %w", s.config.Security.LoginRateLimit, err)
	}
	if store == nil {
		store = memory.NewStore()
	}

	mw := stdlib.NewMiddleware(limiter.New(store, rate),
		stdlib.WithKeyGetter(func(r *http.Request) string {
			return "credentials:" + clientIP(r)
		}),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			log.Warn().
				Str("request_id", RequestIDFrom(r.Context())).
				Str("ip", clientIP(r)).
				Str("path", r.URL.Path).
				Msg("Rate limit reached")
			s.respondError(w, r, http.StatusTooManyRequests, "Too many requests")
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Rate limiter failed")
			s.respondError(w, r, http.StatusInternalServerError, "Rate limiter unavailable")
		}),
	)

	return mw.Handler, nil
}
