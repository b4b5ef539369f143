package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"

	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/billing"
	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/events"
	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/internal/tenant"
	"github.com/bunker-saas/bunker/internal/validation"
)

// handlerTimeout bounds a request inside the router. The server write timeout
// must stay above it.
const handlerTimeout = 30 * time.Second

// Options carries the optional collaborators of the REST server
type Options struct {
	// TenantCache caches host resolution; nil disables caching
	TenantCache tenant.Cache
	// Provider is the payment provider; nil when Stripe is not configured
	Provider billing.Provider
	// Publisher receives subscription changes; nil disables publishing
	Publisher events.Publisher
	// LimiterStore backs the credential rate limit; nil uses process memory
	LimiterStore limiter.Store
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	tenants   *tenant.Resolver
	sessions  *auth.SessionManager
	csrf      *auth.CSRFManager
	lockout   *auth.Lockout
	billing   *billing.Service
	validator *validation.Validator
	rateLimit func(http.Handler) http.Handler
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, opts Options) (*RESTServer, error) {
	csrf, err := auth.NewCSRFManager(cfg.Security.SessionSecret, cfg.Session.CSRFTTL)
	if err != nil {
		return nil, fmt.Errorf("create csrf manager: %w", err)
	}
	if cfg.Security.SessionSecret == "" {
		log.Warn().Msg("BUNKER_SESSION_SECRET not set, CSRF tokens use a per-process key")
	}

	s := &RESTServer{
		config:    cfg,
		store:     store,
		tenants:   tenant.NewResolver(store, opts.TenantCache),
		sessions:  auth.NewSessionManager(store, cfg.Session),
		csrf:      csrf,
		lockout:   auth.NewLockout(store),
		billing:   billing.NewService(store, opts.Provider, cfg.Stripe, cfg.Server.BaseURL, opts.Publisher),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.rateLimit, err = s.newRateLimiter(opts.LimiterStore)
	if err != nil {
		return nil, err
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: handlerTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(requestID)
	s.router.Use(accessLog)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(handlerTimeout))

	// CORS
	if len(s.config.Security.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.Security.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, http.StatusNotFound, "Not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
	})

	s.router.Handle("/metrics", metrics.Handler())

	// API routes
	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.securityHeaders)
		s.setupAPIRoutes(r)
	})
}

// Handler returns the API router
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr

	webDir := s.config.Web.StaticDir

	switch {
	case webDir == "":
	case !dirExists(webDir):
		log.Warn().Str("dir", webDir).Msg("Web directory not found, landing page will not be served")
	default:
		log.Info().Str("dir", webDir).Msg("Serving landing page from directory")
		s.server.Handler = s.withStatic(webDir)
	}

	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// withStatic serves the landing page for every path the API does not own
func (s *RESTServer) withStatic(webDir string) http.Handler {
	files := http.FileServer(http.Dir(webDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/metrics" {
			s.router.ServeHTTP(w, r)
			return
		}

		// Extensionless paths fall back to the index page
		if r.URL.Path == "/" || !strings.Contains(filepath.Base(r.URL.Path), ".") {
			http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
			return
		}

		files.ServeHTTP(w, r)
	})
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
