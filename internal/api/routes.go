package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up /api routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Session lifecycle
	r.With(s.validateOrigin(originStateChanging), s.requireJSON, s.rateLimit).Post("/login", s.HandleLogin)
	r.Get("/logout", s.HandleLogout)
	r.With(s.validateOrigin(originStateChanging)).Post("/logout", s.HandleLogout)
	r.With(s.validateOrigin(originAlways)).Get("/csrf", s.HandleCSRF)
	r.Get("/session", s.HandleSession)
	r.Get("/test-cookie", s.HandleSession)

	// Billing (public)
	r.With(s.validateOrigin(originStateChanging), s.requireJSON).Post("/create-checkout-session", s.HandleCreateCheckout)
	r.With(s.validateOrigin(originStateChanging), s.requireJSON).Post("/create-portal-session", s.HandleCreatePortal)
	r.Post("/stripe-webhook", s.HandleStripeWebhook)

	// Shared-secret utilities
	r.Group(func(r chi.Router) {
		r.Use(s.validateOrigin(originIfPresent), s.requireJSON)
		r.Post("/cleanup-sessions", s.HandleCleanupSessions)
		r.With(s.rateLimit).Post("/reset-admin-password", s.HandleResetAdminPassword)
		r.With(s.rateLimit).Post("/dev-set-password", s.HandleDevSetPassword)
	})

	// Authenticated admin routes
	r.With(s.requireAuth, s.requireTenant).Get("/subscription", s.HandleSubscription)

	r.Group(func(r chi.Router) {
		r.Use(s.validateOrigin(originStateChanging), s.requireJSON, s.requireCSRF, s.requireAuth, s.requireTenant)
		r.Post("/revoke-my-sessions", s.HandleRevokeMySessions)
		r.Post("/revoke-company-sessions", s.HandleRevokeCompanySessions)
	})
}
