package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/billing"
	"github.com/bunker-saas/bunker/internal/models"
)

// HandleCreateCheckout opens a subscription checkout for the calling site's company
func (s *RESTServer) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	domain := requestDomain(r)
	if domain == "" {
		s.respondError(w, r, http.StatusBadRequest, "Could not detect domain")
		return
	}

	company, ok := s.companyForRequest(w, r)
	if !ok {
		return
	}

	var req billing.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		s.respondError(w, r, http.StatusBadRequest, "Missing planId")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sessionURL, err := s.billing.CreateCheckout(ctx, company, domain, req)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUnknownPlan):
			s.respondError(w, r, http.StatusBadRequest, "Unknown planId: "+req.PlanID)
		case errors.Is(err, billing.ErrAlreadySubscribed):
			s.respondError(w, r, http.StatusConflict, "Ya existe una suscripción activa para ese email")
		case errors.Is(err, billing.ErrPricesNotConfigured):
			s.respondError(w, r, http.StatusInternalServerError, "Missing STRIPE_PRICE_ID_* env vars")
		case errors.Is(err, billing.ErrNotConfigured):
			s.respondError(w, r, http.StatusInternalServerError, "Missing STRIPE_SECRET_KEY")
		default:
			log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to create checkout session")
			s.respondError(w, r, http.StatusInternalServerError, "Server error")
		}
		return
	}

	log.Info().
		Str("request_id", RequestIDFrom(ctx)).
		Str("route", "/api/create-checkout-session").
		Str("company_id", company.ID.String()).
		Str("plan", strings.ToLower(req.PlanID)).
		Str("result", "ok").
		Msg("Checkout session created")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"url":        sessionURL,
		"request_id": RequestIDFrom(ctx),
	})
}

type portalRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// HandleCreatePortal opens the billing portal for a subscriber of the host's company
func (s *RESTServer) HandleCreatePortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req portalRequest
	if err := decodeJSON(w, r, &req); err != nil || s.validator.Validate(&req) != nil {
		s.respondError(w, r, http.StatusBadRequest, "email válido es requerido")
		return
	}

	company, ok := s.companyForRequest(w, r)
	if !ok {
		return
	}

	sessionURL, err := s.billing.CreatePortal(ctx, company, models.NormalizeEmail(req.Email))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNoSubscription):
			s.respondError(w, r, http.StatusNotFound, "No encontramos una suscripción para ese email")
		case errors.Is(err, billing.ErrNotConfigured):
			s.respondError(w, r, http.StatusInternalServerError, "Missing STRIPE_SECRET_KEY")
		default:
			log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to create portal session")
			s.respondError(w, r, http.StatusInternalServerError, "Error creando portal")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"url":        sessionURL,
		"request_id": RequestIDFrom(ctx),
	})
}

// HandleStripeWebhook verifies and applies a provider event
func (s *RESTServer) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		s.respondError(w, r, http.StatusBadRequest, "Missing stripe-signature header")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "Webhook Error: unreadable body")
		return
	}

	event, err := s.billing.ConstructEvent(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			s.respondError(w, r, http.StatusInternalServerError, "Missing STRIPE_SECRET_KEY")
			return
		}
		log.Warn().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Rejected webhook")
		s.respondError(w, r, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}

	outcome, err := s.billing.HandleEvent(ctx, event)
	if err != nil {
		log.Error().
			Err(err).
			Str("request_id", RequestIDFrom(ctx)).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("Webhook processing failed")
		s.respondError(w, r, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	log.Debug().Str("event_id", event.ID).Str("outcome", outcome).Msg("Webhook acknowledged")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// HandleSubscription reports the company subscription behind the session
func (s *RESTServer) HandleSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	company := companyFrom(ctx)

	sub, err := s.billing.Entitlement(ctx, company.ID)
	switch {
	case errors.Is(err, billing.ErrNoSubscription):
		s.respondError(w, r, http.StatusNotFound, "No subscription")
		return
	case errors.Is(err, billing.ErrPaymentRequired):
		s.respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":      "Payment required",
			"status":     sub.Status,
			"request_id": RequestIDFrom(ctx),
		})
		return
	case err != nil:
		log.Error().Err(err).Str("request_id", RequestIDFrom(ctx)).Msg("Failed to load subscription")
		s.respondError(w, r, http.StatusInternalServerError, "Subscription lookup error")
		return
	}

	body := map[string]interface{}{
		"status":     sub.Status,
		"price_id":   sub.PriceID,
		"plan":       s.config.Stripe.PlanForPriceID(sub.PriceID),
		"request_id": RequestIDFrom(ctx),
	}
	if sub.CurrentPeriodEnd != nil {
		body["current_period_end"] = sub.CurrentPeriodEnd.Format(timeLayout)
	}
	s.respondJSON(w, http.StatusOK, body)
}

// requestDomain is the site a browser request came from, port and all: the
// Origin host, else the Referer host, else the Host header. It only builds
// redirect URLs; the company always comes from the Host header.
func requestDomain(r *http.Request) string {
	for _, source := range []string{r.Header.Get("Origin"), r.Header.Get("Referer")} {
		if u, err := url.Parse(strings.TrimSpace(source)); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return r.Host
}
