package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"

	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/events"
	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
)

// Billing errors
var (
	ErrNotConfigured       = errors.New("payment provider not configured")
	ErrPricesNotConfigured = errors.New("stripe price ids not configured")
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrAlreadySubscribed   = errors.New("email already has an active subscription")
	ErrNoSubscription      = errors.New("subscription not found")
	ErrPaymentRequired     = errors.New("payment required")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
)

// CheckoutRequest is the body of a checkout creation
type CheckoutRequest struct {
	PlanID        string `json:"planId" validate:"required"`
	SuccessURL    string `json:"success_url" validate:"omitempty,url"`
	CancelURL     string `json:"cancel_url" validate:"omitempty,url"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	Email         string `json:"email" validate:"omitempty,email"`
}

// SubscriptionChanged is published after a company subscription changes
type SubscriptionChanged struct {
	CompanyID        uuid.UUID `json:"company_id"`
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	Status           string    `json:"status"`
	PriceID          string    `json:"price_id"`
	Plan             string    `json:"plan"`
	CurrentPeriodEnd int64     `json:"current_period_end,omitempty"`
}

// Service orchestrates checkout, portal and webhook handling
type Service struct {
	store     storage.Store
	provider  Provider
	cfg       config.StripeConfig
	baseURL   string
	publisher events.Publisher
}

// NewService creates a billing service. provider may be nil when Stripe is
// not configured; every provider call then fails with ErrNotConfigured.
func NewService(store storage.Store, provider Provider, cfg config.StripeConfig, baseURL string, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		store:     store,
		provider:  provider,
		cfg:       cfg,
		baseURL:   strings.TrimRight(baseURL, "/"),
		publisher: publisher,
	}
}

// CreateCheckout opens a subscription checkout for plan on behalf of company
func (s *Service) CreateCheckout(ctx context.Context, company *models.CompanyRef, domain string, req CheckoutRequest) (string, error) {
	if s.provider == nil {
		return "", ErrNotConfigured
	}
	if !s.cfg.PricesConfigured() {
		return "", ErrPricesNotConfigured
	}

	plan := strings.ToLower(strings.TrimSpace(req.PlanID))
	price, ok := s.cfg.PriceIDForPlan(plan)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlan, req.PlanID)
	}

	email := req.CustomerEmail
	if email == "" {
		email = req.Email
	}
	email = models.NormalizeEmail(email)

	if email != "" {
		sub, err := s.store.GetSubscriberByEmail(ctx, company.ID, email)
		switch {
		case err == nil && models.IsEntitled(sub.Status):
			return "", ErrAlreadySubscribed
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return "", fmt.Errorf("lookup subscriber: %w", err)
		}
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = "https://" + domain + "/gracias.html?session_id={CHECKOUT_SESSION_ID}"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = "https://" + domain + "/index.html#planes"
	}

	companyID := company.ID.String()
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"company_id": companyID,
				"plan":       plan,
				"email":      email,
			},
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.AddMetadata("company_id", companyID)
	params.AddMetadata("plan", plan)
	params.AddMetadata("email", email)
	params.AddMetadata("planId", req.PlanID)
	params.AddMetadata("companyId", companyID)
	params.AddMetadata("domain", domain)

	session, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	metrics.Checkout(plan)
	return session.URL, nil
}

// CreatePortal opens the billing portal for a subscriber of company
func (s *Service) CreatePortal(ctx context.Context, company *models.CompanyRef, email string) (string, error) {
	if s.provider == nil {
		return "", ErrNotConfigured
	}

	sub, err := s.store.GetSubscriberByEmail(ctx, company.ID, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNoSubscription
		}
		return "", fmt.Errorf("lookup subscriber: %w", err)
	}
	if sub.StripeCustomerID == "" {
		return "", ErrNoSubscription
	}

	session, err := s.provider.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(s.baseURL + "/index.html#planes"),
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}

	return session.URL, nil
}

// Entitlement returns the company subscription. The error is
// ErrNoSubscription without a row and ErrPaymentRequired when the status
// does not grant access; the subscription is still returned in that case.
func (s *Service) Entitlement(ctx context.Context, companyID uuid.UUID) (*models.CompanySubscription, error) {
	sub, err := s.store.GetCompanySubscription(ctx, companyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, fmt.Errorf("lookup company subscription: %w", err)
	}
	if !models.IsEntitled(sub.Status) {
		return sub, ErrPaymentRequired
	}
	return sub, nil
}

// ConstructEvent verifies a webhook payload
func (s *Service) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if s.provider == nil {
		return stripe.Event{}, ErrNotConfigured
	}
	event, err := s.provider.ConstructEvent(payload, signature)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

func (s *Service) publish(ctx context.Context, event stripe.Event, sub *models.CompanySubscription) {
	msg := SubscriptionChanged{
		CompanyID: sub.CompanyID,
		EventID:   event.ID,
		EventType: string(event.Type),
		Status:    sub.Status,
		PriceID:   sub.PriceID,
		Plan:      s.cfg.PlanForPriceID(sub.PriceID),
	}
	if sub.CurrentPeriodEnd != nil {
		msg.CurrentPeriodEnd = sub.CurrentPeriodEnd.Unix()
	}

	subject := fmt.Sprintf("company.%s.subscription", sub.CompanyID)
	if err := s.publisher.Publish(ctx, subject, msg); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish subscription change")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
