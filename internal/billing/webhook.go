package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"

	"github.com/bunker-saas/bunker/internal/metrics"
	"github.com/bunker-saas/bunker/internal/models"
)

// Handled event types
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Webhook outcomes
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeUnresolved = "unresolved"
	OutcomeIgnored    = "ignored"
	OutcomeFailed     = "failed"
)

// HandleEvent applies a verified provider event. Events already recorded are
// acknowledged without side effects. An event is recorded only after it was
// applied, so failures are retried by the provider.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) (string, error) {
	eventType := string(event.Type)

	if event.ID != "" {
		seen, err := s.store.WebhookEventProcessed(ctx, event.ID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("check event %s: %w", event.ID, err)
		}
		if seen {
			metrics.WebhookEvent(eventType, OutcomeDuplicate)
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := s.apply(ctx, event)
	if err != nil {
		metrics.WebhookEvent(eventType, OutcomeFailed)
		return OutcomeFailed, err
	}

	if event.ID != "" {
		if err := s.store.RecordWebhookEvent(ctx, event.ID, eventType); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to record webhook event")
		}
	}

	metrics.WebhookEvent(eventType, outcome)
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, event stripe.Event) (string, error) {
	if event.Data == nil {
		return OutcomeIgnored, nil
	}

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return OutcomeFailed, fmt.Errorf("decode checkout session: %w", err)
		}
		return s.checkoutCompleted(ctx, event, &session)

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return OutcomeFailed, fmt.Errorf("decode subscription: %w", err)
		}
		return s.subscriptionChanged(ctx, event, &sub, nil)

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return OutcomeFailed, fmt.Errorf("decode invoice: %w", err)
		}
		return s.invoiceSettled(ctx, event, &invoice)
	}

	return OutcomeIgnored, nil
}

func (s *Service) checkoutCompleted(ctx context.Context, event stripe.Event, session *stripe.CheckoutSession) (string, error) {
	customerID := customerIDOf(session.Customer)
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}

	companyID, ok, err := s.resolveCompany(ctx, session.Metadata, customerID, "")
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		log.Info().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Webhook company unresolved")
		return OutcomeUnresolved, nil
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}

	if email != "" {
		plan := session.Metadata["plan"]
		if plan == "" {
			plan = session.Metadata["planId"]
		}
		err := s.store.UpsertSubscriber(ctx, &models.Subscriber{
			CompanyID:            companyID,
			Email:                email,
			StripeCustomerID:     customerID,
			StripeSubscriptionID: subscriptionID,
			Status:               models.SubscriptionActive,
			Plan:                 plan,
		})
		if err != nil {
			return OutcomeFailed, fmt.Errorf("upsert subscriber: %w", err)
		}
	}

	if subscriptionID != "" {
		sub, err := s.provider.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
		}
		if err := s.mirrorSubscription(ctx, event, companyID, customerID, subscriptionID, sub); err != nil {
			return OutcomeFailed, err
		}
	}

	log.Info().
		Str("route", "/api/stripe-webhook").
		Str("event_type", string(event.Type)).
		Str("company_id", companyID.String()).
		Str("result", "ok").
		Msg("Webhook processed")

	return OutcomeProcessed, nil
}

// subscriptionChanged syncs a subscription. resolved short-cuts company
// resolution when the caller already found it.
func (s *Service) subscriptionChanged(ctx context.Context, event stripe.Event, sub *stripe.Subscription, resolved *uuid.UUID) (string, error) {
	customerID := customerIDOf(sub.Customer)

	var companyID uuid.UUID
	if resolved != nil {
		companyID = *resolved
	} else {
		id, ok, err := s.resolveCompany(ctx, sub.Metadata, customerID, "")
		if err != nil {
			return OutcomeFailed, err
		}
		if !ok {
			log.Info().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Webhook company unresolved")
			return OutcomeUnresolved, nil
		}
		companyID = id
	}

	priceID := priceIDOf(sub)

	if customerID != "" {
		subscriber, err := s.store.GetSubscriberByCustomer(ctx, companyID, customerID)
		switch {
		case err == nil:
			subscriber.StripeSubscriptionID = sub.ID
			subscriber.Status = string(sub.Status)
			subscriber.Plan = s.cfg.PlanForPriceID(priceID)
			subscriber.UpdatedAt = time.Time{}
			if err := s.store.UpsertSubscriber(ctx, subscriber); err != nil {
				return OutcomeFailed, fmt.Errorf("upsert subscriber: %w", err)
			}
		case !isNotFound(err):
			return OutcomeFailed, fmt.Errorf("lookup subscriber: %w", err)
		}
	}

	if err := s.mirrorSubscription(ctx, event, companyID, customerID, sub.ID, sub); err != nil {
		return OutcomeFailed, err
	}

	log.Info().
		Str("route", "/api/stripe-webhook").
		Str("event_type", string(event.Type)).
		Str("company_id", companyID.String()).
		Str("status", string(sub.Status)).
		Str("result", "ok").
		Msg("Webhook processed")

	return OutcomeProcessed, nil
}

func (s *Service) invoiceSettled(ctx context.Context, event stripe.Event, invoice *stripe.Invoice) (string, error) {
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return OutcomeIgnored, nil
	}

	companyID, ok, err := s.resolveCompany(ctx, invoice.Metadata, customerIDOf(invoice.Customer), invoice.Subscription.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		log.Info().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Webhook company unresolved")
		return OutcomeUnresolved, nil
	}

	sub, err := s.provider.GetSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("retrieve subscription %s: %w", invoice.Subscription.ID, err)
	}

	return s.subscriptionChanged(ctx, event, sub, &companyID)
}

func (s *Service) mirrorSubscription(ctx context.Context, event stripe.Event, companyID uuid.UUID, customerID, subscriptionID string, sub *stripe.Subscription) error {
	row := &models.CompanySubscription{
		CompanyID:            companyID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		Status:               string(sub.Status),
		PriceID:              priceIDOf(sub),
	}
	if row.StripeCustomerID == "" {
		row.StripeCustomerID = customerIDOf(sub.Customer)
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		row.CurrentPeriodEnd = &end
	}

	if err := s.store.UpsertCompanySubscription(ctx, row); err != nil {
		return fmt.Errorf("upsert company subscription: %w", err)
	}

	s.publish(ctx, event, row)
	return nil
}

// resolveCompany finds the owning company from the object's metadata, then
// the customer's metadata, then the subscription's metadata.
func (s *Service) resolveCompany(ctx context.Context, metadata map[string]string, customerID, subscriptionID string) (uuid.UUID, bool, error) {
	if id, ok := companyFromMetadata(metadata); ok {
		return id, true, nil
	}

	if customerID != "" {
		customer, err := s.provider.GetCustomer(ctx, customerID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("retrieve customer %s: %w", customerID, err)
		}
		if !customer.Deleted {
			if id, ok := companyFromMetadata(customer.Metadata); ok {
				return id, true, nil
			}
		}
	}

	if subscriptionID != "" {
		sub, err := s.provider.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
		}
		if id, ok := companyFromMetadata(sub.Metadata); ok {
			return id, true, nil
		}
	}

	return uuid.Nil, false, nil
}

func companyFromMetadata(metadata map[string]string) (uuid.UUID, bool) {
	for _, key := range []string{"company_id", "companyId"} {
		if v := metadata[key]; v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring malformed company id in metadata")
				continue
			}
			return id, true
		}
	}
	return uuid.Nil, false
}

func customerIDOf(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func priceIDOf(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}
