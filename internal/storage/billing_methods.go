package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bunker-saas/bunker/internal/models"
)

// ========== Billing Methods ==========

// UpsertSubscriber creates or updates a subscriber keyed by (company, email)
func (s *PostgresStore) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) error {
	sub.Email = models.NormalizeEmail(sub.Email)
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO subscribers (
			company_id, email, stripe_customer_id, stripe_subscription_id, status, plan, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id, email) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		sub.CompanyID, sub.Email, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.Status, sub.Plan, sub.UpdatedAt,
	)

	return mapError(err)
}

const subscriberColumns = `company_id, email, stripe_customer_id, stripe_subscription_id, status, plan, updated_at`

func scanSubscriber(row rowScanner) (*models.Subscriber, error) {
	sub := &models.Subscriber{}
	err := row.Scan(
		&sub.CompanyID, &sub.Email, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&sub.Status, &sub.Plan, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return sub, nil
}

// GetSubscriberByEmail gets a subscriber of a company by email
func (s *PostgresStore) GetSubscriberByEmail(ctx context.Context, companyID uuid.UUID, email string) (*models.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE company_id = $1 AND email = $2`
	return scanSubscriber(s.getDB().QueryRowContext(ctx, query, companyID, models.NormalizeEmail(email)))
}

// GetSubscriberByCustomer gets a subscriber of a company by provider customer id
func (s *PostgresStore) GetSubscriberByCustomer(ctx context.Context, companyID uuid.UUID, customerID string) (*models.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers
		WHERE company_id = $1 AND stripe_customer_id = $2
		ORDER BY updated_at DESC LIMIT 1`
	return scanSubscriber(s.getDB().QueryRowContext(ctx, query, companyID, customerID))
}

// UpsertCompanySubscription creates or updates the subscription mirror of a company
func (s *PostgresStore) UpsertCompanySubscription(ctx context.Context, sub *models.CompanySubscription) error {
	sub.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO company_subscriptions (
			company_id, stripe_customer_id, stripe_subscription_id, status,
			price_id, current_period_end, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = EXCLUDED.status,
			price_id = EXCLUDED.price_id,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		sub.CompanyID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Status,
		sub.PriceID, sub.CurrentPeriodEnd, sub.UpdatedAt,
	)

	return mapError(err)
}

// GetCompanySubscription gets the subscription mirror of a company
func (s *PostgresStore) GetCompanySubscription(ctx context.Context, companyID uuid.UUID) (*models.CompanySubscription, error) {
	query := `
		SELECT company_id, stripe_customer_id, stripe_subscription_id, status,
		       price_id, current_period_end, updated_at
		FROM company_subscriptions
		WHERE company_id = $1`

	sub := &models.CompanySubscription{}
	err := s.getDB().QueryRowContext(ctx, query, companyID).Scan(
		&sub.CompanyID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.Status,
		&sub.PriceID, &sub.CurrentPeriodEnd, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return sub, nil
}

// ========== Webhook Event Methods ==========

// WebhookEventProcessed reports whether a provider event was already handled
func (s *PostgresStore) WebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.getDB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stripe_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)

	return exists, mapError(err)
}

// RecordWebhookEvent marks a provider event as handled
func (s *PostgresStore) RecordWebhookEvent(ctx context.Context, eventID, eventType string) error {
	_, err := s.getDB().ExecContext(ctx,
		`INSERT INTO stripe_events (event_id, type, processed_at) VALUES ($1, $2, now())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	return mapError(err)
}
