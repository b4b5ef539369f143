package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses mirrored from the payment provider
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Subscriber is an end customer of a company who bought a plan through checkout
type Subscriber struct {
	CompanyID            uuid.UUID `json:"company_id" db:"company_id"`
	Email                string    `json:"email" db:"email"`
	StripeCustomerID     string    `json:"stripe_customer_id" db:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	Status               string    `json:"status" db:"status"`
	Plan                 string    `json:"plan" db:"plan"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// CompanySubscription mirrors the provider's subscription state for a company
type CompanySubscription struct {
	CompanyID            uuid.UUID  `json:"company_id" db:"company_id"`
	StripeCustomerID     string     `json:"stripe_customer_id" db:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	Status               string     `json:"status" db:"status"`
	PriceID              string     `json:"price_id" db:"price_id"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty" db:"current_period_end"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// IsEntitled reports whether a subscription status grants access
func IsEntitled(status string) bool {
	return status == SubscriptionActive || status == SubscriptionTrialing
}
