package billing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
)

const testWebhookSecret = "whsec_test"

// fakeProvider verifies signatures for real and answers API calls from memory
type fakeProvider struct {
	*StripeProvider

	checkoutParams *stripe.CheckoutSessionParams
	portalParams   *stripe.BillingPortalSessionParams
	customers      map[string]*stripe.Customer
	subscriptions  map[string]*stripe.Subscription
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		StripeProvider: NewStripeProvider("sk_test_123", testWebhookSecret),
		customers:      make(map[string]*stripe.Customer),
		subscriptions:  make(map[string]*stripe.Subscription),
	}
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.checkoutParams = params
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test"}, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	f.portalParams = params
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/p/session"}, nil
}

func (f *fakeProvider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return nil, errors.New("no such customer")
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such subscription")
}

type recordedMessage struct {
	subject string
	payload interface{}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []recordedMessage
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, recordedMessage{subject: subject, payload: payload})
	return nil
}

func (p *recordingPublisher) Close() {}

func testStripeConfig() config.StripeConfig {
	return config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		Prices: map[string]string{
			config.PlanStarter: "price_starter",
			config.PlanPro:     "price_pro",
			config.PlanElite:   "price_elite",
		},
	}
}

type fixture struct {
	svc       *Service
	store     *storage.MemoryStore
	provider  *fakeProvider
	publisher *recordingPublisher
	company   *models.Company
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	company := &models.Company{Name: "Acme", Domain: "acme.com"}
	require.NoError(t, store.CreateCompany(context.Background(), company))

	provider := newFakeProvider()
	publisher := &recordingPublisher{}
	return &fixture{
		svc:       NewService(store, provider, testStripeConfig(), "https://app.bunker.cl/", publisher),
		store:     store,
		provider:  provider,
		publisher: publisher,
		company:   company,
	}
}

func signedHeader(payload []byte) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testWebhookSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func (f *fixture) deliver(t *testing.T, payload string) (string, error) {
	t.Helper()
	event, err := f.svc.ConstructEvent([]byte(payload), signedHeader([]byte(payload)))
	require.NoError(t, err)
	return f.svc.HandleEvent(context.Background(), event)
}

func TestCreateCheckout(t *testing.T) {
	f := setup(t)

	url, err := f.svc.CreateCheckout(context.Background(), f.company.Ref(), "acme.com", CheckoutRequest{
		PlanID:        "Pro",
		CustomerEmail: " Buyer@Example.com ",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test", url)

	p := f.provider.checkoutParams
	require.NotNil(t, p)
	assert.Equal(t, "subscription", *p.Mode)
	assert.Equal(t, "price_pro", *p.LineItems[0].Price)
	assert.Equal(t, int64(1), *p.LineItems[0].Quantity)
	assert.Equal(t, "https://acme.com/gracias.html?session_id={CHECKOUT_SESSION_ID}", *p.SuccessURL)
	assert.Equal(t, "https://acme.com/index.html#planes", *p.CancelURL)
	assert.Equal(t, "buyer@example.com", *p.CustomerEmail)

	companyID := f.company.ID.String()
	assert.Equal(t, companyID, p.Metadata["company_id"])
	assert.Equal(t, companyID, p.Metadata["companyId"])
	assert.Equal(t, "pro", p.Metadata["plan"])
	assert.Equal(t, "Pro", p.Metadata["planId"])
	assert.Equal(t, "acme.com", p.Metadata["domain"])
	assert.Equal(t, map[string]string{
		"company_id": companyID,
		"plan":       "pro",
		"email":      "buyer@example.com",
	}, p.SubscriptionData.Metadata)
}

func TestCreateCheckoutErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreateCheckout(ctx, f.company.Ref(), "acme.com", CheckoutRequest{PlanID: "platinum"})
	assert.ErrorIs(t, err, ErrUnknownPlan)

	require.NoError(t, f.store.UpsertSubscriber(ctx, &models.Subscriber{
		CompanyID: f.company.ID, Email: "buyer@example.com", StripeCustomerID: "cus_1",
		Status: models.SubscriptionActive, Plan: "pro",
	}))
	_, err = f.svc.CreateCheckout(ctx, f.company.Ref(), "acme.com", CheckoutRequest{PlanID: "elite", Email: "buyer@example.com"})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	cfg := testStripeConfig()
	delete(cfg.Prices, config.PlanElite)
	svc := NewService(f.store, f.provider, cfg, "", nil)
	_, err = svc.CreateCheckout(ctx, f.company.Ref(), "acme.com", CheckoutRequest{PlanID: "pro"})
	assert.ErrorIs(t, err, ErrPricesNotConfigured)

	svc = NewService(f.store, nil, testStripeConfig(), "", nil)
	_, err = svc.CreateCheckout(ctx, f.company.Ref(), "acme.com", CheckoutRequest{PlanID: "pro"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCreatePortal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreatePortal(ctx, f.company.Ref(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNoSubscription)

	require.NoError(t, f.store.UpsertSubscriber(ctx, &models.Subscriber{
		CompanyID: f.company.ID, Email: "buyer@example.com", StripeCustomerID: "cus_1",
		Status: models.SubscriptionActive,
	}))

	url, err := f.svc.CreatePortal(ctx, f.company.Ref(), "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session", url)
	assert.Equal(t, "cus_1", *f.provider.portalParams.Customer)
	assert.Equal(t, "https://app.bunker.cl/index.html#planes", *f.provider.portalParams.ReturnURL)
}

func activeSubscription(id, customer, price string, metadata map[string]string) *stripe.Subscription {
	return &stripe.Subscription{
		ID:               id,
		Status:           stripe.SubscriptionStatusActive,
		Customer:         &stripe.Customer{ID: customer},
		CurrentPeriodEnd: 1767225600,
		Metadata:         metadata,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: price}}},
		},
	}
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.provider.subscriptions["sub_1"] = activeSubscription("sub_1", "cus_1", "price_pro", nil)

	payload := fmt.Sprintf(`{
		"id": "evt_checkout",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"customer": "cus_1",
			"subscription": "sub_1",
			"customer_details": {"email": "Buyer@Example.com"},
			"metadata": {"company_id": %q, "plan": "pro"}
		}}
	}`, f.company.ID)

	outcome, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	sub, err := f.store.GetSubscriberByEmail(ctx, f.company.ID, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, "pro", sub.Plan)

	cs, err := f.store.GetCompanySubscription(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Equal(t, "price_pro", cs.PriceID)
	require.NotNil(t, cs.CurrentPeriodEnd)
	assert.Equal(t, int64(1767225600), cs.CurrentPeriodEnd.Unix())

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, fmt.Sprintf("company.%s.subscription", f.company.ID), f.publisher.msgs[0].subject)
	msg := f.publisher.msgs[0].payload.(SubscriptionChanged)
	assert.Equal(t, "pro", msg.Plan)
	assert.Equal(t, "evt_checkout", msg.EventID)

	// redelivery is acknowledged without side effects
	outcome, err = f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, f.publisher.msgs, 1)
}

func TestWebhookSubscriptionDeletedResolvedThroughCustomer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertSubscriber(ctx, &models.Subscriber{
		CompanyID: f.company.ID, Email: "buyer@example.com", StripeCustomerID: "cus_9",
		Status: models.SubscriptionActive, Plan: "pro",
	}))
	f.provider.customers["cus_9"] = &stripe.Customer{
		ID:       "cus_9",
		Metadata: map[string]string{"companyId": f.company.ID.String()},
	}

	payload := `{
		"id": "evt_deleted",
		"object": "event",
		"type": "customer.subscription.deleted",
		"data": {"object": {
			"id": "sub_9",
			"object": "subscription",
			"customer": "cus_9",
			"status": "canceled",
			"current_period_end": 1767225600,
			"items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "price": {"id": "price_elite", "object": "price"}}]}
		}}
	}`

	outcome, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	sub, err := f.store.GetSubscriberByEmail(ctx, f.company.ID, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	assert.Equal(t, "elite", sub.Plan)
	assert.Equal(t, "sub_9", sub.StripeSubscriptionID)

	_, err = f.svc.Entitlement(ctx, f.company.ID)
	assert.ErrorIs(t, err, ErrPaymentRequired)
}

func TestWebhookInvoicePaidResolvedThroughSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.provider.customers["cus_2"] = &stripe.Customer{ID: "cus_2", Deleted: true}
	f.provider.subscriptions["sub_2"] = activeSubscription("sub_2", "cus_2", "price_starter",
		map[string]string{"company_id": f.company.ID.String()})

	payload := `{
		"id": "evt_invoice",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "object": "invoice", "customer": "cus_2", "subscription": "sub_2"}}
	}`

	outcome, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	cs, err := f.svc.Entitlement(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Equal(t, "price_starter", cs.PriceID)
	assert.Equal(t, "cus_2", cs.StripeCustomerID)
}

func TestWebhookUnresolvedAndIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.provider.customers["cus_x"] = &stripe.Customer{ID: "cus_x"}

	outcome, err := f.deliver(t, `{
		"id": "evt_unresolved",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_x", "object": "checkout.session", "customer": "cus_x", "metadata": {"company_id": "not-a-uuid"}}}
	}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, outcome)

	_, err = f.store.GetCompanySubscription(ctx, f.company.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	outcome, err = f.deliver(t, `{"id": "evt_other", "object": "event", "type": "charge.refunded", "data": {"object": {"id": "ch_1", "object": "charge"}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, f.publisher.msgs)
}

func TestWebhookFailureIsNotRecorded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payload := fmt.Sprintf(`{
		"id": "evt_fail",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "object": "checkout.session", "subscription": "sub_missing", "metadata": {"company_id": %q}}}
	}`, f.company.ID)

	_, err := f.deliver(t, payload)
	assert.Error(t, err)

	seen, err := f.store.WebhookEventProcessed(ctx, "evt_fail")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestConstructEventRejectsBadSignature(t *testing.T) {
	f := setup(t)
	payload := []byte(`{"id": "evt_1", "object": "event", "type": "invoice.paid"}`)

	_, err := f.svc.ConstructEvent(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.svc.ConstructEvent(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unsigned := NewStripeProvider("sk_test_123", "")
	_, err = unsigned.ConstructEvent(payload, signedHeader(payload))
	assert.Error(t, err)
}

func TestEntitlementWithoutSubscription(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Entitlement(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNoSubscription)
}
