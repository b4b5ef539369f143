package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/models"
)

func TestCreateCheckout(t *testing.T) {
	h := newHarness(t)

	rec := h.do(request(http.MethodPost, "/api/create-checkout-session", `{"planId":"Pro","email":"buyer@example.com"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test", body["url"])
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, 1, h.provider.checkouts)
}

func TestCreateCheckoutFromAllowedOrigin(t *testing.T) {
	h := newHarness(t)

	req := request(http.MethodPost, "/api/create-checkout-session", `{"planId":"starter"}`)
	req.Header.Set("Origin", "https://admin.bunker.test")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The company comes from the Host header, the redirects from the Origin
	params := h.provider.lastCheckout
	require.NotNil(t, params)
	assert.Equal(t, h.company.ID.String(), params.Metadata["company_id"])
	assert.Equal(t, "admin.bunker.test", params.Metadata["domain"])
}

func TestCreateCheckoutRedirectKeepsOriginHost(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Security.AllowedOrigins = append(cfg.Security.AllowedOrigins, "https://www.acme.test:8443")
	})

	req := request(http.MethodPost, "/api/create-checkout-session", `{"planId":"elite"}`)
	req.Header.Set("Origin", "https://www.acme.test:8443")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	params := h.provider.lastCheckout
	require.NotNil(t, params)
	assert.Equal(t, "https://www.acme.test:8443/gracias.html?session_id={CHECKOUT_SESSION_ID}", *params.SuccessURL)
	assert.Equal(t, "https://www.acme.test:8443/index.html#planes", *params.CancelURL)
	assert.Equal(t, "www.acme.test:8443", params.Metadata["domain"])
	assert.Equal(t, h.company.ID.String(), params.Metadata["company_id"])
}

func TestCreateCheckoutErrors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertSubscriber(context.Background(), &models.Subscriber{
		CompanyID:        h.company.ID,
		Email:            "paying@example.com",
		StripeCustomerID: "cus_paying",
		Status:           models.SubscriptionActive,
	}))

	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"missing plan", `{"email":"buyer@example.com"}`, http.StatusBadRequest, "Missing planId"},
		{"blank plan", `{"planId":"  "}`, http.StatusBadRequest, "Missing planId"},
		{"unknown plan", `{"planId":"gold"}`, http.StatusBadRequest, "Unknown planId: gold"},
		{"bad json", `{"planId":`, http.StatusBadRequest, "Invalid JSON body"},
		{"already subscribed", `{"planId":"pro","email":"Paying@Example.com"}`, http.StatusConflict, "Ya existe una suscripción activa para ese email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(request(http.MethodPost, "/api/create-checkout-session", tt.body))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decodeBody(t, rec)["error"])
		})
	}
	assert.Zero(t, h.provider.checkouts)

	rec := h.do(requestAt("unknown.test", http.MethodPost, "/api/create-checkout-session", `{"planId":"pro"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateCheckoutWithoutPrices(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Stripe.Prices = nil
	})

	rec := h.do(request(http.MethodPost, "/api/create-checkout-session", `{"planId":"pro"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Missing STRIPE_PRICE_ID_* env vars", decodeBody(t, rec)["error"])
}

func TestCreatePortal(t *testing.T) {
	h := newHarness(t)

	rec := h.do(request(http.MethodPost, "/api/create-portal-session", `{"email":"not-an-email"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email válido es requerido", decodeBody(t, rec)["error"])

	rec = h.do(request(http.MethodPost, "/api/create-portal-session", `{"email":"nobody@example.com"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, h.store.UpsertSubscriber(context.Background(), &models.Subscriber{
		CompanyID:        h.company.ID,
		Email:            "paying@example.com",
		StripeCustomerID: "cus_paying",
		Status:           models.SubscriptionActive,
	}))

	rec = h.do(request(http.MethodPost, "/api/create-portal-session", `{"email":"PAYING@example.com"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://billing.stripe.com/p/session_test", decodeBody(t, rec)["url"])

	// Subscribers are per company
	rec = h.do(requestAt("other.test", http.MethodPost, "/api/create-portal-session", `{"email":"paying@example.com"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func signWebhook(payload string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, []byte(payload), testWebhookSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func webhookRequest(payload, signature string) *http.Request {
	req := requestAt(testHost, http.MethodPost, "/api/stripe-webhook", payload)
	req.Header.Del("Origin")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	return req
}

func TestStripeWebhook(t *testing.T) {
	h := newHarness(t)

	payload := fmt.Sprintf(`{
		"id": "evt_api_checkout",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"customer": "cus_1",
			"customer_details": {"email": "buyer@example.com"},
			"metadata": {"company_id": %q, "plan": "pro"}
		}}
	}`, h.company.ID)

	rec := h.do(webhookRequest(payload, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing stripe-signature header", decodeBody(t, rec)["error"])

	rec = h.do(webhookRequest(payload, "t=1,v1=deadbeef"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "Webhook Error: ")

	rec = h.do(webhookRequest(payload, signWebhook(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["received"])

	sub, err := h.store.GetSubscriberByEmail(context.Background(), h.company.ID, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, "pro", sub.Plan)

	// Redelivery is acknowledged
	rec = h.do(webhookRequest(payload, signWebhook(payload)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.login("owner@acme.test")

	subscription := func() (int, map[string]interface{}) {
		req := request(http.MethodGet, "/api/subscription", "")
		req.AddCookie(session)
		rec := h.do(req)
		return rec.Code, decodeBody(t, rec)
	}

	rec := h.do(request(http.MethodGet, "/api/subscription", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	status, _ := subscription()
	assert.Equal(t, http.StatusNotFound, status)

	require.NoError(t, h.store.UpsertCompanySubscription(ctx, &models.CompanySubscription{
		CompanyID: h.company.ID,
		Status:    "past_due",
		PriceID:   "price_pro",
	}))
	status, body := subscription()
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "past_due", body["status"])

	periodEnd := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.UpsertCompanySubscription(ctx, &models.CompanySubscription{
		CompanyID:        h.company.ID,
		Status:           models.SubscriptionActive,
		PriceID:          "price_pro",
		CurrentPeriodEnd: &periodEnd,
	}))
	status, body = subscription()
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "pro", body["plan"])
	assert.Equal(t, "2027-01-01T00:00:00Z", body["current_period_end"])
}
