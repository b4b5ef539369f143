package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/bunker-saas/bunker/internal/billing"
	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/pkg/crypto"
)

const (
	testHost          = "acme.test"
	testOrigin        = "https://acme.test"
	testPassword      = "correct horse battery"
	testSecret        = "test-session-secret"
	testCleanupSecret = "test-cleanup-secret"
	testWebhookSecret = "whsec_test"
)

// stubProvider verifies webhook signatures for real and fakes API calls
type stubProvider struct {
	*billing.StripeProvider
	checkouts    int
	lastCheckout *stripe.CheckoutSessionParams
}

func (p *stubProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	p.checkouts++
	p.lastCheckout = params
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test"}, nil
}

func (p *stubProvider) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/p/session_test"}, nil
}

func (p *stubProvider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return nil, errors.New("customer lookups are not stubbed")
}

func (p *stubProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return nil, errors.New("subscription lookups are not stubbed")
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name:        "bunker",
			Version:     "test",
			Environment: config.EnvDevelopment,
			BaseURL:     "https://app.bunker.test",
		},
		Session: config.SessionConfig{
			CookieName:     "bunker_session",
			CSRFCookieName: "bunker_csrf",
			TTL:            7 * 24 * time.Hour,
			RenewAfter:     time.Hour,
			MaxLifetime:    30 * 24 * time.Hour,
			CSRFTTL:        2 * time.Hour,
		},
		Security: config.SecurityConfig{
			SessionSecret:  testSecret,
			CleanupSecret:  testCleanupSecret,
			BcryptRounds:   4,
			AllowedOrigins: []string{"https://admin.bunker.test"},
			LoginRateLimit: "1000-M",
		},
		Stripe: config.StripeConfig{
			SecretKey:     "sk_test_123",
			WebhookSecret: testWebhookSecret,
			Prices: map[string]string{
				config.PlanStarter: "price_starter",
				config.PlanPro:     "price_pro",
				config.PlanElite:   "price_elite",
			},
		},
	}
}

type harness struct {
	t        *testing.T
	srv      *RESTServer
	store    *storage.MemoryStore
	provider *stubProvider
	company  *models.Company
	other    *models.Company
	owner    *models.Admin
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	store := storage.NewMemoryStore()
	provider := &stubProvider{StripeProvider: billing.NewStripeProvider("sk_test_123", testWebhookSecret)}

	srv, err := NewRESTServer(cfg, store, Options{Provider: provider})
	require.NoError(t, err)

	h := &harness{t: t, srv: srv, store: store, provider: provider}
	h.company = h.addCompany("Acme", testHost)
	h.other = h.addCompany("Other", "other.test")
	h.owner = h.addAdmin(h.company, "owner@acme.test", models.RoleOwner)
	return h
}

func (h *harness) addCompany(name, domain string) *models.Company {
	company := &models.Company{Name: name, Domain: domain}
	require.NoError(h.t, h.store.CreateCompany(context.Background(), company))
	return company
}

func (h *harness) addAdmin(company *models.Company, email, role string) *models.Admin {
	hash, err := crypto.HashPassword(testPassword, 4)
	require.NoError(h.t, err)
	admin := &models.Admin{CompanyID: company.ID, Email: email, PasswordHash: hash, Role: role}
	require.NoError(h.t, h.store.CreateAdmin(context.Background(), admin))
	return admin
}

// requestAt builds a browser-like request to host. State-changing requests
// carry a matching Origin.
func requestAt(host, method, path, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://"+host+path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Origin", "https://"+host)
	}
	return req
}

func request(method, path, body string) *http.Request {
	return requestAt(testHost, method, path, body)
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (h *harness) loginWith(email, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	return h.do(request(http.MethodPost, "/api/login", string(body)))
}

func (h *harness) login(email string) *http.Cookie {
	h.t.Helper()
	rec := h.loginWith(email, testPassword)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	c := cookieNamed(rec, "bunker_session")
	require.NotNil(h.t, c)
	return c
}

// csrf fetches a CSRF token the way the admin page does
func (h *harness) csrf() (*http.Cookie, string) {
	h.t.Helper()
	req := request(http.MethodGet, "/api/csrf", "")
	req.Header.Set("Referer", testOrigin+"/admin.html")
	rec := h.do(req)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	c := cookieNamed(rec, "bunker_csrf")
	require.NotNil(h.t, c)
	return c, decodeBody(h.t, rec)["csrf_token"].(string)
}

func (h *harness) sessionStatus(c *http.Cookie) int {
	req := request(http.MethodGet, "/api/session", "")
	req.AddCookie(c)
	return h.do(req).Code
}

func (h *harness) auditLogs(action string) []*models.AuditLog {
	h.t.Helper()
	logs, _, err := h.store.ListAuditLogs(context.Background(), storage.AuditLogFilters{Action: &action}, 50, 0)
	require.NoError(h.t, err)
	return logs
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(request(http.MethodGet, "/api/health", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := request(http.MethodGet, "/api/health", "")
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = h.do(req)
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestRequestID(t *testing.T) {
	h := newHarness(t)

	req := request(http.MethodGet, "/api/nope", "")
	req.Header.Set("X-Request-Id", "req-123")
	rec := h.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "req-123", decodeBody(t, rec)["request_id"])

	req = request(http.MethodGet, "/api/health", "")
	req.Header.Set("X-Request-Id", strings.Repeat("x", 129))
	rec = h.do(req)
	id := rec.Header().Get("X-Request-Id")
	assert.Len(t, id, 36)
	assert.NotEqual(t, strings.Repeat("x", 129), id)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(request(http.MethodGet, "/api/login", ""))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decodeBody(t, rec)["error"])

	rec = h.do(request(http.MethodPut, "/api/logout", ""))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerTimeouts(t *testing.T) {
	h := newHarness(t)

	assert.Greater(t, h.srv.server.WriteTimeout, handlerTimeout)
	assert.Greater(t, h.srv.server.IdleTimeout, h.srv.server.WriteTimeout)
}

func TestOriginValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		origin  string
		referer string
		status  int
	}{
		{"same host", testOrigin, "", http.StatusBadRequest},
		{"same host with www and port", "https://www.acme.test:443", "", http.StatusBadRequest},
		{"allowed origin", "https://admin.bunker.test", "", http.StatusBadRequest},
		{"referer fallback", "", testOrigin + "/login.html", http.StatusBadRequest},
		{"foreign origin", "https://evil.test", "", http.StatusForbidden},
		{"foreign referer", "", "https://evil.test/x", http.StatusForbidden},
		{"missing", "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(http.MethodPost, "/api/login", `{}`)
			req.Header.Del("Origin")
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			rec := h.do(req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCSRFRequiresOriginOnGet(t *testing.T) {
	h := newHarness(t)

	rec := h.do(request(http.MethodGet, "/api/csrf", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	cookie, token := h.csrf()
	assert.Equal(t, token, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
}

func TestRequireJSON(t *testing.T) {
	h := newHarness(t)

	req := request(http.MethodPost, "/api/login", "email=a&password=b")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := h.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Content-Type must be application/json", decodeBody(t, rec)["error"])

	req = request(http.MethodPost, "/api/login", `{"email":"x"}`)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = h.do(req)
	assert.Equal(t, "Missing email or password", decodeBody(t, rec)["error"])
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "198.51.100.4, 10.0.0.1"}, "198.51.100.4"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.9"}, "198.51.100.9"},
		{"peer", nil, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestLoginRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Security.LoginRateLimit = "2-M"
	})

	for i := 0; i < 2; i++ {
		rec := h.loginWith("owner@acme.test", testPassword)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.loginWith("owner@acme.test", testPassword)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", decodeBody(t, rec)["error"])
}

func TestInvalidRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Security.LoginRateLimit = "lots"
	_, err := NewRESTServer(cfg, storage.NewMemoryStore(), Options{})
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(request(http.MethodGet, "/api/health", ""))

	rec := h.do(request(http.MethodGet, "/metrics", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bunker_http_requests_total")
}

func hashOf(token string) string {
	return crypto.SHA256Hex(token)
}

func invalidatePrevious(cfg *config.Config) {
	cfg.Session.InvalidatePrevious = true
}
