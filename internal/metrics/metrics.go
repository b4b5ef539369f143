package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunker",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests broken down by route, method and status.",
	}, []string{"route", "method", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bunker",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for HTTP requests.",
		Buckets: []float64{
			0.005, 0.01, 0.025, 0.05,
			0.1, 0.25, 0.5, 1,
			2.5, 5,
		},
	}, []string{"route", "method"})

	logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunker",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Login attempts broken down by result.",
	}, []string{"result"})

	sessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunker",
		Subsystem: "auth",
		Name:      "sessions_rejected_total",
		Help:      "Requests rejected by session checks broken down by code.",
	}, []string{"code"})

	cleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunker",
		Subsystem: "auth",
		Name:      "cleanup_deleted_total",
		Help:      "Rows deleted by session cleanup broken down by kind.",
	}, []string{"kind"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunker",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook events broken down by type and outcome.",
	}, []string{"type", "outcome"})

	checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bunker",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Checkout sessions created broken down by plan.",
	}, []string{"plan"})
)

// ObserveRequest records one served HTTP request
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.With(prometheus.Labels{
		"route":  route,
		"method": method,
		"status": strconv.Itoa(status),
	}).Inc()
	httpLatency.With(prometheus.Labels{"route": route, "method": method}).Observe(elapsed.Seconds())
}

// Login records a login outcome ("ok", "invalid", "locked")
func Login(result string) {
	logins.WithLabelValues(result).Inc()
}

// SessionRejected records a failed session check
func SessionRejected(code string) {
	sessionsRejected.WithLabelValues(code).Inc()
}

// CleanupDeleted records rows removed by cleanup
func CleanupDeleted(sessions, attempts int64) {
	cleanupDeleted.WithLabelValues("sessions").Add(float64(sessions))
	cleanupDeleted.WithLabelValues("login_attempts").Add(float64(attempts))
}

// WebhookEvent records a processed provider event
func WebhookEvent(eventType, outcome string) {
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// Checkout records a created checkout session
func Checkout(plan string) {
	checkouts.WithLabelValues(plan).Inc()
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
