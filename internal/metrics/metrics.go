package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream connection metrics
	UpstreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qamd_upstream_state",
		Help: "Upstream connection state (0=disconnected 1=connecting 2=connected 3=logged_in 4=error)",
	}, []string{"connection_id"})

	UpstreamQuality = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qamd_upstream_quality",
		Help: "Upstream connection quality score (0-100)",
	}, []string{"connection_id"})

	UpstreamRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qamd_upstream_restarts_total",
		Help: "Total upstream connection restarts triggered by the health monitor",
	}, []string{"connection_id"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qamd_upstream_errors_total",
		Help: "Total upstream driver errors",
	}, []string{"connection_id"})

	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qamd_ticks_received_total",
		Help: "Total depth ticks received from upstream",
	}, []string{"connection_id"})

	// Subscription metrics
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qamd_subscriptions",
		Help: "Global subscriptions by status",
	}, []string{"status"})

	SubscriptionsPerConnection = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qamd_subscriptions_per_connection",
		Help: "Active subscriptions assigned to each upstream connection",
	}, []string{"connection_id"})

	SubscriptionMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qamd_subscription_migrations_total",
		Help: "Total subscriptions migrated after an upstream failure",
	})

	SubscriptionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qamd_subscription_retries_total",
		Help: "Total subscription retry attempts",
	})

	// Client session metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qamd_sessions_active",
		Help: "Current number of connected client sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qamd_sessions_total",
		Help: "Total client sessions accepted",
	})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qamd_frames_sent_total",
		Help: "Total frames written to clients by frame kind",
	}, []string{"kind"})

	PeeksParked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qamd_peeks_parked",
		Help: "Client sessions currently parked waiting for a non-empty diff",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qamd_rate_limited_messages_total",
		Help: "Total client messages dropped by the per-session rate limiter",
	})

	// Persistence metrics
	StoreWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qamd_store_writes_total",
		Help: "Total quotes written to the persistence store",
	})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qamd_store_errors_total",
		Help: "Total persistence store write failures",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
