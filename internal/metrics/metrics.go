// Package metrics provides Prometheus instrumentation for the direct
// messaging services: connection and view gauges, message and
// notification counters, and send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts message lifecycle events by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_total",
		Help: "Total number of message lifecycle events",
	}, []string{"type"}) // type = "sent", "failed", "retried", "delivered", "read"

	// SendLatency records the time from submit to store acknowledgement.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_send_latency_seconds",
		Help:    "Time from send submit to store acknowledgement",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// ActiveViews tracks open conversation views across all sessions.
	ActiveViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_active_views",
		Help: "Current number of open conversation views",
	})

	// ConversationsResolved counts resolver calls by whether a
	// conversation was created.
	ConversationsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_conversations_resolved_total",
		Help: "Conversation resolutions",
	}, []string{"created"})

	// NotificationsTotal counts dispatched and consumed notifications.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_notifications_total",
		Help: "Notifications by result",
	}, []string{"result"}) // result = "published", "publish_error", "pushed", "skipped_online", "dropped"

	// OptimisticFailed counts optimistic entries flagged failed after the
	// grace period.
	OptimisticFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_optimistic_failed_total",
		Help: "Optimistic entries flagged failed after the grace period",
	})

	// RateLimited counts rejected gateway actions.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_rate_limited_total",
		Help: "Gateway actions rejected by the rate limiter",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SendLatency,
		ActiveViews,
		ConversationsResolved,
		NotificationsTotal,
		OptimisticFailed,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
