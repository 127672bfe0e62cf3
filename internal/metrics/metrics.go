// Package metrics registers the service's Prometheus instruments. They are
// updated by the pool, queue, and limiter and served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatches counts trade dispatch outcomes by result
	// (succeeded | retried | failed).
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinvault_dispatches_total",
			Help: "Trade dispatch outcomes",
		},
		[]string{"result"},
	)

	// QueueDepth is the number of jobs waiting for the dispatch worker.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skinvault_queue_depth",
			Help: "Pending dispatch jobs",
		},
	)

	// RateLimitWaits counts window-exhausted sleeps in the shared limiter.
	RateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skinvault_rate_limit_waits_total",
			Help: "Dispatches delayed by the shared rate window",
		},
	)

	// AgentLogins counts login attempts by outcome (success | failure).
	AgentLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinvault_agent_logins_total",
			Help: "Agent session login attempts",
		},
		[]string{"outcome"},
	)

	// PublicThrottled counts storefront requests rejected by the per-IP
	// limiter. A spike here is abuse or a misbehaving frontend, not load.
	PublicThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skinvault_public_throttled_total",
			Help: "Storefront requests rejected by the per-IP rate limit",
		},
	)

	// AgentsOnline is the number of sessions currently online and ready.
	AgentsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skinvault_agents_online",
			Help: "Agent sessions online and ready",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Dispatches,
		QueueDepth,
		RateLimitWaits,
		PublicThrottled,
		AgentLogins,
		AgentsOnline,
	)
}

// Handler serves the Prometheus text exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
