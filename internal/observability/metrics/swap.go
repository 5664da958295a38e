package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	adapterQuotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "quotes_total",
		Help:      "Venue quote attempts by outcome code.",
	}, []string{"venue", "network", "outcome"})
	adapterLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "quote_duration_seconds",
		Help:      "Venue quote latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"venue", "network"})
	aggregations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "requests_total",
		Help:      "Aggregated quote requests by outcome and selected venue.",
	}, []string{"network", "outcome", "venue"})
	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "executions_total",
		Help:      "Swap executions by outcome code.",
	}, []string{"network", "outcome"})
	executionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "execution_duration_seconds",
		Help:      "End to end swap execution time in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"network"})
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently held by the manager.",
	})
	sessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Session lifecycle events.",
	}, []string{"event"})
)

func init() {
	registry.MustRegister(adapterQuotes, adapterLatency, aggregations, executions, executionLatency, activeSessions, sessionEvents)
}

// OutcomeOK labels successful operations.
const OutcomeOK = "OK"

// ObserveAdapterQuote records one venue call.
func ObserveAdapterQuote(venue, network, outcome string, duration time.Duration) {
	adapterQuotes.WithLabelValues(venue, network, outcome).Inc()
	adapterLatency.WithLabelValues(venue, network).Observe(duration.Seconds())
}

// ObserveAggregation records one aggregated request. venue is empty on failure.
func ObserveAggregation(network, outcome, venue string) {
	aggregations.WithLabelValues(network, outcome, venue).Inc()
}

// ObserveExecution records one executor run.
func ObserveExecution(network, outcome string, duration time.Duration) {
	executions.WithLabelValues(network, outcome).Inc()
	executionLatency.WithLabelValues(network).Observe(duration.Seconds())
}

// SetActiveSessions publishes the session table size.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// IncSessionEvent counts created, revoked, reaped and exported sessions.
func IncSessionEvent(event string, n int) {
	if n <= 0 {
		return
	}
	sessionEvents.WithLabelValues(event).Add(float64(n))
}
