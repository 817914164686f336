// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns the process registry and the bridge's counters.
type Metrics struct {
	reg *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
	retries      prometheus.Counter
	parts        prometheus.Counter
	evictions    *prometheus.CounterVec
}

// New creates the registry with all bridge counters registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadkeeper_turns_total",
			Help: "Conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threadkeeper_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadkeeper_turn_retries_total",
			Help: "Turn attempts retried after transient failures.",
		}),
		parts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadkeeper_reply_parts_total",
			Help: "Reply parts delivered to the surface.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadkeeper_session_evictions_total",
			Help: "Backend sessions evicted, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.turns, m.turnDuration, m.retries, m.parts, m.evictions)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// TrackGauges registers the sampled gauges. Call once at startup.
func (m *Metrics) TrackGauges(sessions func() int, conversations func() int, connected func() bool) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "threadkeeper_live_sessions",
			Help: "Backend sessions currently held in memory.",
		}, func() float64 { return float64(sessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "threadkeeper_active_conversations",
			Help: "Conversations with unexpired liveness keys.",
		}, func() float64 { return float64(conversations()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "threadkeeper_store_connected",
			Help: "1 while the durable store is reachable.",
		}, func() float64 {
			if connected() {
				return 1
			}
			return 0
		}),
	)
}

// TurnFinished records one completed turn.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// RetryScheduled counts one retried attempt.
func (m *Metrics) RetryScheduled() {
	m.retries.Inc()
}

// PartsSent counts delivered reply parts.
func (m *Metrics) PartsSent(count int) {
	m.parts.Add(float64(count))
}

// SessionEvicted counts one session eviction.
func (m *Metrics) SessionEvicted(reason string) {
	m.evictions.WithLabelValues(reason).Inc()
}
