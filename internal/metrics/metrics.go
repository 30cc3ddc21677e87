// Package metrics holds the prometheus collectors for the outbox.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outbox"

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeCorrupt   = "corrupt"
	OutcomeAbandoned = "abandoned"
)

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	drains        *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	lastDrain     prometheus.Gauge
	online        prometheus.Gauge
	exhausted     prometheus.Counter
	manualRetries prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Gateway calls by entity type, operation kind and outcome.",
		}, []string{"entity_type", "kind", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_attempt_duration_seconds",
			Help:      "Latency of gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type", "kind"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Queue drains by trigger.",
		}, []string{"trigger"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Queue items by status.",
		}, []string{"status"}),
		lastDrain: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_drain_timestamp_seconds",
			Help:      "Unix time of the last completed drain.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the server is reachable.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items moved to Failed.",
		}),
		manualRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_retries_total",
			Help:      "Items requeued by an operator.",
		}),
	}
	reg.MustRegister(m.attempts, m.attemptTime, m.drains, m.queueDepth,
		m.lastDrain, m.online, m.exhausted, m.manualRetries)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAttempt records one gateway call.
func (m *Metrics) ObserveAttempt(entityType, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(entityType, kind, outcome).Inc()
	m.attemptTime.WithLabelValues(entityType, kind).Observe(d.Seconds())
}

// ObserveDrain records a completed drain.
func (m *Metrics) ObserveDrain(trigger string, at time.Time) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(trigger).Inc()
	m.lastDrain.Set(float64(at.Unix()))
}

// SetQueueDepth publishes item counts by status.
func (m *Metrics) SetQueueDepth(pending, syncing, failed int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("syncing").Set(float64(syncing))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// SetOnline publishes connectivity.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// IncFailed counts an item moved to Failed.
func (m *Metrics) IncFailed() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// IncManualRetry counts operator requeues.
func (m *Metrics) IncManualRetry(n int) {
	if m == nil {
		return
	}
	m.manualRetries.Add(float64(n))
}
