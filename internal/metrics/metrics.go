// Package metrics exposes Prometheus collectors for the engine.
//
// A nil *Collector is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "entityflow"

// Collector owns a private registry with the engine's metrics.
type Collector struct {
	dispatched   *prometheus.CounterVec
	resolved     *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	pushBuffered *prometheus.CounterVec
	callDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a collector registered on its own registry.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "operations_dispatched_total",
				Help:      "Total number of actions dispatched",
			},
			[]string{"entity", "kind"},
		),
		resolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "operations_resolved_total",
				Help:      "Total number of pending operations resolved, by outcome",
			},
			[]string{"entity", "outcome"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "offline_queue_depth",
				Help:      "Current number of operations waiting in the offline queue",
			},
			[]string{"entity"},
		),
		pushBuffered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "push_buffered_total",
				Help:      "Total number of realtime pushes held back by a local operation",
			},
			[]string{"entity"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Duration of gateway calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"entity", "call"},
		),
	}

	registry.MustRegister(
		c.dispatched,
		c.resolved,
		c.queueDepth,
		c.pushBuffered,
		c.callDuration,
	)
	return c
}

// Dispatched counts an action of kind dispatched against entity.
func (c *Collector) Dispatched(entity, kind string) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(entity, kind).Inc()
}

// Resolved counts a pending operation finishing with outcome
// (acked, rolled_back, conflict, queued, cancelled).
func (c *Collector) Resolved(entity, outcome string) {
	if c == nil {
		return
	}
	c.resolved.WithLabelValues(entity, outcome).Inc()
}

// SetQueueDepth sets the offline queue depth for entity.
func (c *Collector) SetQueueDepth(entity string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(entity).Set(float64(depth))
}

// PushBuffered counts a push held back for entity.
func (c *Collector) PushBuffered(entity string) {
	if c == nil {
		return
	}
	c.pushBuffered.WithLabelValues(entity).Inc()
}

// ObserveCall records the duration of a gateway call.
func (c *Collector) ObserveCall(entity, call string, d time.Duration) {
	if c == nil {
		return
	}
	c.callDuration.WithLabelValues(entity, call).Observe(d.Seconds())
}

// Registry returns the underlying registry, or nil for a nil collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
