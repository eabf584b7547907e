// Package metrics exposes Prometheus metrics for the hub.
//
// Every method is safe to call on a nil *Collector, which records nothing.
// Components take an optional collector and never need to check for it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all hub metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	// Connections
	Connections    prometheus.Gauge
	Registrations  prometheus.Counter
	Reaped         prometheus.Counter
	Disconnections prometheus.Counter

	// Routing
	Routed           *prometheus.CounterVec
	Deliveries       prometheus.Counter
	DeliveryFailures *prometheus.CounterVec
	Rejections       *prometheus.CounterVec

	// Knowledge
	Submissions     *prometheus.CounterVec
	IndexOperations *prometheus.CounterVec

	// Persistence
	ArchiveErrors prometheus.Counter
}

// NewCollector creates a collector with its own registry. Multiple
// collectors can coexist, so tests never trip over duplicate registration.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections, registered or not",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Successful participant registrations",
		}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_connections_total",
			Help:      "Connections evicted for missing heartbeats",
		}),
		Disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Connections cleaned up for any reason",
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages that reached the fan-out stage",
		}, []string{"protocol"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-target deliveries enqueued",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-target deliveries that failed",
		}, []string{"reason"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages rejected before routing",
		}, []string{"protocol", "code"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_submissions_total",
			Help:      "Knowledge submissions by outcome",
		}, []string{"outcome"}),
		IndexOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_index_operations_total",
			Help:      "Similarity index updates by operation and result",
		}, []string{"op", "result"}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Messages that could not be persisted",
		}),
	}

	registry.MustRegister(
		c.Connections,
		c.Registrations,
		c.Reaped,
		c.Disconnections,
		c.Routed,
		c.Deliveries,
		c.DeliveryFailures,
		c.Rejections,
		c.Submissions,
		c.IndexOperations,
		c.ArchiveErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.Connections.Inc()
}

func (c *Collector) ConnectionClosed(reaped bool) {
	if c == nil {
		return
	}
	c.Connections.Dec()
	c.Disconnections.Inc()
	if reaped {
		c.Reaped.Inc()
	}
}

func (c *Collector) Registered() {
	if c == nil {
		return
	}
	c.Registrations.Inc()
}

func (c *Collector) MessageRouted(protocol string, delivered int) {
	if c == nil {
		return
	}
	c.Routed.WithLabelValues(protocol).Inc()
	c.Deliveries.Add(float64(delivered))
}

func (c *Collector) DeliveryFailed(reason string) {
	if c == nil {
		return
	}
	c.DeliveryFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageRejected(protocol, code string) {
	if c == nil {
		return
	}
	if protocol == "" {
		protocol = "unknown"
	}
	c.Rejections.WithLabelValues(protocol, code).Inc()
}

// KnowledgeSubmitted records a submission outcome: created, accepted,
// kept or rejected.
func (c *Collector) KnowledgeSubmitted(outcome string) {
	if c == nil {
		return
	}
	c.Submissions.WithLabelValues(outcome).Inc()
}

// Indexed records a similarity index update. result is ok, error or dropped.
func (c *Collector) Indexed(op, result string) {
	if c == nil {
		return
	}
	c.IndexOperations.WithLabelValues(op, result).Inc()
}

func (c *Collector) ArchiveFailed() {
	if c == nil {
		return
	}
	c.ArchiveErrors.Inc()
}
