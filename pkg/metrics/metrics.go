// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devnest"

var (
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "reconcile_total",
		Help:      "Proxy reconcile runs by outcome (applied, unchanged, no_proxy, error).",
	}, []string{"outcome"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Helper container jobs by operation and outcome.",
	}, []string{"op", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall time of helper container jobs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800},
	}, []string{"op"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Jobs currently active or waiting for a slot.",
	}, []string{"state"})

	MonitorConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "connected",
		Help:      "1 while the event monitor holds a live connection to the runtime.",
	})

	MonitorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "reconnects_total",
		Help:      "Reconnect cycles scheduled by the event monitor.",
	})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "Lifecycle events received, by action.",
	}, []string{"action"})
)

// Reconcile outcome labels.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeNoProxy   = "no_proxy"
	OutcomeError     = "error"
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

// SetQueue records a sync queue snapshot.
func SetQueue(active, queued int) {
	QueueDepth.WithLabelValues("active").Set(float64(active))
	QueueDepth.WithLabelValues("queued").Set(float64(queued))
}
