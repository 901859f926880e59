// Package metrics declares the Prometheus collectors shared across tabsplit.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tabsplit"

var (
	// SessionFlushes counts debounced private and collaborative flushes by kind and result.
	SessionFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_flushes_total",
			Help:      "Debounced session writes by kind (private, collab) and result (ok, error).",
		},
		[]string{"kind", "result"},
	)

	// PersistenceWarnings counts sessions that crossed the consecutive failure threshold.
	PersistenceWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_warnings_total",
			Help:      "Times a session manager hit repeated persistence failures.",
		},
		[]string{"kind"},
	)

	// SessionTransitions counts lifecycle transitions (archive, resume, delete, idle_archive, end).
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session lifecycle transitions.",
		},
		[]string{"transition"},
	)

	// Extractions counts receipt extractions by outcome (ok, cache_hit, or an error kind).
	Extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_extractions_total",
			Help:      "Receipt extraction calls by outcome.",
		},
		[]string{"outcome"},
	)

	// RPCDuration observes handler latency per procedure and code.
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Connect handler duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"procedure", "code"},
	)

	// CollabSubscribers tracks open collaborative subscriptions.
	CollabSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collab_subscribers",
			Help:      "Open collaborative session subscriptions.",
		},
	)
)
