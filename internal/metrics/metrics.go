// Package metrics provides Prometheus metrics for the detection pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "widewatch"

var (
	// TicksTotal counts scheduler driver ticks.
	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler driver ticks.",
		},
	)

	// EvaluationsTotal counts per-series evaluations by outcome
	// (normal, high, low, no_data, skipped, fetch_error, bad_batch).
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of series evaluations by outcome.",
		},
		[]string{"series", "outcome"},
	)

	// EvaluationDurationSeconds is end-to-end evaluation unit latency.
	EvaluationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Series evaluation duration in seconds, fetch included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 10),
		},
	)

	// FetchFailuresTotal counts fetch failures by error kind.
	FetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Total number of fetch failures by series and kind.",
		},
		[]string{"series", "kind"},
	)

	// OpenIncidents is the number of currently firing incidents.
	OpenIncidents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_incidents",
			Help:      "Number of currently open incidents.",
		},
	)

	// NotificationsTotal counts notification deliveries by transition kind,
	// sink, and result.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification deliveries by kind, sink, and status.",
		},
		[]string{"kind", "sink", "status"},
	)

	// RegistryReloadsTotal counts registry reloads by result.
	RegistryReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Total number of registry reloads by status.",
		},
		[]string{"status"},
	)
)
