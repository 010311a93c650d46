// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation outcomes
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMerged           = "merged"
	OutcomeMatched          = "matched"
)

var (
	// ReconcileTotal tracks completed reconciliations by outcome
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "total",
			Help:      "Total number of completed reconciliations by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileDuration tracks reconciliation latency in seconds, lock waits included
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// ReconcileMergedClusters counts clusters absorbed into an older primary
	ReconcileMergedClusters = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "merged_clusters_total",
			Help:      "Total number of clusters absorbed into an older primary",
		},
	)

	// ReconcileErrorsTotal tracks failed reconciliations by error kind
	ReconcileErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reconcile",
			Name:      "errors_total",
			Help:      "Total number of failed reconciliations by error kind",
		},
		[]string{"kind"},
	)

	// ObservationsConsumed tracks observations read from Kafka by result
	ObservationsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "consumer",
			Name:      "observations_total",
			Help:      "Total number of observations consumed from Kafka by result",
		},
		[]string{"result"},
	)
)
