package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job metrics
	JobsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_jobs_started_total",
			Help: "Total number of research jobs started",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_jobs_finished_total",
			Help: "Total number of research jobs that reached a terminal state",
		},
		[]string{"status"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_stage_duration_seconds",
			Help:    "Pipeline stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "outcome"},
	)

	// Pool metrics
	PoolInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_pool_in_flight",
			Help: "Operations currently holding a slot in a named pool",
		},
		[]string{"pool"},
	)

	PoolWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_pool_wait_seconds",
			Help:    "Time spent waiting for a pool slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"pool"},
	)

	// Provider metrics
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_provider_errors_total",
			Help: "Errors returned by external search and LLM providers",
		},
		[]string{"provider", "operation"},
	)

	// Curation metrics
	Documents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_documents_total",
			Help: "Documents seen per category, by curation phase",
		},
		[]string{"category", "phase"},
	)

	// Broadcast metrics
	DroppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_broadcast_dropped_subscribers_total",
			Help: "Subscribers removed because they were closed or too slow",
		},
	)
)
