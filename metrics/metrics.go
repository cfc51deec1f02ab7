// Package metrics exposes Prometheus instrumentation for the queue,
// coordinator, and document processor, generalized from the teacher's
// tracing.Metrics (tracing/metrics.go) — same promauto-registered
// HistogramVec/CounterVec/GaugeVec shape, narrowed from its broad
// workflow/GDPR/exporter surface down to this pipeline's claim,
// processing, heartbeat, and dead-letter collectors. Package workerproc
// records the claim, processing, and heartbeat ones; nothing in this
// module sets QueueDepth, WorkersActive, or DeadLetterTotal.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector this module registers.
type Metrics struct {
	ClaimDuration      prometheus.Histogram
	ClaimsTotal        *prometheus.CounterVec // outcome: "claimed", "empty"
	QueueDepth         *prometheus.GaugeVec   // labels: run_id, state
	DocumentsProcessed *prometheus.CounterVec // labels: run_id, outcome
	ProcessDuration    *prometheus.HistogramVec
	WorkersActive      *prometheus.GaugeVec // labels: run_id
	DeadLetterTotal    *prometheus.CounterVec
	HeartbeatsSent     prometheus.Counter
}

// New registers and returns the full metrics set under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "docforge"
	}

	return &Metrics{
		ClaimDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Duration of the queue claim transaction",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ClaimsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total claim attempts by outcome",
		}, []string{"outcome"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current document_queue item count by state",
		}, []string{"run_id", "state"}),
		DocumentsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_processed_total",
			Help:      "Total documents processed by outcome",
		}, []string{"run_id", "outcome"}),
		ProcessDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Duration of the fetch-parse-embed-persist pipeline per document",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"run_id", "outcome"}),
		WorkersActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of workers with a non-stale heartbeat",
		}, []string{"run_id"}),
		DeadLetterTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_total",
			Help:      "Total items that reached the failed (dead-letter) state",
		}, []string{"run_id", "fingerprint"}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total worker heartbeat updates sent",
		}),
	}
}
