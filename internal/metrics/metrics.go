// Package metrics provides Prometheus metrics for glean.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturesTotal counts stored captures.
	CapturesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glean",
			Name:      "captures_total",
			Help:      "Total number of captured pages",
		},
	)

	// EnrichmentsTotal counts summarizer outcomes.
	EnrichmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glean",
			Name:      "enrichments_total",
			Help:      "Total number of enrichment attempts",
		},
		[]string{"result"},
	)

	// MergeRunsTotal counts merge engine invocations.
	MergeRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glean",
			Name:      "merge_runs_total",
			Help:      "Total number of highlight merge runs",
		},
	)

	// FoldsTotal counts folds by result: merged, fallback, created, failed, conflict, skipped.
	FoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glean",
			Name:      "folds_total",
			Help:      "Total number of highlight folds",
		},
		[]string{"result"},
	)

	// LLMRequestsTotal counts text-generation calls.
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glean",
			Name:      "llm_requests_total",
			Help:      "Total number of text-generation requests",
		},
		[]string{"op", "status"},
	)

	// LLMRequestDuration measures text-generation latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glean",
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of text-generation requests in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)
)

// RecordLLMRequest records one text-generation call.
func RecordLLMRequest(op, status string, seconds float64) {
	LLMRequestsTotal.WithLabelValues(op, status).Inc()
	LLMRequestDuration.WithLabelValues(op).Observe(seconds)
}

// RecordFold records the outcome of one fold.
func RecordFold(result string) {
	FoldsTotal.WithLabelValues(result).Inc()
}

// RecordEnrichment records a summarizer outcome.
func RecordEnrichment(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	EnrichmentsTotal.WithLabelValues(result).Inc()
}
