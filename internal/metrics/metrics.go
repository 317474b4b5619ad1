// Package metrics exposes Prometheus instrumentation for the crawl engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts successfully fetched pages per source.
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizharvest_pages_fetched_total",
		Help: "Pages fetched successfully, by source.",
	}, []string{"source"})

	// FetchErrors counts failed fetch attempts by source and failure kind.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizharvest_fetch_errors_total",
		Help: "Fetch failures, by source and kind.",
	}, []string{"source", "kind"})

	// CandidatesExtracted counts raw candidates produced by extractors.
	CandidatesExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizharvest_candidates_extracted_total",
		Help: "Candidate records extracted, by source.",
	}, []string{"source"})

	// CandidatesRejected counts candidates failing normalization.
	CandidatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizharvest_candidates_rejected_total",
		Help: "Candidates rejected during normalization, by source.",
	}, []string{"source"})

	// SecondaryDropped counts candidates discarded after a mandatory
	// secondary fetch failure.
	SecondaryDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizharvest_secondary_dropped_total",
		Help: "Candidates dropped after secondary fetch failure, by source.",
	}, []string{"source"})

	// RunsCompleted counts finished runs by source and terminal status.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizharvest_runs_total",
		Help: "Finished runs, by source and terminal status.",
	}, []string{"source", "status"})

	// RunDuration tracks wall time of whole runs.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bizharvest_run_duration_seconds",
		Help:    "Run wall time in seconds, by source.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"source"})
)
