package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rosterd"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync Metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for a tenant sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"org_id"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync executions.",
	}, []string{"org_id", "status"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync.",
	}, []string{"org_id"})

	PagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_fetched_total",
		Help:      "Count of roster pages fetched from external APIs.",
	}, []string{"org_id"})

	RecordsReportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_reported_total",
		Help:      "Count of user records streamed to the platform sink.",
	}, []string{"org_id"})

	// Delete Metrics
	DeletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deletes_total",
		Help:      "Count of processed delete requests.",
	}, []string{"org_id", "status"})

	DeleteDedupHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delete_dedup_hits_total",
		Help:      "Count of delete requests absorbed by the dedup window.",
	}, []string{"origin"})

	// Bus Metrics
	BusRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_retries_total",
		Help:      "Count of events re-published after handler failure.",
	}, []string{"event"})

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Count of events routed to the dead-letter sink.",
	}, []string{"event"})

	// Executor Metrics
	ExecutorInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executor_in_flight",
		Help:      "Tasks currently running per job class.",
	}, []string{"class"})
)
