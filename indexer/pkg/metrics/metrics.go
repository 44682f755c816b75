package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "doomscroll_indexer_build_info",
			Help: "Build information of the doomscroll indexer",
		},
		[]string{"version", "commit", "date"},
	)

	ViewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_view_refresh_total",
			Help: "Total number of periodic job runs",
		},
		[]string{"view_type", "status"},
	)

	ViewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doomscroll_indexer_view_refresh_duration_seconds",
			Help:    "Duration of periodic job runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"view_type"},
	)

	ViewRefreshSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_view_refresh_skipped_total",
			Help: "Ticks skipped because the previous run was still in flight",
		},
		[]string{"view_type"},
	)

	EntityErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_entity_errors_total",
			Help: "Per-challenge failures isolated within a job run",
		},
		[]string{"view_type", "stage"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_distributions_total",
			Help: "Distribution outcomes by result",
		},
		[]string{"outcome"},
	)

	UsageReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_usage_reports_total",
			Help: "Usage report submissions by result",
		},
		[]string{"status"},
	)

	LedgerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_ledger_requests_total",
			Help: "Total number of ledger RPC requests",
		},
		[]string{"method", "status"},
	)

	LedgerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doomscroll_indexer_ledger_request_duration_seconds",
			Help:    "Duration of ledger RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"method"},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doomscroll_indexer_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "doomscroll_indexer_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
		[]string{"operation"},
	)
)

func RecordLedgerRequest(method string, start time.Time, err error) {
	LedgerRequestsTotal.WithLabelValues(method, status(err)).Inc()
	LedgerRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func RecordDatabaseQuery(operation string, start time.Time, err error) {
	DatabaseQueriesTotal.WithLabelValues(operation, status(err)).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
