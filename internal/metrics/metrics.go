// Package metrics provides Prometheus metrics for the storage engine,
// adapted from the teacher's internal/metrics package: same
// promauto-registered counters/gauges/histograms shape, renamed for this
// engine's own operations (commits, compaction, page allocation) in
// place of gRPC/document/version concerns the teacher tracked.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the engine exposes.
type Metrics struct {
	TxnCommitsTotal     *prometheus.CounterVec
	TxnCommitDuration   *prometheus.HistogramVec
	TxnsInFlight        prometheus.Gauge

	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbSizeBytes         prometheus.Gauge
	DbUsedPages         prometheus.Gauge
	DbTotalPages        prometheus.Gauge

	PageAllocationsTotal prometheus.Counter
	PageFreesTotal       prometheus.Counter
	CompactionsTotal     prometheus.Counter
	CompactionDuration   prometheus.Histogram

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates and registers every collector against the default
// registry (the teacher always used promauto's default registerer;
// callers needing an isolated registry for tests should not call this
// more than once per process).
func New() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.TxnCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_txn_commits_total",
			Help: "Total number of write transaction commit attempts",
		},
		[]string{"status"},
	)

	m.TxnCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_txn_commit_duration_seconds",
			Help:    "Duration of write transaction commits in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"durability"},
	)

	m.TxnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_txns_in_flight",
			Help: "Number of transactions (read or write) currently open",
		},
	)

	m.DbOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_db_operations_total",
			Help: "Total number of table operations (get/insert/remove/range)",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_db_operation_duration_seconds",
			Help:    "Duration of table operations in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"operation"},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_db_size_bytes",
			Help: "Current on-disk database file size in bytes",
		},
	)

	m.DbUsedPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_db_used_pages",
			Help: "Number of base pages currently allocated",
		},
	)

	m.DbTotalPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_db_total_pages",
			Help: "Number of base pages available across all regions",
		},
	)

	m.PageAllocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_page_allocations_total",
			Help: "Total number of pages allocated",
		},
	)

	m.PageFreesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_page_frees_total",
			Help: "Total number of pages freed",
		},
	)

	m.CompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_compactions_total",
			Help: "Total number of compaction passes run",
		},
	)

	m.CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_compaction_duration_seconds",
			Help:    "Duration of compaction passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_server_uptime_seconds",
			Help: "Admin server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordCommit records a completed write transaction commit.
func (m *Metrics) RecordCommit(durability string, status string, duration time.Duration) {
	m.TxnCommitsTotal.WithLabelValues(status).Inc()
	m.TxnCommitDuration.WithLabelValues(durability).Observe(duration.Seconds())
}

// RecordDbOperation records a table operation.
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCompaction records a completed compaction pass.
func (m *Metrics) RecordCompaction(duration time.Duration) {
	m.CompactionsTotal.Inc()
	m.CompactionDuration.Observe(duration.Seconds())
}

// UpdateDbStats refreshes the size/page gauges.
func (m *Metrics) UpdateDbStats(sizeBytes int64, usedPages, totalPages uint64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.DbUsedPages.Set(float64(usedPages))
	m.DbTotalPages.Set(float64(totalPages))
}
