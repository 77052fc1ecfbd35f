// Package metrics exposes ThemisDB's Prometheus instrumentation:
// per-component gauges/counters/histograms and an aggregate health
// reporter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EntitiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "themisdb_entities_total", Help: "Entities currently stored, by table"},
		[]string{"table"},
	)

	TxnCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "themisdb_txn_commits_total", Help: "Committed transactions"},
		[]string{"result"}, // "ok", "conflict", "timeout", "aborted"
	)

	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "themisdb_txn_commit_duration_seconds", Help: "Commit latency", Buckets: prometheus.DefBuckets},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "themisdb_wal_append_duration_seconds", Help: "WAL append latency", Buckets: prometheus.DefBuckets},
	)

	ChangefeedSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "themisdb_changefeed_seq", Help: "Last published changefeed sequence"},
	)

	VectorSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "themisdb_vector_search_duration_seconds", Help: "HNSW search latency", Buckets: prometheus.DefBuckets},
		[]string{"table", "field"},
	)

	SpatialSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "themisdb_spatial_search_duration_seconds", Help: "R*-tree search latency", Buckets: prometheus.DefBuckets},
		[]string{"table", "field"},
	)

	FullTextQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "themisdb_fulltext_query_duration_seconds", Help: "BM25 query latency", Buckets: prometheus.DefBuckets},
	)

	PlansChosenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "themisdb_plans_chosen_total", Help: "Plan kind chosen by the query planner"},
		[]string{"plan"},
	)

	QueryExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "themisdb_query_exec_duration_seconds", Help: "Query execution latency", Buckets: prometheus.DefBuckets},
		[]string{"plan"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "themisdb_lock_wait_duration_seconds", Help: "Pessimistic lock wait latency", Buckets: prometheus.DefBuckets},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "themisdb_compactions_total", Help: "Background compactions run"},
	)

	TTLExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "themisdb_ttl_expired_total", Help: "Entities expired by the TTL sweep"},
		[]string{"table"},
	)

	BackpressureRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "themisdb_backpressure_rejections_total", Help: "Writes refused with Busy due to queue high-watermark"},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(
		EntitiesTotal,
		TxnCommitsTotal,
		TxnCommitDuration,
		WALAppendDuration,
		ChangefeedSeq,
		VectorSearchDuration,
		SpatialSearchDuration,
		FullTextQueryDuration,
		PlansChosenTotal,
		QueryExecDuration,
		LockWaitDuration,
		CompactionsTotal,
		TTLExpiredTotal,
		BackpressureRejectionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler { return promhttp.Handler() }

// Timer is a small helper for timing operations into histograms.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
