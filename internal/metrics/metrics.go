// Package metrics exposes Prometheus collectors for the crawl pipeline, the
// vector index, the embedding worker and the HTTP surface.
//
// Collectors live on a Metrics value registered against a caller-supplied
// registry, so tests and multiple instances never collide on the global
// default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imgscout"

// Metrics holds every collector. It satisfies crawl.Observer and
// vecindex.Observer.
type Metrics struct {
	reg prometheus.Registerer

	// Crawl
	CrawlsTotal        *prometheus.CounterVec
	CrawlDuration      prometheus.Histogram
	CrawlActive        prometheus.Gauge
	LastCrawlTimestamp prometheus.Gauge
	FilesWalked        prometheus.Counter
	FilesSkipped       *prometheus.CounterVec
	FilesQueued        prometheus.Counter
	FilesFinalized     *prometheus.CounterVec
	RecordsSwept       prometheus.Counter

	// Embedding
	BatchesTotal  *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	BatchSize     prometheus.Histogram

	// Vector index
	IndexRebuilds     prometheus.Counter
	IndexRebuildTime  prometheus.Histogram
	IndexSaves        prometheus.Counter
	IndexSaveDuration prometheus.Histogram
	IndexEntries      prometheus.Gauge

	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates the collectors on reg. A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		CrawlsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawls_total",
			Help:      "Completed crawls by result",
		}, []string{"result"}),
		CrawlDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crawl_duration_seconds",
			Help:      "Walk plus sweep duration of each crawl",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		CrawlActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crawl_active",
			Help:      "Whether a crawl is running (1 = running, 0 = idle)",
		}),
		LastCrawlTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crawl_last_timestamp_seconds",
			Help:      "Unix time the last crawl finished",
		}),
		FilesWalked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_walked_total",
			Help:      "Paths yielded by the walker",
		}),
		FilesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Walked paths that needed no work, by reason",
		}, []string{"reason"}),
		FilesQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_queued_total",
			Help:      "New or changed files queued for embedding",
		}),
		FilesFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_finalized_total",
			Help:      "Files that reached the finalize stage, by result",
		}, []string{"result"}),
		RecordsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_deleted_total",
			Help:      "Records removed by the deletion sweep",
		}),

		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_batches_total",
			Help:      "Embedding batches sent to the worker, by result",
		}, []string{"result"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_batch_duration_seconds",
			Help:      "Worker round trip per embedding batch",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_batch_items",
			Help:      "Items per embedding batch",
			Buckets:   prometheus.LinearBuckets(1, 4, 8),
		}),

		IndexRebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_index_rebuilds_total",
			Help:      "Full ANN graph rebuilds",
		}),
		IndexRebuildTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vector_index_rebuild_duration_seconds",
			Help:      "Duration of ANN graph rebuilds",
			Buckets:   prometheus.DefBuckets,
		}),
		IndexSaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_index_saves_total",
			Help:      "Rewrites of the vector log",
		}),
		IndexSaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vector_index_save_duration_seconds",
			Help:      "Duration of vector log rewrites",
			Buckets:   prometheus.DefBuckets,
		}),
		IndexEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vector_index_entries",
			Help:      "Entries in the vector index after the last rebuild or save",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests being served",
		}),
	}
}

// WorkerStats is what RegisterWorker samples on every scrape.
type WorkerStats func() (spawns, pending int, ready bool)

// RegisterWorker exposes the embedding worker's supervisor state.
func (m *Metrics) RegisterWorker(stats WorkerStats) {
	f := promauto.With(m.reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Embedding worker processes started, including respawns",
	}, func() float64 {
		spawns, _, _ := stats()
		return float64(spawns)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_pending_calls",
		Help:      "Calls waiting for a worker reply",
	}, func() float64 {
		_, pending, _ := stats()
		return float64(pending)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_ready",
		Help:      "Whether the embedding worker accepts calls (1 = ready)",
	}, func() float64 {
		_, _, ready := stats()
		return boolFloat(ready)
	})
}

// ItemWalked implements crawl.Observer.
func (m *Metrics) ItemWalked() { m.FilesWalked.Inc() }

// ItemSkipped implements crawl.Observer.
func (m *Metrics) ItemSkipped(reason string) { m.FilesSkipped.WithLabelValues(reason).Inc() }

// ItemQueued implements crawl.Observer.
func (m *Metrics) ItemQueued() { m.FilesQueued.Inc() }

// BatchEmbedded implements crawl.Observer.
func (m *Metrics) BatchEmbedded(items int, took time.Duration, err error) {
	m.BatchesTotal.WithLabelValues(result(err)).Inc()
	m.BatchDuration.Observe(took.Seconds())
	m.BatchSize.Observe(float64(items))
}

// ItemFinalized implements crawl.Observer.
func (m *Metrics) ItemFinalized(err error) { m.FilesFinalized.WithLabelValues(result(err)).Inc() }

// RecordsDeleted implements crawl.Observer.
func (m *Metrics) RecordsDeleted(n int) { m.RecordsSwept.Add(float64(n)) }

// CrawlFinished implements crawl.Observer.
func (m *Metrics) CrawlFinished(took time.Duration, err error) {
	m.CrawlsTotal.WithLabelValues(result(err)).Inc()
	m.CrawlDuration.Observe(took.Seconds())
	m.LastCrawlTimestamp.SetToCurrentTime()
}

// ActiveChanged implements crawl.Observer.
func (m *Metrics) ActiveChanged(active bool) { m.CrawlActive.Set(boolFloat(active)) }

// Reindexed implements vecindex.Observer.
func (m *Metrics) Reindexed(entries int, took time.Duration) {
	m.IndexRebuilds.Inc()
	m.IndexRebuildTime.Observe(took.Seconds())
	m.IndexEntries.Set(float64(entries))
}

// Saved implements vecindex.Observer.
func (m *Metrics) Saved(entries int, took time.Duration) {
	m.IndexSaves.Inc()
	m.IndexSaveDuration.Observe(took.Seconds())
	m.IndexEntries.Set(float64(entries))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
