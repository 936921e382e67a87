package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CrawlObserver(t *testing.T) {
	m := New(nil)

	m.ItemWalked()
	m.ItemWalked()
	m.ItemSkipped("unchanged")
	m.ItemQueued()
	m.BatchEmbedded(3, 200*time.Millisecond, nil)
	m.BatchEmbedded(1, time.Second, errors.New("boom"))
	m.ItemFinalized(nil)
	m.RecordsDeleted(4)
	m.ActiveChanged(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FilesWalked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesSkipped.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesFinalized.WithLabelValues("ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecordsSwept))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrawlActive))

	m.CrawlFinished(time.Second, nil)
	m.ActiveChanged(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrawlsTotal.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CrawlActive))
	assert.Positive(t, testutil.ToFloat64(m.LastCrawlTimestamp))
}

func TestMetrics_IndexObserver(t *testing.T) {
	m := New(nil)

	m.Reindexed(10, time.Millisecond)
	m.Saved(12, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRebuilds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexSaves))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.IndexEntries))
}

func TestMetrics_RegisterWorkerSamplesOnScrape(t *testing.T) {
	// Given: a worker whose state changes between scrapes
	reg := prometheus.NewRegistry()
	m := New(reg)
	spawns, ready := 1, false
	m.RegisterWorker(func() (int, int, bool) { return spawns, 2, ready })

	// When: the state changes
	spawns, ready = 3, true

	// Then: the scrape sees the current values
	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				got[mf.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				got[mf.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, got["imgscout_worker_spawns_total"])
	assert.Equal(t, 2.0, got["imgscout_worker_pending_calls"])
	assert.Equal(t, 1.0, got["imgscout_worker_ready"])
}

func TestMiddleware_RecordsRouteTemplate(t *testing.T) {
	// Given: a router with a templated route and a skipped path
	m := New(nil)
	r := mux.NewRouter()
	r.Use(m.Middleware("/metrics"))
	r.HandleFunc("/api/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.HandleFunc("/metrics", func(http.ResponseWriter, *http.Request) {})

	// When: serving requests
	for _, path := range []string{"/api/items/1", "/api/items/2", "/metrics"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	// Then: both item requests share one series and /metrics is not recorded
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/items/{id}", "418")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}
