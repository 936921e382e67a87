package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgscout/imgscout/internal/app"
	"github.com/imgscout/imgscout/internal/crawl"
	"github.com/imgscout/imgscout/internal/logging"
	"github.com/imgscout/imgscout/internal/metrics"
)

type fakeBackend struct {
	mu        sync.Mutex
	status    app.Status
	statusErr error
	active    atomic.Bool
	crawls    atomic.Int32
	crawled   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{crawled: make(chan struct{}, 4)}
}

func (f *fakeBackend) Status(context.Context) (app.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeBackend) Crawl(context.Context) error {
	f.crawls.Add(1)
	f.crawled <- struct{}{}
	return nil
}

func (f *fakeBackend) Active() bool { return f.active.Load() }

func newTestServer(b Backend) (*Server, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return New(b, Options{Gatherer: reg, Metrics: m, Logger: logging.Discard()}), reg
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(newFakeBackend())

	rec := do(t, s.Handler(), http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatus_ReportsErroredPipeline(t *testing.T) {
	// Given: a backend whose last crawl failed on a store error
	b := newFakeBackend()
	b.status = app.Status{
		Crawl:   crawl.Status{State: crawl.StateIdle, Errored: true, LastError: "disk full"},
		Records: 7,
	}
	s, _ := newTestServer(b)

	// When: fetching the status
	rec := do(t, s.Handler(), http.MethodGet, "/api/status")

	// Then: the errored state is visible
	require.Equal(t, http.StatusOK, rec.Code)
	var got app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Crawl.Errored)
	assert.Equal(t, "disk full", got.Crawl.LastError)
	assert.Equal(t, 7, got.Records)
}

func TestStatus_BackendError(t *testing.T) {
	b := newFakeBackend()
	b.statusErr = errors.New("db closed")
	s, _ := newTestServer(b)

	rec := do(t, s.Handler(), http.MethodGet, "/api/status")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCrawl_StartsAsync(t *testing.T) {
	b := newFakeBackend()
	s, _ := newTestServer(b)

	rec := do(t, s.Handler(), http.MethodPost, "/api/crawl")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-b.crawled:
	case <-time.After(2 * time.Second):
		t.Fatal("crawl not started")
	}
}

func TestCrawl_ConflictWhenActive(t *testing.T) {
	b := newFakeBackend()
	b.active.Store(true)
	s, _ := newTestServer(b)

	rec := do(t, s.Handler(), http.MethodPost, "/api/crawl")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int32(0), b.crawls.Load())
}

func TestCrawl_WrongMethod(t *testing.T) {
	s, _ := newTestServer(newFakeBackend())

	rec := do(t, s.Handler(), http.MethodGet, "/api/crawl")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetrics_ExposesRequestCounters(t *testing.T) {
	s, _ := newTestServer(newFakeBackend())
	do(t, s.Handler(), http.MethodGet, "/api/status")

	rec := do(t, s.Handler(), http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imgscout_http_requests_total{method="GET",route="/api/status",status="200"} 1`)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(newFakeBackend())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
