// Package server exposes the crawler over HTTP for the serve command:
// health, status, a crawl trigger and prometheus metrics. It has no query
// surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imgscout/imgscout/internal/app"
	"github.com/imgscout/imgscout/internal/crawl"
	"github.com/imgscout/imgscout/internal/metrics"
	"github.com/imgscout/imgscout/pkg/version"
)

// shutdownTimeout bounds graceful shutdown once the serve context ends.
const shutdownTimeout = 10 * time.Second

// Backend is the part of app.App the handlers use.
type Backend interface {
	Status(ctx context.Context) (app.Status, error)
	Crawl(ctx context.Context) error
	Active() bool
}

// Options configures New.
type Options struct {
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Metrics records per-route request metrics. Optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server routes requests to a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
	router  *mux.Router

	mu     sync.Mutex
	base   context.Context
	crawls sync.WaitGroup
}

// New builds the router.
func New(backend Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		logger:  logger.With(slog.String("component", "server")),
		router:  mux.NewRouter(),
		base:    context.Background(),
	}

	r := s.router
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware("/metrics", "/health"))
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/crawl", s.handleCrawl).Methods(http.MethodPost)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and
// waits for crawls it started to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("server_started", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.crawls.Wait()
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server_stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Short(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.logger.Error("status_failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCrawl(w http.ResponseWriter, _ *http.Request) {
	if s.backend.Active() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status":  "already_running",
			"message": "a crawl is already in progress",
		})
		return
	}

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	s.crawls.Add(1)
	go func() {
		defer s.crawls.Done()
		err := s.backend.Crawl(base)
		switch {
		case err == nil, errors.Is(err, crawl.ErrCrawlActive), base.Err() != nil:
		default:
			s.logger.Error("triggered_crawl_failed", slog.String("error", err.Error()))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": "crawl started",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
