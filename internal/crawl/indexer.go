// Package crawl is the ingestion pipeline: it walks the roots, decides which
// files need work, embeds them in batches, and keeps the metadata store, the
// vector index and the thumbnail cache in step.
//
// A crawl moves Idle -> Active (walk + preprocess) -> Sweeping -> Idle.
// Crawl returns once the walk and the deletion sweep are done; batches
// still in the queue finish in the background. Call Drain to wait for them.
//
// Per-file failures (stat, extraction, thumbnailing) and per-batch
// failures (worker errors) are logged and the items dropped. Store
// failures abort the crawl and are returned, or, when they happen in a
// background batch, mark the indexer as errored.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/extract"
	"github.com/imgscout/imgscout/internal/metaindex"
	"github.com/imgscout/imgscout/internal/queue"
	"github.com/imgscout/imgscout/internal/thumbnail"
	"github.com/imgscout/imgscout/internal/vecindex"
	"github.com/imgscout/imgscout/internal/walk"
)

var (
	// ErrCrawlActive is returned when a crawl is requested while one runs.
	ErrCrawlActive = errors.New("a crawl is already active")
	// ErrNotStarted is returned when Crawl is called before Start.
	ErrNotStarted = errors.New("indexer not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("indexer closed")
)

// MetaStore is the metadata side of the index.
type MetaStore interface {
	Find(ctx context.Context, path string) (*metaindex.MediaRecord, error)
	AddRecord(ctx context.Context, recs ...*metaindex.MediaRecord) error
	UpdateRecord(ctx context.Context, recs ...*metaindex.MediaRecord) (int, error)
	DeleteByID(ctx context.Context, ids ...uint64) (int, error)
	GetAllFilepaths(ctx context.Context) ([]metaindex.PathEntry, error)
}

// VectorStore is the vector side of the index.
type VectorStore interface {
	Add(ctx context.Context, entries ...vecindex.Entry) error
	Remove(ctx context.Context, ids ...uint64) error
	Save(ctx context.Context) (bool, error)
	IDs(ctx context.Context) ([]uint64, error)
}

// IDAllocator hands out record ids.
type IDAllocator interface {
	Allocate(ctx context.Context) (uint64, error)
}

// Embedder turns image paths into vectors, one per path, in order.
type Embedder interface {
	EmbedImages(ctx context.Context, paths []string) ([][]float32, error)
}

// Dependencies are the collaborators of an Indexer.
type Dependencies struct {
	Meta        MetaStore
	Vectors     VectorStore
	IDs         IDAllocator
	Embedder    Embedder
	Extractor   extract.Extractor
	Thumbnailer thumbnail.Generator
	TagDefs     *extract.TagDefs
	Observer    Observer
}

// Config tunes an Indexer.
type Config struct {
	// Roots are the absolute directories to crawl.
	Roots []string
	// Keep filters walked paths. Nil keeps everything.
	Keep walk.KeepFunc

	ThumbnailRoot  string
	ThumbnailDepth int
	ThumbnailExt   string

	BatchSize    int
	BatchTimeout time.Duration

	PreprocessWorkers int
	BatchWorkers      int
	FinalizeWorkers   int

	Logger *slog.Logger
}

// State is the crawl session state.
type State string

// Session states.
const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// Phase refines StateActive.
type Phase string

// Crawl phases.
const (
	PhaseNone     Phase = ""
	PhaseWalking  Phase = "walking"
	PhaseSweeping Phase = "sweeping"
)

// Status is a snapshot for status endpoints and logs.
type Status struct {
	State       State     `json:"state"`
	Phase       Phase     `json:"phase,omitempty"`
	Walked      int64     `json:"walked"`
	Skipped     int64     `json:"skipped"`
	Queued      int64     `json:"queued"`
	Pending     int       `json:"pending"`
	InFlight    int       `json:"in_flight"`
	Errored     bool      `json:"errored"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
	LastCrawl   time.Time `json:"last_crawl,omitzero"`
}

// Indexer runs crawls. It is safe for concurrent use; at most one crawl is
// active at a time.
type Indexer struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	obs    Observer

	batcher *queue.Batcher[*item]
	finSem  *semaphore.Weighted
	vecMu   sync.Mutex
	work    tracker

	active  atomic.Bool
	phase   atomic.Value // Phase
	walker  atomic.Pointer[walk.Walker]
	walked  atomic.Int64
	skipped atomic.Int64
	queued  atomic.Int64

	mu         sync.Mutex
	inflight   map[string]uint64
	started    bool
	closed     bool
	lastErr    error
	lastErrAt  time.Time
	lastCrawl  time.Time
	baseCtx    context.Context
	cancel     context.CancelFunc
	executors  sync.WaitGroup
	finalizers sync.WaitGroup
}

// New validates cfg and builds an Indexer. Call Start before Crawl.
func New(deps Dependencies, cfg Config) (*Indexer, error) {
	if err := validate(deps, &cfg); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	x := &Indexer{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "crawl")),
		obs:      obs,
		batcher:  queue.NewBatcher[*item](cfg.BatchSize, cfg.BatchTimeout, cfg.BatchWorkers),
		finSem:   semaphore.NewWeighted(int64(cfg.FinalizeWorkers)),
		inflight: make(map[string]uint64),
	}
	x.phase.Store(PhaseNone)
	return x, nil
}

func validate(deps Dependencies, cfg *Config) error {
	missing := func(name string) error {
		return scouterrors.ConfigError(fmt.Sprintf("crawl indexer requires %s", name), nil)
	}
	switch {
	case deps.Meta == nil:
		return missing("a metadata store")
	case deps.Vectors == nil:
		return missing("a vector index")
	case deps.IDs == nil:
		return missing("an id allocator")
	case deps.Embedder == nil:
		return missing("an embedder")
	case deps.Extractor == nil:
		return missing("a metadata extractor")
	case deps.Thumbnailer == nil:
		return missing("a thumbnail generator")
	case deps.TagDefs == nil:
		return missing("tag definitions")
	}

	for _, r := range cfg.Roots {
		if !filepath.IsAbs(r) {
			return scouterrors.ConfigError(fmt.Sprintf("crawl root %q is not absolute", r), nil)
		}
	}
	if cfg.ThumbnailRoot == "" {
		return scouterrors.ConfigError("thumbnail root is empty", nil)
	}
	if cfg.ThumbnailDepth < 0 {
		return scouterrors.ConfigError("thumbnail depth must not be negative", nil)
	}
	if cfg.ThumbnailExt == "" {
		cfg.ThumbnailExt = thumbnail.DefaultExtension
	}
	if cfg.BatchSize < 1 {
		return scouterrors.ConfigError(fmt.Sprintf("batch size must be positive, got %d", cfg.BatchSize), nil)
	}
	if cfg.BatchTimeout < 0 {
		return scouterrors.ConfigError("batch timeout must not be negative", nil)
	}
	for name, n := range map[string]int{
		"preprocess": cfg.PreprocessWorkers,
		"batch":      cfg.BatchWorkers,
		"finalize":   cfg.FinalizeWorkers,
	} {
		if n < 1 {
			return scouterrors.New(scouterrors.ErrCodeConcurrencyDirective,
				fmt.Sprintf("%s concurrency must be positive, got %d", name, n), nil)
		}
	}
	return nil
}

// Start launches the batch executors. They run until Close.
func (x *Indexer) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if x.started {
		return nil
	}
	x.started = true
	x.baseCtx, x.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for range x.cfg.BatchWorkers {
		x.executors.Add(1)
		go x.runExecutor()
	}
	return nil
}

// Close stops accepting work, lets queued batches finish, and stops the
// executors. If ctx ends first, in-flight work is cancelled.
func (x *Indexer) Close(ctx context.Context) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	started := x.started
	x.mu.Unlock()

	x.batcher.Close()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		x.executors.Wait()
		x.finalizers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		x.cancel()
		<-done
	}
	x.cancel()
	return err
}

// Drain waits until every queued item has been finalized or dropped.
func (x *Indexer) Drain(ctx context.Context) error {
	x.batcher.Flush()
	return x.work.wait(ctx)
}

// Active reports whether a crawl is running.
func (x *Indexer) Active() bool {
	return x.active.Load()
}

// Errored reports whether a store failure happened since the last crawl
// started.
func (x *Indexer) Errored() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastErr != nil
}

// Status returns a snapshot of the pipeline.
func (x *Indexer) Status() Status {
	s := Status{
		State:   StateIdle,
		Walked:  x.walked.Load(),
		Skipped: x.skipped.Load(),
		Queued:  x.queued.Load(),
		Pending: x.batcher.Pending(),
	}
	if x.active.Load() {
		s.State = StateActive
		s.Phase, _ = x.phase.Load().(Phase)
		if w := x.walker.Load(); w != nil {
			s.Pending += w.Pending()
		}
	}

	s.InFlight = x.work.count()

	x.mu.Lock()
	defer x.mu.Unlock()
	s.LastCrawl = x.lastCrawl
	if x.lastErr != nil {
		s.Errored = true
		s.LastError = x.lastErr.Error()
		s.LastErrorAt = x.lastErrAt
	}
	return s
}

// recordError marks the indexer as errored.
func (x *Indexer) recordError(err error) {
	x.mu.Lock()
	x.lastErr = err
	x.lastErrAt = time.Now()
	x.mu.Unlock()
}
