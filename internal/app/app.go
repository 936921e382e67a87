// Package app assembles the indexer from a data directory and its
// configuration, and tears it down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/imgscout/imgscout/internal/config"
	"github.com/imgscout/imgscout/internal/crawl"
	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/extract"
	"github.com/imgscout/imgscout/internal/idalloc"
	"github.com/imgscout/imgscout/internal/lock"
	"github.com/imgscout/imgscout/internal/metaindex"
	"github.com/imgscout/imgscout/internal/metrics"
	"github.com/imgscout/imgscout/internal/thumbnail"
	"github.com/imgscout/imgscout/internal/vecindex"
	"github.com/imgscout/imgscout/internal/walk"
	"github.com/imgscout/imgscout/internal/worker"
)

// Layout names every file an App keeps in its data directory.
type Layout struct {
	Root       string
	Thumbnails string
	MetaDB     string
	Vectors    string
	NextID     string
	Ignore     string
	Lock       string
	Config     string
}

// NewLayout resolves the layout of dataDir. A relative vector file name is
// taken relative to dataDir.
func NewLayout(dataDir string, cfg *config.Config) Layout {
	vectors := cfg.VectorIndex.File
	if !filepath.IsAbs(vectors) {
		vectors = filepath.Join(dataDir, vectors)
	}
	return Layout{
		Root:       dataDir,
		Thumbnails: filepath.Join(dataDir, "thumbnails"),
		MetaDB:     filepath.Join(dataDir, "meta.db"),
		Vectors:    vectors,
		NextID:     filepath.Join(dataDir, "nextid.txt"),
		Ignore:     filepath.Join(dataDir, "ignore"),
		Lock:       filepath.Join(dataDir, ".imgscout.lock"),
		Config:     filepath.Join(dataDir, config.FileName),
	}
}

// Options are the process-level inputs of Open.
type Options struct {
	// Roots replaces cfg.Crawl.Roots when not empty.
	Roots  []string
	Logger *slog.Logger
	// Registry receives the collectors. Nil creates a private one.
	Registry *prometheus.Registry
	// WorkerStderr receives the embedding worker's stderr.
	WorkerStderr io.Writer
}

// App owns every component built from one data directory.
type App struct {
	Config   *config.Config
	Layout   Layout
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Filter  *walk.Filter
	IDs     *idalloc.Allocator
	Meta    *metaindex.Store
	Vectors *vecindex.Index
	Worker  *worker.Manager
	Indexer *crawl.Indexer

	lock    *lock.FileLock
	closers []func(context.Context) error
}

// Open takes the data directory lock and builds every component. The
// embedding worker is started but not awaited; see WaitWorker.
func Open(ctx context.Context, dataDir string, cfg *config.Config, opts Options) (a *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, scouterrors.New(scouterrors.ErrCodeDataDirUnavailable, "invalid data directory", err)
	}
	layout := NewLayout(abs, cfg)

	roots, err := resolveRoots(cfg.Crawl.Roots, opts.Roots)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{layout.Root, layout.Thumbnails, filepath.Dir(layout.Vectors)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, scouterrors.New(scouterrors.ErrCodeDataDirUnavailable, "failed to create data directory", err).
				WithDetail("path", dir)
		}
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a = &App{
		Config:   cfg,
		Layout:   layout,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
		lock:     lock.New(layout.Lock),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	locked, err := a.lock.TryLock()
	if err != nil {
		return a, scouterrors.New(scouterrors.ErrCodeDataDirUnavailable, "failed to lock data directory", err)
	}
	if !locked {
		return a, scouterrors.New(scouterrors.ErrCodeDataDirUnavailable, "data directory is in use by another imgscout process", nil).
			WithDetail("path", layout.Root).
			WithSuggestion("Stop the other crawl or serve process, or use a different --datadir")
	}
	a.onClose(func(context.Context) error { return a.lock.Unlock() })

	if err := a.build(ctx, roots, opts); err != nil {
		return a, err
	}

	logger.Info("app_opened",
		slog.String("datadir", layout.Root),
		slog.Any("roots", roots),
		slog.String("vectors", layout.Vectors))
	return a, nil
}

func (a *App) build(ctx context.Context, roots []string, opts Options) error {
	cfg := a.Config

	filter, err := walk.NewFilter(walk.FilterOptions{
		Roots:      roots,
		IgnoreFile: a.Layout.Ignore,
		PerDirName: cfg.Crawl.IgnoreFileName,
		Extensions: cfg.Crawl.Extensions,
	})
	if err != nil {
		return err
	}
	a.Filter = filter

	a.IDs, err = idalloc.New(a.Layout.NextID, idalloc.Options{
		SaveDelay:     cfg.IDSaveDelay(),
		ForceInterval: cfg.IDForceInterval(),
		Logger:        a.Logger,
	})
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return a.IDs.Close() })

	a.Meta, err = metaindex.Open(a.Layout.MetaDB, a.Logger)
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return a.Meta.Close() })

	a.Vectors, err = vecindex.New(a.Layout.Vectors, vecindex.Options{
		MinInterval: cfg.VectorMinInterval(),
		Metric:      cfg.VectorIndex.Metric,
		Logger:      a.Logger,
		Observer:    a.Metrics,
	})
	if err != nil {
		return err
	}
	if err := a.Vectors.Load(ctx); err != nil {
		return err
	}
	a.onClose(a.Vectors.Flush)
	if err := a.syncIDCounter(ctx); err != nil {
		return err
	}

	extractor, err := extract.New(cfg.Metadata.Extractor)
	if err != nil {
		return err
	}
	defs, err := extract.LoadTagDefs(cfg.Metadata.TagDefs)
	if err != nil {
		return err
	}

	var thumbs thumbnail.Generator = thumbnail.NewImaging(cfg.Thumbnails.Size)
	if len(cfg.Thumbnails.Command) > 0 {
		thumbs, err = thumbnail.NewCommand(cfg.Thumbnails.Command, cfg.Thumbnails.Size)
		if err != nil {
			return err
		}
	}

	a.Worker, err = worker.New(worker.Config{
		Command:     cfg.Worker.Command,
		Model:       cfg.Worker.Model,
		Device:      cfg.Worker.Device,
		BatchSize:   cfg.Worker.BatchSize,
		AutoRespawn: cfg.Worker.AutoRespawn,
		Logger:      a.Logger,
		Stderr:      opts.WorkerStderr,
	})
	if err != nil {
		return err
	}
	if err := a.Worker.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return a.Worker.Close() })
	a.Metrics.RegisterWorker(func() (int, int, bool) {
		s := a.Worker.Stats()
		return s.Spawns, s.Pending, s.Ready
	})

	a.Indexer, err = crawl.New(crawl.Dependencies{
		Meta:        a.Meta,
		Vectors:     a.Vectors,
		IDs:         a.IDs,
		Embedder:    a.Worker,
		Extractor:   extractor,
		Thumbnailer: thumbs,
		TagDefs:     defs,
		Observer:    a.Metrics,
	}, crawl.Config{
		Roots:             roots,
		Keep:              filter.Keep,
		ThumbnailRoot:     a.Layout.Thumbnails,
		ThumbnailDepth:    cfg.Thumbnails.Depth,
		ThumbnailExt:      cfg.Thumbnails.Extension,
		BatchSize:         cfg.Crawl.BatchSize,
		BatchTimeout:      cfg.BatchTimeoutDuration(),
		PreprocessWorkers: cfg.Crawl.PreprocessConcurrency.MustResolve(),
		BatchWorkers:      cfg.Crawl.BatchConcurrency.MustResolve(),
		FinalizeWorkers:   cfg.Crawl.FinalizeConcurrency.MustResolve(),
		Logger:            a.Logger,
	})
	if err != nil {
		return err
	}
	if err := a.Indexer.Start(ctx); err != nil {
		return err
	}
	a.onClose(a.Indexer.Close)
	return nil
}

// syncIDCounter moves the id counter past every id either store holds. The
// counter file is written lazily, so after a crash it can lag behind ids
// that were already persisted.
func (a *App) syncIDCounter(ctx context.Context) error {
	metaMax, metaOK, err := a.Meta.MaxID(ctx)
	if err != nil {
		return err
	}
	vecMax, vecOK, err := a.Vectors.MaxID(ctx)
	if err != nil {
		return err
	}
	if !metaOK && !vecOK {
		return nil
	}
	return a.IDs.EnsureAbove(ctx, max(metaMax, vecMax))
}

func resolveRoots(configured, override []string) ([]string, error) {
	roots := configured
	if len(override) > 0 {
		roots = override
	}
	if len(roots) == 0 {
		return nil, scouterrors.ConfigError("no crawl roots configured", nil).
			WithSuggestion("Pass --root or set crawl.roots in config.yaml")
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, scouterrors.ConfigError(fmt.Sprintf("invalid crawl root %q", r), err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return nil, scouterrors.ConfigError(fmt.Sprintf("crawl root %s is not a directory", abs), err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// onClose registers a teardown step. Steps run in reverse order.
func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// WaitWorker blocks until the embedding worker has completed its handshake.
func (a *App) WaitWorker(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.Worker.WaitReady(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return scouterrors.New(scouterrors.ErrCodeWorkerUnavailable, "embedding worker did not become ready", err).
				WithDetail("command", fmt.Sprint(a.Config.Worker.Command))
		}
		return err
	}
	return nil
}

// Close drains the pipeline and releases everything in reverse build
// order: indexer, worker, vector index flush, metadata store, id counter,
// lock. Safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Error("app_close_failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
