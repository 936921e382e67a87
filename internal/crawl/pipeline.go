package crawl

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imgscout/imgscout/internal/extract"
	"github.com/imgscout/imgscout/internal/metaindex"
	"github.com/imgscout/imgscout/internal/thumbnail"
	"github.com/imgscout/imgscout/internal/vecindex"
	"github.com/imgscout/imgscout/internal/walk"
)

// item is one file travelling through the pipeline.
type item struct {
	rec   *metaindex.MediaRecord
	isNew bool
}

// Crawl walks every root, queues new and changed files, and sweeps records
// whose files are gone. It returns when the walk and the sweep are done;
// queued batches may still be running. A second Crawl while one is active
// returns ErrCrawlActive.
func (x *Indexer) Crawl(ctx context.Context) (err error) {
	x.mu.Lock()
	started, closed := x.started, x.closed
	x.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	if !x.active.CompareAndSwap(false, true) {
		x.logger.Warn("crawl_rejected", slog.String("reason", "already active"))
		return ErrCrawlActive
	}
	x.obs.ActiveChanged(true)

	start := time.Now()
	x.walked.Store(0)
	x.skipped.Store(0)
	x.queued.Store(0)
	x.mu.Lock()
	x.lastErr = nil
	x.lastErrAt = time.Time{}
	x.mu.Unlock()

	defer func() {
		took := time.Since(start)
		if err != nil {
			x.recordError(err)
			x.logger.Error("crawl_failed",
				slog.String("error", err.Error()),
				slog.Duration("took", took))
		} else {
			x.logger.Info("crawl_finished",
				slog.Int64("walked", x.walked.Load()),
				slog.Int64("queued", x.queued.Load()),
				slog.Int64("skipped", x.skipped.Load()),
				slog.Duration("took", took))
		}
		x.mu.Lock()
		x.lastCrawl = time.Now()
		x.mu.Unlock()
		x.walker.Store(nil)
		x.phase.Store(PhaseNone)
		x.active.Store(false)
		x.obs.CrawlFinished(took, err)
		x.obs.ActiveChanged(false)
	}()

	x.logger.Info("crawl_started", slog.Any("roots", x.cfg.Roots))
	x.phase.Store(PhaseWalking)
	if err := x.walk(ctx); err != nil {
		return err
	}

	// Whatever is left in a partial batch goes now instead of on the timer.
	x.batcher.Flush()

	x.phase.Store(PhaseSweeping)
	return x.sweep(ctx)
}

func (x *Indexer) walk(ctx context.Context) error {
	w := walk.New(x.cfg.Roots, x.cfg.Keep, x.logger)
	x.walker.Store(w)

	g, gctx := errgroup.WithContext(ctx)
	for range x.cfg.PreprocessWorkers {
		g.Go(func() error {
			for {
				path, ok := w.Next(gctx)
				if !ok {
					return gctx.Err()
				}
				x.walked.Add(1)
				x.obs.ItemWalked()
				if err := x.preprocess(gctx, path); err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// preprocess decides whether path needs work. Only store, allocator and
// shutdown failures are returned; a file that cannot be stat'ed is skipped.
func (x *Indexer) preprocess(ctx context.Context, path string) error {
	x.mu.Lock()
	_, busy := x.inflight[path]
	x.mu.Unlock()
	if busy {
		x.skip(path, "in flight")
		return nil
	}

	rec, err := x.deps.Meta.Find(ctx, path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		x.logger.Warn("file_stat_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		x.skip(path, "stat failed")
		return nil
	}
	mtime, size := info.ModTime(), info.Size()

	isNew := rec == nil
	if isNew {
		id, err := x.deps.IDs.Allocate(ctx)
		if err != nil {
			return err
		}
		rec = &metaindex.MediaRecord{ID: id, Filepath: path}
	} else {
		if rec.SameFile(mtime, size) {
			x.skip(path, "unchanged")
			return nil
		}
		rec = rec.Clone()
	}
	rec.Mtime = mtime
	rec.Filesize = size

	it := &item{rec: rec, isNew: isNew}
	x.mu.Lock()
	x.inflight[path] = rec.ID
	x.mu.Unlock()
	x.work.add()

	if !x.batcher.Push(it) {
		x.release(it)
		return ErrClosed
	}
	x.queued.Add(1)
	x.obs.ItemQueued()
	x.logger.Debug("file_queued",
		slog.String("path", path),
		slog.Uint64("id", rec.ID),
		slog.Bool("new", isNew))
	return nil
}

func (x *Indexer) skip(path, reason string) {
	x.skipped.Add(1)
	x.obs.ItemSkipped(reason)
	x.logger.Debug("file_skipped", slog.String("path", path), slog.String("reason", reason))
}

func (x *Indexer) runExecutor() {
	defer x.executors.Done()
	for batch := range x.batcher.Out() {
		x.processBatch(x.baseCtx, batch)
	}
}

// processBatch embeds one batch, writes the vectors and fans the items out
// to finalization. A failed embedding drops the whole batch.
func (x *Indexer) processBatch(ctx context.Context, batch []*item) {
	paths := make([]string, len(batch))
	for i, it := range batch {
		paths[i] = it.rec.Filepath
	}

	start := time.Now()
	vectors, err := x.deps.Embedder.EmbedImages(ctx, paths)
	x.obs.BatchEmbedded(len(batch), time.Since(start), err)
	if err != nil {
		x.logger.Warn("batch_embed_failed",
			slog.Int("items", len(batch)),
			slog.String("first", paths[0]),
			slog.String("error", err.Error()))
		x.releaseAll(batch)
		return
	}

	if err := x.storeVectors(ctx, batch, vectors); err != nil {
		x.recordError(err)
		x.logger.Error("vector_store_failed",
			slog.Int("items", len(batch)),
			slog.String("error", err.Error()))
		x.releaseAll(batch)
		return
	}

	for i, it := range batch {
		if err := x.finSem.Acquire(ctx, 1); err != nil {
			x.releaseAll(batch[i:])
			return
		}
		x.finalizers.Add(1)
		go func(it *item) {
			defer x.finalizers.Done()
			defer x.finSem.Release(1)
			x.finalize(ctx, it)
		}(it)
	}
}

// storeVectors replaces the vectors of changed files and adds new ones.
// Writes are serialized across executors.
func (x *Indexer) storeVectors(ctx context.Context, batch []*item, vectors [][]float32) error {
	entries := make([]vecindex.Entry, len(batch))
	var stale []uint64
	for i, it := range batch {
		entries[i] = vecindex.Entry{ID: it.rec.ID, Vector: vectors[i]}
		if !it.isNew {
			stale = append(stale, it.rec.ID)
		}
	}

	x.vecMu.Lock()
	defer x.vecMu.Unlock()
	if len(stale) > 0 {
		if err := x.deps.Vectors.Remove(ctx, stale...); err != nil {
			return err
		}
	}
	if err := x.deps.Vectors.Add(ctx, entries...); err != nil {
		return err
	}
	_, err := x.deps.Vectors.Save(ctx)
	return err
}

// finalize extracts metadata, renders the thumbnail and persists the
// record. Extraction and thumbnail failures drop the item.
func (x *Indexer) finalize(ctx context.Context, it *item) {
	var err error
	defer func() {
		x.obs.ItemFinalized(err)
		x.release(it)
	}()

	rec := it.rec
	log := x.logger.With(slog.String("path", rec.Filepath), slog.Uint64("id", rec.ID))

	tags, err := x.deps.Extractor.Extract(ctx, rec.Filepath)
	if err != nil {
		log.Warn("metadata_extract_failed", slog.String("error", err.Error()))
		return
	}
	rec.Tags = nil
	extract.Apply(x.deps.TagDefs, tags, rec)

	if rec.ThumbnailPath == "" {
		rec.ThumbnailPath = thumbnail.HashedPath(x.cfg.ThumbnailRoot, rec.Filepath, x.cfg.ThumbnailDepth, x.cfg.ThumbnailExt)
	}
	if err = os.MkdirAll(filepath.Dir(rec.ThumbnailPath), 0o755); err != nil {
		log.Warn("thumbnail_dir_failed", slog.String("error", err.Error()))
		return
	}
	if err = x.deps.Thumbnailer.Generate(ctx, rec.Filepath, rec.ThumbnailPath); err != nil {
		log.Warn("thumbnail_failed", slog.String("error", err.Error()))
		return
	}

	if it.isNew {
		err = x.deps.Meta.AddRecord(ctx, rec)
	} else {
		var n int
		n, err = x.deps.Meta.UpdateRecord(ctx, rec)
		if err == nil && n == 0 {
			// Swept between preprocess and now.
			err = x.deps.Meta.AddRecord(ctx, rec)
		}
	}
	if err != nil {
		x.recordError(err)
		log.Error("record_store_failed", slog.String("error", err.Error()))
		return
	}
	log.Debug("file_indexed", slog.Bool("new", it.isNew))
}

func (x *Indexer) release(it *item) {
	x.mu.Lock()
	if id, ok := x.inflight[it.rec.Filepath]; ok && id == it.rec.ID {
		delete(x.inflight, it.rec.Filepath)
	}
	x.mu.Unlock()
	x.work.done()
}

func (x *Indexer) releaseAll(items []*item) {
	for _, it := range items {
		x.release(it)
	}
}

// tracker counts queued items and signals when none are left.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return
	}
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isGone reports whether err means the file no longer exists.
func isGone(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
