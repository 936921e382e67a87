package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/imgscout/imgscout/internal/crawl"
	"github.com/imgscout/imgscout/internal/vecindex"
	"github.com/imgscout/imgscout/internal/watch"
	"github.com/imgscout/imgscout/internal/worker"
)

// idlePoll is how often CrawlWhenIdle checks for a running crawl.
const idlePoll = 500 * time.Millisecond

// Status is the combined view served by /api/status.
type Status struct {
	Crawl   crawl.Status   `json:"crawl"`
	Worker  worker.Stats   `json:"worker"`
	Vectors vecindex.Stats `json:"vectors"`
	Records int            `json:"records"`
}

// Status collects a snapshot from every component.
func (a *App) Status(ctx context.Context) (Status, error) {
	records, err := a.Meta.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Crawl:   a.Indexer.Status(),
		Worker:  a.Worker.Stats(),
		Vectors: a.Vectors.Stats(),
		Records: records,
	}, nil
}

// Crawl runs one crawl. It returns crawl.ErrCrawlActive when one is
// already running.
func (a *App) Crawl(ctx context.Context) error {
	return a.Indexer.Crawl(ctx)
}

// Active reports whether a crawl is running.
func (a *App) Active() bool {
	return a.Indexer.Active()
}

// CrawlWhenIdle waits for a running crawl to finish and then starts
// another. It is used for triggers that must not be lost.
func (a *App) CrawlWhenIdle(ctx context.Context) error {
	for {
		err := a.Indexer.Crawl(ctx)
		if !errors.Is(err, crawl.ErrCrawlActive) {
			return err
		}
		t := time.NewTimer(idlePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Watch re-crawls after filesystem changes under the roots until ctx is
// done.
func (a *App) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := watch.New(watch.Options{
		Roots:          a.Filter.Roots(),
		Keep:           a.Filter.Keep,
		IgnoreFileName: a.Config.Crawl.IgnoreFileName,
		OnIgnoreChange: a.Filter.Invalidate,
		Debounce:       debounce,
		Logger:         a.Logger,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx, func(ctx context.Context, events []watch.Event) {
		a.Logger.Info("watch_triggered_crawl", slog.Int("events", len(events)))
		if err := a.CrawlWhenIdle(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("watch_crawl_failed", slog.String("error", err.Error()))
		}
	})
}
