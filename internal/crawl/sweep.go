package crawl

import (
	"context"
	"log/slog"
	"os"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/imgscout/imgscout/internal/thumbnail"
)

// sweep drops records whose files no longer exist, together with their
// thumbnails and vectors. Vector ids with no record that are not in flight
// are dropped too. Files still moving through the pipeline are left alone.
func (x *Indexer) sweep(ctx context.Context) error {
	// Vector ids are read before the in-flight snapshot and the record list,
	// so an id that appears in neither is not about to be written.
	vecIDs, err := x.deps.Vectors.IDs(ctx)
	if err != nil {
		return err
	}

	x.mu.Lock()
	busyPaths := make(map[string]struct{}, len(x.inflight))
	busyIDs := make(map[uint64]struct{}, len(x.inflight))
	for p, id := range x.inflight {
		busyPaths[p] = struct{}{}
		busyIDs[id] = struct{}{}
	}
	x.mu.Unlock()

	entries, err := x.deps.Meta.GetAllFilepaths(ctx)
	if err != nil {
		return err
	}

	known := make(map[uint64]struct{}, len(entries))
	var gone []uint64
	for _, e := range entries {
		known[e.ID] = struct{}{}
		if _, busy := busyPaths[e.Filepath]; busy {
			continue
		}
		if _, err := os.Lstat(e.Filepath); err == nil || !isGone(err) {
			if err != nil {
				x.logger.Warn("file_stat_failed",
					slog.String("path", e.Filepath),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err := thumbnail.Remove(e.ThumbnailPath); err != nil {
			x.logger.Warn("thumbnail_delete_failed",
				slog.String("path", e.ThumbnailPath),
				slog.String("error", err.Error()))
		}
		gone = append(gone, e.ID)
	}

	orphans := make([]uint64, 0)
	for _, id := range vecIDs {
		_, inMeta := known[id]
		_, busy := busyIDs[id]
		if !inMeta && !busy {
			orphans = append(orphans, id)
		}
	}

	if len(gone) == 0 && len(orphans) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(gone) > 0 {
		g.Go(func() error {
			_, err := x.deps.Meta.DeleteByID(gctx, gone...)
			return err
		})
	}
	g.Go(func() error {
		x.vecMu.Lock()
		defer x.vecMu.Unlock()
		if err := x.deps.Vectors.Remove(gctx, slices.Concat(gone, orphans)...); err != nil {
			return err
		}
		_, err := x.deps.Vectors.Save(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	x.obs.RecordsDeleted(len(gone))
	x.logger.Info("sweep_finished",
		slog.Int("deleted", len(gone)),
		slog.Int("orphan_vectors", len(orphans)))
	return nil
}
