package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/imgscout/imgscout/internal/crawl"
)

// FromStatus maps an indexer snapshot to a progress event. crawling is
// true until Indexer.Crawl has returned; after that the remaining work is
// the drain of queued files.
func FromStatus(st crawl.Status, crawling bool) ProgressEvent {
	if crawling {
		if st.Phase == crawl.PhaseSweeping {
			return ProgressEvent{
				Stage:   StageSweeping,
				Message: "removing records of deleted files",
			}
		}
		return ProgressEvent{
			Stage:   StageWalking,
			Current: int(st.Walked),
			Message: fmt.Sprintf("%d queued, %d unchanged", st.Queued, st.Skipped),
		}
	}

	queued := int(st.Queued)
	done := max(queued-st.InFlight, 0)
	switch {
	case st.Pending > 0:
		return ProgressEvent{
			Stage:   StageEmbedding,
			Current: done,
			Total:   queued,
			Message: fmt.Sprintf("%d waiting for the worker", st.Pending),
		}
	case st.InFlight > 0:
		return ProgressEvent{
			Stage:   StageFinalizing,
			Current: done,
			Total:   queued,
			Message: fmt.Sprintf("%d in flight", st.InFlight),
		}
	default:
		return ProgressEvent{Stage: StageFinalizing, Current: queued, Total: queued}
	}
}

// Poll calls snapshot every interval and passes the result to r until ctx
// is done.
func Poll(ctx context.Context, interval time.Duration, snapshot func() ProgressEvent, r Renderer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.UpdateProgress(snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.UpdateProgress(snapshot())
		}
	}
}
