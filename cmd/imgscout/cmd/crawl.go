package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/imgscout/imgscout/internal/app"
	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/output"
	"github.com/imgscout/imgscout/internal/ui"
)

// defaultWorkerTimeout bounds the wait for the worker handshake; model
// loading can take a while on first use.
const defaultWorkerTimeout = 5 * time.Minute

// progressInterval is how often the indexer status is sampled for the
// progress display.
const progressInterval = 200 * time.Millisecond

func newCrawlCmd(g *globals) *cobra.Command {
	var (
		roots         []string
		workerTimeout time.Duration
		noTUI         bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one full crawl and exit",
		Long: `Crawl every root once: index new and changed files, then remove records
of files that no longer exist. The command waits until every queued file
has been embedded and stored before it exits.

Roots come from --root (repeatable) or crawl.roots in config.yaml.`,
		Example: `  imgscout crawl --root ~/Pictures
  imgscout crawl --datadir /srv/scout --root /mnt/photos --root /mnt/scans`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
				ui.WithForcePlain(noTUI),
				ui.WithInterrupt(cancel)))
			return runCrawl(ctx, g, roots, workerTimeout, renderer, output.New(cmd.OutOrStdout()))
		},
	}

	cmd.Flags().StringArrayVar(&roots, "root", nil, "Directory to crawl (repeatable, overrides crawl.roots)")
	cmd.Flags().DurationVar(&workerTimeout, "worker-timeout", defaultWorkerTimeout, "How long to wait for the embedding worker to start")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Print plain progress lines instead of the interactive view")

	return withConfig(cmd, false)
}

func runCrawl(ctx context.Context, g *globals, roots []string, workerTimeout time.Duration, renderer ui.Renderer, out *output.Writer) (err error) {
	a, err := app.Open(ctx, g.dataDir, g.cfg, app.Options{
		Roots:        roots,
		Logger:       g.logger,
		WorkerStderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := a.WaitWorker(ctx, workerTimeout); err != nil {
		return err
	}

	if err := renderer.Start(ctx); err != nil {
		g.logger.Warn("progress_renderer_failed", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	var crawling atomic.Bool
	crawling.Store(true)
	pollCtx, stopPoll := context.WithCancel(ctx)
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		ui.Poll(pollCtx, progressInterval, func() ui.ProgressEvent {
			return ui.FromStatus(a.Indexer.Status(), crawling.Load())
		}, renderer)
	}()
	stopProgress := func() {
		stopPoll()
		<-polled
	}

	start := time.Now()
	if err := a.Crawl(ctx); err != nil {
		stopProgress()
		return err
	}
	crawling.Store(false)
	if err := a.Indexer.Drain(ctx); err != nil {
		stopProgress()
		return err
	}
	stopProgress()

	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	took := time.Since(start).Round(time.Millisecond)
	renderer.Complete(ui.CompletionStats{
		Walked:    int(st.Crawl.Walked),
		Unchanged: int(st.Crawl.Skipped),
		Indexed:   int(st.Crawl.Queued),
		Duration:  took,
		Errored:   st.Crawl.Errored,
	})
	_ = renderer.Stop()

	if st.Crawl.Errored {
		return scouterrors.New(scouterrors.ErrCodeStoreFailed, "crawl finished with a store error", errors.New(st.Crawl.LastError)).
			WithSuggestion("Check free disk space and the log file in the data directory")
	}

	g.logger.Info("crawl_command_finished",
		slog.Duration("took", took),
		slog.Int("records", st.Records))

	out.Field("records", st.Records)
	out.Field("vectors", st.Vectors.Entries)
	return nil
}
