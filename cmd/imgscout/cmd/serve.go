package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imgscout/imgscout/internal/app"
	"github.com/imgscout/imgscout/internal/server"
)

type serveOptions struct {
	port         int
	bind         string
	watch        bool
	crawlOnStart bool
}

func newServeCmd(g *globals) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP status server and optional re-crawl watcher",
		Long: `Serve health, status, crawl-trigger and prometheus endpoints:

  GET  /health       liveness
  GET  /api/status   pipeline, worker and index state
  POST /api/crawl    start a crawl (409 while one is running)
  GET  /metrics      prometheus metrics

With --watch, filesystem changes under the roots trigger a crawl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("port") {
				opts.port = g.cfg.Server.Port
			}
			if !cmd.Flags().Changed("bind") {
				opts.bind = g.cfg.Server.Bind
			}
			return runServe(cmd.Context(), g, opts)
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 3485, "Port to listen on (default from server.port)")
	cmd.Flags().StringVar(&opts.bind, "bind", "::1", "Address to bind (default from server.bind)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Re-crawl when files under the roots change")
	cmd.Flags().BoolVar(&opts.crawlOnStart, "crawl-on-start", false, "Start a crawl once the worker is ready")

	return withConfig(cmd, true)
}

func runServe(ctx context.Context, g *globals, opts serveOptions) (err error) {
	a, err := app.Open(ctx, g.dataDir, g.cfg, app.Options{
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

	srv := server.New(a, server.Options{
		Gatherer: a.Registry,
		Metrics:  a.Metrics,
		Logger:   g.logger,
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.ListenAndServe(ctx, net.JoinHostPort(opts.bind, strconv.Itoa(opts.port)))
	})
	if opts.watch {
		eg.Go(func() error {
			return a.Watch(ctx, g.cfg.WatchDebounceDuration())
		})
	}
	if opts.crawlOnStart {
		eg.Go(func() error {
			if err := a.WaitWorker(ctx, 0); err != nil {
				if ctx.Err() == nil {
					g.logger.Error("startup_crawl_skipped", slog.String("error", err.Error()))
				}
				return nil
			}
			if err := a.CrawlWhenIdle(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error("startup_crawl_failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	return eg.Wait()
}
