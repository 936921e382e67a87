package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/imgscout/imgscout/internal/logging"
	"github.com/imgscout/imgscout/internal/output"
)

func newLogsCmd(g *globals) *cobra.Command {
	var (
		follow    bool
		lines     int
		level     string
		component string
		filter    string
		noColor   bool
		file      string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or follow the log file",
		Long: `Show the last lines of the JSON log file in a readable form, or follow it.

Examples:
  imgscout logs -n 100
  imgscout logs -f --component worker
  imgscout logs --level warn --filter store`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := file
			if path == "" {
				path = logging.LogPath(g.dataDir)
				if g.cfg != nil && g.cfg.Log.File != "" {
					path = g.cfg.Log.File
				}
			}

			var pattern *regexp.Regexp
			if filter != "" {
				var err error
				if pattern, err = regexp.Compile(filter); err != nil {
					return fmt.Errorf("invalid filter pattern: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			v := logging.NewViewer(logging.ViewerConfig{
				Level:     level,
				Component: component,
				Pattern:   pattern,
				Color:     !noColor && output.IsTerminal(out),
			})
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Log file: %s\n", path)

			if !follow {
				entries, err := v.Tail(path, lines)
				if err != nil {
					return err
				}
				v.Print(out, entries)
				return nil
			}

			ctx := cmd.Context()
			entries := make(chan logging.Entry, 64)
			errCh := make(chan error, 1)
			go func() { errCh <- v.Follow(ctx, path, entries) }()
			for {
				select {
				case e := <-entries:
					_, _ = fmt.Fprintln(out, v.Format(e))
				case err := <-errCh:
					return err
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow new log entries")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&component, "component", "", "Only entries from one component (crawl, worker, server, ...)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only lines matching a regular expression")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors")
	cmd.Flags().StringVar(&file, "file", "", "Log file path (default from the data directory)")

	return cmd
}
