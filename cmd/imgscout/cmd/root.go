// Package cmd provides the CLI commands for imgscout.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imgscout/imgscout/internal/config"
	"github.com/imgscout/imgscout/internal/logging"
	"github.com/imgscout/imgscout/internal/output"
	"github.com/imgscout/imgscout/internal/profiling"
	"github.com/imgscout/imgscout/pkg/version"
)

// Command annotations read by the root hooks.
const (
	annotationConfig     = "imgscout.config"
	annotationStderrLogs = "imgscout.stderr_logs"
)

// globals carries the persistent flags and what the root hooks set up.
type globals struct {
	dataDir  string
	logLevel string
	debug    bool
	profile  profiling.Options

	cfg        *config.Config
	logger     *slog.Logger
	logCleanup func()
	prevLogger *slog.Logger
	profiler   *profiling.Session
}

// DefaultDataDir is $IMGSCOUT_DATADIR, else ~/.imgscout.
func DefaultDataDir() string {
	if dir := os.Getenv("IMGSCOUT_DATADIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".imgscout"
	}
	return filepath.Join(home, ".imgscout")
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *globals) {
	g := &globals{logger: slog.Default()}

	cmd := &cobra.Command{
		Use:   "imgscout",
		Short: "Crawl local media into a searchable vector and metadata index",
		Long: `imgscout walks directories of images and other media, extracts their
metadata, generates thumbnails and stores CLIP embeddings computed by an
external worker process.

Run 'imgscout init' once, then 'imgscout crawl --root DIR' or
'imgscout serve --watch' to keep the index current.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("imgscout version {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.dataDir, "datadir", DefaultDataDir(), "Data directory holding the index, thumbnails and config.yaml")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logging, also to stderr")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	pf.StringVar(&g.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	pf.StringVar(&g.profile.Mem, "profile-mem", "", "Write memory profile to file")
	pf.StringVar(&g.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = g.setup
	cmd.PersistentPostRunE = g.teardown

	cmd.AddCommand(newCrawlCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newInitCmd(g))
	cmd.AddCommand(newDoctorCmd(g))
	cmd.AddCommand(newLogsCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd, g
}

// setup loads the configuration for commands that need one, then starts
// logging and profiling.
func (g *globals) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[annotationConfig] != "true" {
		return g.startProfiling()
	}

	cfg, err := config.Load(g.dataDir)
	if err != nil {
		return err
	}
	g.cfg = cfg

	logCfg := logging.DefaultConfig(g.dataDir)
	logCfg.Level = cfg.Log.Level
	if cfg.Log.File != "" {
		logCfg.FilePath = cfg.Log.File
	}
	if cfg.Log.MaxSizeMB > 0 {
		logCfg.MaxSizeMB = cfg.Log.MaxSizeMB
	}
	if cfg.Log.MaxFiles > 0 {
		logCfg.MaxFiles = cfg.Log.MaxFiles
	}
	if g.logLevel != "" {
		logCfg.Level = g.logLevel
	}
	if g.debug {
		logCfg.Level = "debug"
	}
	logCfg.WriteToStderr = g.debug || cmd.Annotations[annotationStderrLogs] == "true"

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	g.logger = logger
	g.logCleanup = cleanup
	g.prevLogger = slog.Default()
	slog.SetDefault(logger)
	logger.Debug("logging_started",
		slog.String("command", cmd.Name()),
		slog.String("log_file", logCfg.FilePath),
		slog.String("version", version.Short()))

	return g.startProfiling()
}

func (g *globals) startProfiling() error {
	if !g.profile.Enabled() {
		return nil
	}
	s, err := profiling.Start(g.profile)
	if err != nil {
		return err
	}
	g.profiler = s
	return nil
}

// teardown stops profiling and flushes the log file. It also runs from
// Execute when a command fails, since cobra skips post-run hooks then.
func (g *globals) teardown(*cobra.Command, []string) error {
	var err error
	if g.profiler != nil {
		err = g.profiler.Stop()
		g.profiler = nil
	}
	if g.logCleanup != nil {
		slog.SetDefault(g.prevLogger)
		g.logCleanup()
		g.logCleanup = nil
	}
	return err
}

// Execute runs the root command and prints a failure to stderr.
func Execute(ctx context.Context) error {
	root, g := newRoot()
	err := root.ExecuteContext(ctx)
	_ = g.teardown(root, nil)
	if err != nil {
		output.New(os.Stderr).Err(err)
	}
	return err
}

// withConfig marks cmd as needing the data directory configuration.
func withConfig(cmd *cobra.Command, stderrLogs bool) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[annotationConfig] = "true"
	if stderrLogs {
		cmd.Annotations[annotationStderrLogs] = "true"
	}
	return cmd
}
