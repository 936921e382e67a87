package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imgscout/imgscout/configs"
	"github.com/imgscout/imgscout/internal/config"
	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/output"
)

const ignoreTemplate = `# Global ignore patterns, applied below every crawl root.
# Same syntax as .gitignore. Per-directory files use crawl.ignore_file_name.
.git/
@eaDir/
.thumbnails/
`

func newInitCmd(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a data directory with a commented config.yaml",
		Long: `Create the data directory and write config.yaml and the global ignore
file. Existing files are kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(g.dataDir, force, output.New(cmd.OutOrStdout()))
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config.yaml and ignore file")

	return cmd
}

func runInit(dataDir string, force bool, out *output.Writer) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return scouterrors.New(scouterrors.ErrCodeDataDirUnavailable, "failed to create data directory", err).
			WithDetail("path", dataDir)
	}

	files := []struct {
		name    string
		content string
	}{
		{config.FileName, configs.ConfigTemplate},
		{"ignore", ignoreTemplate},
	}
	for _, f := range files {
		path := filepath.Join(dataDir, f.name)
		if _, err := os.Stat(path); err == nil && !force {
			out.Warningf("%s exists, kept (use --force to overwrite)", path)
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		out.Successf("Wrote %s", path)
	}

	out.Newline()
	out.Status("", "Next: set worker.command and crawl.roots, then run 'imgscout crawl'")
	return nil
}
