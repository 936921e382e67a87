package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
	"github.com/imgscout/imgscout/internal/preflight"
)

func newDoctorCmd(g *globals) *cobra.Command {
	var jsonOutput, verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the system and configuration before crawling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results := preflight.New(g.dataDir, g.cfg).RunAll(cmd.Context())

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"status": preflight.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				preflight.PrintResults(cmd.OutOrStdout(), results, verbose)
			}

			if preflight.HasCriticalFailures(results) {
				return scouterrors.New(scouterrors.ErrCodeConfigInvalid, "system check failed", nil).
					WithSuggestion("Fix the FAIL items above and run 'imgscout doctor' again")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for passing checks")

	return withConfig(cmd, false)
}
