package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/metadata-extractor/internal/model"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats [preset]",
	Short: "Show success, failure and retry-error counters per preset",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var stats []model.PresetStats
		if len(args) == 1 {
			s, err := st.GetPresetStats(ctx, args[0])
			if err != nil {
				return err
			}
			stats = []model.PresetStats{*s}
		} else if stats, err = st.ListPresetStats(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PRESET\tSUCCESS\tFAILURE\tRETRY ERRORS")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Preset, s.SuccessCount, s.FailureCount, s.RetryErrorCount)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print counters as JSON")
	rootCmd.AddCommand(statsCmd)
}
