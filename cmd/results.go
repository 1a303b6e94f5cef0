package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/metadata-extractor/internal/store"
)

var resultsFlags struct {
	preset    string
	succeeded bool
	failed    bool
	limit     int
	offset    int
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect stored extraction results",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored results, most recently updated first",
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

		filter := store.ResultFilter{
			Preset: resultsFlags.preset,
			Limit:  resultsFlags.limit,
			Offset: resultsFlags.offset,
		}
		switch {
		case resultsFlags.succeeded && resultsFlags.failed:
			return eris.New("--succeeded and --failed are mutually exclusive")
		case resultsFlags.succeeded:
			t := true
			filter.Success = &t
		case resultsFlags.failed:
			f := false
			filter.Success = &f
		}

		rows, err := st.ListResults(ctx, filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTIFIER\tPRESET\tSUCCESS\tATTEMPTS\tUPDATED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n",
				r.Identifier, r.Preset, r.Success, r.Attempts, r.UpdatedAt.Format(time.DateTime))
		}
		return w.Flush()
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <identifier>",
	Short: "Show one result and its attempt history",
	Args:  cobra.ExactArgs(1),
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

		row, err := st.GetResult(ctx, args[0])
		if err != nil {
			return err
		}
		attempts, err := st.ListAttempts(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(row); err != nil {
			return err
		}

		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tPRESET\tOUTCOME\tKIND\tCORRELATION ID")
		for _, a := range attempts {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.Index, a.Preset, a.Outcome, a.ErrorKind, a.CorrelationID)
		}
		return w.Flush()
	},
}

func init() {
	f := resultsListCmd.Flags()
	f.StringVar(&resultsFlags.preset, "preset", "", "only results whose final preset matches")
	f.BoolVar(&resultsFlags.succeeded, "succeeded", false, "only successful results")
	f.BoolVar(&resultsFlags.failed, "failed", false, "only exhausted results")
	f.IntVar(&resultsFlags.limit, "limit", 50, "maximum rows")
	f.IntVar(&resultsFlags.offset, "offset", 0, "rows to skip")

	resultsCmd.AddCommand(resultsListCmd, resultsShowCmd)
	rootCmd.AddCommand(resultsCmd)
}
