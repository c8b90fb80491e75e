package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/audit"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync and requalify runs from the audit log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		entries, err := audit.NewLog(st).Recent(ctx, tenant, limit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if asJSON {
			return printJSON(os.Stdout, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRuns(os.Stdout, entries)
		return nil
	},
}

func formatRuns(out io.Writer, entries []audit.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tKIND\tSTATUS\tDRY\tPROCESSED\tUPDATED\tERRORS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t---\t---------\t-------\t------\t-------\t--------")

	for _, e := range entries {
		dur := e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		dry := ""
		if e.DryRun {
			dry = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(e.RunID),
			e.Kind,
			e.Status,
			dry,
			e.Summary.Processed,
			e.Summary.Updated,
			e.Summary.Errors,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	runsCmd.Flags().String("tenant", "", "tenant id (required)")
	runsCmd.Flags().Int("limit", 20, "max runs to show")
	runsCmd.Flags().Bool("json", false, "print entries as JSON")
	_ = runsCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(runsCmd)
}
