package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/requalify"
)

var requalifyCmd = &cobra.Command{
	Use:   "requalify",
	Short: "Re-evaluate lead qualification in throttled batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tenant, _ := cmd.Flags().GetString("tenant")
		account, _ := cmd.Flags().GetString("account")
		opts, err := requalifyOptions(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "requalify")
		if err != nil {
			return err
		}
		defer env.Close()

		result := env.Requalify.RequalifyLeads(ctx, tenant, account, opts)
		if err := printJSON(os.Stdout, result); err != nil {
			return err
		}
		if !result.Success {
			return eris.Errorf("requalify failed: %s", result.Error)
		}
		return nil
	},
}

func requalifyOptions(cmd *cobra.Command) (requalify.Options, error) {
	batch, _ := cmd.Flags().GetInt("batch-size")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")

	start, err := parseDate(since)
	if err != nil {
		return requalify.Options{}, eris.Wrap(err, "--since")
	}
	end, err := parseDate(until)
	if err != nil {
		return requalify.Options{}, eris.Wrap(err, "--until")
	}
	if start != nil && end != nil && !end.After(*start) {
		return requalify.Options{}, eris.New("--until must be after --since")
	}

	return requalify.Options{
		BatchSize: batch,
		DryRun:    dryRun,
		StartDate: start,
		EndDate:   end,
	}, nil
}

func addRequalifyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("tenant", "", "tenant id (required)")
	f.String("account", "", "account id for account-level config and credentials")
	f.Int("batch-size", 0, "leads per page (default from config)")
	f.Bool("dry-run", false, "evaluate and count without writing")
	f.String("since", "", "only leads created on or after this date (YYYY-MM-DD)")
	f.String("until", "", "only leads created before this date (YYYY-MM-DD)")
}

func init() {
	addRequalifyFlags(requalifyCmd)
	_ = requalifyCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(requalifyCmd)
}
