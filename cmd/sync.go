package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/syncresult"
)

var (
	syncTenant  string
	syncAccount string
	syncScope   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local leads with amoCRM",
	Long:  "Reconciles every lead of a tenant, or only the leads of one scope when --scope is given. Scoped runs are sequential and do not record purchases.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "sync")
		if err != nil {
			return err
		}
		defer env.Close()

		var summary syncresult.Summary
		if syncScope != "" {
			summary = env.Syncer.SyncLeadsInScope(ctx, syncTenant, syncScope, syncAccount)
		} else {
			summary = env.Syncer.SyncAllLeads(ctx, syncTenant, syncAccount)
		}

		zap.L().Info("sync complete",
			zap.String("tenant_id", syncTenant),
			zap.Int("processed", summary.Processed),
			zap.Int("updated", summary.Updated),
			zap.Int("errors", summary.Errors),
		)

		if err := printJSON(os.Stdout, summary); err != nil {
			return err
		}
		if !summary.Success {
			return eris.Errorf("sync failed: %s", summary.Error)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "tenant id (required)")
	syncCmd.Flags().StringVar(&syncAccount, "account", "", "account id for account-level config and credentials")
	syncCmd.Flags().StringVar(&syncScope, "scope", "", "only reconcile leads of this scope")
	_ = syncCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(syncCmd)
}
