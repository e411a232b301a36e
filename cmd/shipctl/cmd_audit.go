package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shopexpress/audit"
)

var (
	purgeDays   int
	purgeDryRun bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log maintenance",
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit entries older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days := purgeDays
		if days == 0 {
			days = current.cfg.AuditRetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention must be positive, got %d days", days)
		}
		cutoff := time.Now().AddDate(0, 0, -days)

		repo := audit.NewRepository(current.pool)
		n, err := repo.Purge(cmd.Context(), cutoff, purgeDryRun)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if purgeDryRun {
			fmt.Fprintf(out, "%d audit entries older than %s would be deleted\n", n, cutoff.Format(time.DateOnly))
			return nil
		}
		fmt.Fprintf(out, "deleted %d audit entries older than %s\n", n, cutoff.Format(time.DateOnly))

		err = audit.NewObserver(repo).Record(cmd.Context(), current.pool, audit.Entry{
			EventType: audit.EventSystem,
			Action:    "audit_purge",
			AdditionalData: map[string]any{
				"deleted":        n,
				"retention_days": days,
			},
		})
		if err != nil {
			current.logger.Warn("audit purge record", zap.Error(err))
		}
		return nil
	},
}

func init() {
	auditPurgeCmd.Flags().IntVar(&purgeDays, "days", 0, "retention in days (defaults to AUDIT_RETENTION_DAYS)")
	auditPurgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "only count matching entries")
	auditCmd.AddCommand(auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}
