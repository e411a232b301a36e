package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shopexpress/audit"
	"shopexpress/backup"
)

var (
	backupDatabase bool
	backupFiles    bool
	backupName     string
	cleanupDryRun  bool
	cleanupDays    int
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, prune and inspect backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up the database and uploaded files",
	Long: `Dumps the database with pg_dump and archives the configured file
directories. Without --database or --files both are created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := backupService().Create(cmd.Context(), backup.CreateOptions{
			Database: backupDatabase,
			Files:    backupFiles,
			Name:     backupName,
		})
		out := cmd.OutOrStdout()
		for _, b := range results {
			if b.Status == backup.StatusCompleted {
				fmt.Fprintf(out, "%s backup written to %s (%s)\n", b.Type, b.FilePath, backup.HumanSize(b.FileSize))
			} else if b.ID != "" {
				fmt.Fprintf(out, "%s backup failed: %s\n", b.Type, b.Error)
			}
		}
		return err
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups older than their retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}
		report, err := backupService().Cleanup(cmd.Context(), backup.CleanupOptions{
			RetentionDays: cleanupDays,
			DryRun:        cleanupDryRun,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), backup.RenderCleanup(report))
		return nil
	},
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest backups and overall health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := backupService().Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), backup.RenderStatus(report))
		return nil
	},
}

func backupService() *backup.Service {
	cfg := current.cfg.Backup
	var archiver backup.Archiver
	if len(cfg.FileDirs) > 0 {
		archiver = backup.DirArchiver{Dirs: cfg.FileDirs}
	}
	return backup.NewService(
		backup.NewRepository(current.pool),
		backup.PGDump{Path: cfg.PGDumpPath, DatabaseURL: current.cfg.DatabaseURL},
		archiver,
		audit.NewObserver(audit.NewRepository(current.pool)),
		current.pool,
		current.logger,
		backup.Options{
			Dir:                   cfg.Dir,
			DatabaseRetentionDays: cfg.DatabaseRetentionDays,
			FilesRetentionDays:    cfg.FilesRetentionDays,
		},
	)
}

func init() {
	backupCreateCmd.Flags().BoolVar(&backupDatabase, "database", false, "back up the database")
	backupCreateCmd.Flags().BoolVar(&backupFiles, "files", false, "back up uploaded files")
	backupCreateCmd.Flags().StringVar(&backupName, "name", "backup", "file name prefix")

	backupCleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "only report what would be deleted")
	backupCleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention in days for every backup type (0 keeps the configured defaults)")

	backupCmd.AddCommand(backupCreateCmd, backupCleanupCmd, backupStatusCmd)
	rootCmd.AddCommand(backupCmd)
}
