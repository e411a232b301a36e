// Command shipctl runs maintenance tasks: migrations, backups, audit
// retention and the background worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/config"
	"shopexpress/db"
	"shopexpress/logging"
	"shopexpress/metrics"
)

// app is built once per invocation by the root PersistentPreRunE.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "shipctl",
	Short: "ShopExpress maintenance and background jobs",
	Long: `shipctl applies database migrations, creates and prunes backups,
purges old audit logs and runs the outbox worker.`,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrap,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current == nil {
			return
		}
		current.pool.Close()
		_ = current.logger.Sync()
	},
}

func bootstrap(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	metrics.Register()

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	current = &app{cfg: cfg, logger: logger.With(zap.String("command", cmd.CommandPath())), pool: pool}

	cmd.SetContext(audit.WithActor(cmd.Context(), audit.SystemActor(cmd.CommandPath())))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
