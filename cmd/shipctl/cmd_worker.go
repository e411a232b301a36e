package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/broadcast"
	"shopexpress/config"
	"shopexpress/mail"
	"shopexpress/outbox"
)

var scheduleInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Deliver queued emails and events and send scheduled broadcasts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, pool := current.cfg, current.logger, current.pool

		observer := audit.NewObserver(audit.NewRepository(pool))
		authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, observer)
		broadcastRepo := broadcast.NewRepository(pool)
		broadcastService := broadcast.NewService(pool, broadcastRepo, authService, outbox.NewWriter(), observer, logger)

		events, closeEvents := eventHandler(cfg, logger)
		defer closeEvents()

		router := outbox.NewRouter().
			Register("mail.", mail.NewHandler(mailSender(cfg, logger), authService, broadcastRepo, logger)).
			Register("event.", events)

		worker := outbox.NewWorker(pool, outbox.NewStore(), router, logger, outbox.WorkerOptions{
			Concurrency: cfg.WorkerConcurrency,
			BatchSize:   cfg.WorkerBatchSize,
			MaxAttempts: cfg.WorkerMaxAttempts,
			Interval:    cfg.WorkerInterval,
			Backoff:     cfg.WorkerBackoff,
		})

		logger.Info("worker started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Duration("schedule_interval", scheduleInterval))

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return worker.Run(ctx) })
		g.Go(func() error { return runSchedule(ctx, broadcastService, scheduleInterval, logger) })
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("worker stopped")
		return nil
	},
}

type dueSender interface {
	SendDue(ctx context.Context) (int, error)
}

// runSchedule sends due broadcasts on every tick until ctx ends. Failures
// are logged and retried on the next tick.
func runSchedule(ctx context.Context, svc dueSender, every time.Duration, logger *zap.Logger) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		n, err := svc.SendDue(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("send scheduled broadcasts", zap.Error(err))
		} else if n > 0 {
			logger.Info("scheduled broadcasts sent", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func mailSender(cfg config.Config, logger *zap.Logger) mail.Sender {
	if cfg.SMTP.Host == "" {
		logger.Warn("SMTP_HOST not set, emails are logged instead of sent")
		return mail.NewLogSender(logger)
	}
	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  30 * time.Second,
	})
}

// eventHandler publishes to Kafka when brokers are configured and logs
// otherwise.
func eventHandler(cfg config.Config, logger *zap.Logger) (outbox.Handler, func()) {
	if len(cfg.KafkaBrokers) == 0 {
		return outbox.NewLogPublisher(logger), func() {}
	}
	pub := outbox.NewKafkaPublisher(outbox.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger))
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close kafka writer", zap.Error(err))
		}
	}
}

func init() {
	workerCmd.Flags().DurationVar(&scheduleInterval, "schedule-interval", time.Minute, "how often scheduled broadcasts are checked")
	rootCmd.AddCommand(workerCmd)
}
