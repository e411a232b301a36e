package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/backup"
	"shopexpress/broadcast"
	"shopexpress/cache"
	"shopexpress/config"
	"shopexpress/consolidation"
	"shopexpress/db"
	"shopexpress/directory"
	"shopexpress/logging"
	"shopexpress/manifest"
	"shopexpress/metrics"
	"shopexpress/outbox"
	"shopexpress/parcel"
	"shopexpress/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	auditRepo := audit.NewRepository(pool)
	observer := audit.NewObserver(auditRepo)
	queue := outbox.NewWriter()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, observer)

	rateRepo := rate.NewRepository(pool)
	rateService := rate.NewService(pool, rateRepo, observer)

	var limiter loginLimiter
	var redisPing func(context.Context) error
	if cfg.RedisAddr != "" {
		rc := cache.New(cache.NewClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB))
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, continuing with fallbacks", zap.Error(err))
		}
		rateService.WithCache(rate.NewCachedSource(rateRepo, rc, 10*time.Minute, logger))
		limiter = newRedisLimiter(rc, cfg.LoginAttempts, cfg.LoginWindow)
		redisPing = rc.Ping
	} else {
		logger.Info("REDIS_ADDR not set, rate cache and login throttling disabled")
	}

	manifestService := manifest.NewService(pool, manifest.NewRepository(pool), observer, auditRepo)
	parcelRepo := parcel.NewRepository(pool)
	parcelService := parcel.NewService(pool, parcelRepo, manifestService, rateService, queue, observer)
	consolidationService := consolidation.NewService(pool, consolidation.NewRepository(pool),
		parcelRepo, parcelService, manifestService, queue, observer)
	parcelService.WithGroups(consolidationService)
	broadcastService := broadcast.NewService(pool, broadcast.NewRepository(pool), authService, queue, observer, logger)

	// The API only reports backup status; dumps run from shipctl.
	backupService := backup.NewService(backup.NewRepository(pool),
		backup.PGDump{Path: cfg.Backup.PGDumpPath, DatabaseURL: cfg.DatabaseURL}, nil,
		observer, pool, logger, backup.Options{Dir: cfg.Backup.Dir})

	server := &Server{
		authService:          authService,
		manifestService:      manifestService,
		packageService:       parcelService,
		consolidationService: consolidationService,
		rateService:          rateService,
		directoryService:     directory.NewService(pool, directory.NewRepository(pool), observer),
		broadcastService:     broadcastService,
		auditLogs:            auditRepo,
		auditExports:         audit.NewExporter(auditRepo, cfg.AuditExportDir),
		backups:              backupService,
		audit:                observer,
		limiter:              limiter,
		corsOrigins:          cfg.CORSOrigins,
		logger:               logger,
		readiness: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			if redisPing != nil {
				return redisPing(ctx)
			}
			return nil
		},
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
