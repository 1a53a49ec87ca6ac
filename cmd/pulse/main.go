package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"pulse/internal/alert"
	"pulse/internal/api"
	"pulse/internal/checker"
	"pulse/internal/config"
	"pulse/internal/logging"
	"pulse/internal/notify"
	"pulse/internal/probe"
	"pulse/internal/recurrence"
	"pulse/internal/scheduler"
	"pulse/internal/seed"
	"pulse/internal/storage"
	"pulse/internal/storage/postgres"
	"pulse/internal/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Canceled on SIGINT or SIGTERM; the foundation for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Seed.File != "" {
		if _, err := seed.NewLoader(store, cfg.Probe.Rules(), logger).LoadFile(ctx, cfg.Seed.File); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	notifier, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	tracker := alert.NewTracker(cfg.Alert.FailuresBeforeAlert)
	prober := probe.New(probe.Options{UserAgent: cfg.Probe.UserAgent, MaxBodyBytes: cfg.Probe.MaxBodyBytes})
	health := checker.New(store, prober, tracker, notifier, logger,
		checker.WithConcurrency(cfg.Scheduler.MaxConcurrency),
		checker.WithPerHostLimit(cfg.Probe.PerHostLimit),
		checker.WithNotifyTimeout(cfg.SMTP.Timeout))
	recur := recurrence.NewProcessor(store, logger)
	retention := checker.NewRetention(store, cfg.Retention.CheckDays, logger)

	coordinators := []*scheduler.Coordinator{
		scheduler.New("health-checks", cfg.Scheduler.HealthInterval(), health.Run, logger),
		scheduler.New("recurrence", cfg.Scheduler.RecurrenceInterval, recur.Run, logger),
		scheduler.New("retention", cfg.Scheduler.RetentionInterval, retention.Run, logger),
	}
	statuses := make([]scheduler.StatusReporter, len(coordinators))
	for i, c := range coordinators {
		statuses[i] = c
	}

	server := api.NewServer(api.Config{
		Port:       cfg.Server.Port,
		Mode:       cfg.Server.Mode,
		CronSecret: cfg.Security.CronSecret,
	}, api.Deps{
		Store:      store,
		Rules:      cfg.Probe.Rules(),
		Health:     coordinators[0],
		Recurrence: coordinators[1],
		Statuses:   statuses,
		Alerts:     tracker,
		Logger:     logger,
	})
	if cfg.Security.CronSecret == "" {
		logger.Warn("CRON_SECRET is not set; trigger endpoints are unauthenticated")
	}

	for _, c := range coordinators {
		c.Start()
	}
	serverErr := server.Start()
	logger.Info("application is running")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, starting graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
	defer shutdownCancel()

	// Stop accepting triggers before draining the pipelines.
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		for _, c := range coordinators {
			c.Stop()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		errs = append(errs, errors.New("pipelines did not drain before the shutdown grace elapsed"))
	}

	if len(errs) == 0 {
		logger.Info("application shut down gracefully")
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storer, error) {
	switch cfg.Driver {
	case "postgres":
		logger.Info("initializing postgres connection pool")
		s, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		return s, nil
	default:
		logger.Info("initializing sqlite database", zap.String("path", cfg.URL))
		if cfg.URL != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.URL), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
		}
		return s, nil
	}
}

// buildNotifier fans alerts out to every configured channel, falling back to
// log-only delivery.
func buildNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, func()) {
	var (
		out     notify.Multi
		closers []func()
	)
	if cfg.SMTP.Enabled() {
		out = append(out, notify.NewSMTP(cfg.SMTP.Notifier()))
		logger.Info("email alerts enabled", zap.String("smtp_host", cfg.SMTP.Host))
	}
	if cfg.Redis.Enabled() {
		client := notify.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		out = append(out, notify.NewRedis(client, cfg.Redis.Channel))
		closers = append(closers, func() { _ = client.Close() })
		logger.Info("redis alert events enabled", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(out) == 0 {
		logger.Warn("no alert channel configured; transitions are only logged")
		return notify.NewLog(logger), closeAll
	}
	return append(out, notify.NewLog(logger)), closeAll
}
