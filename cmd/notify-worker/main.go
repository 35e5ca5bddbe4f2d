package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"google.golang.org/api/option"

	"scadenze/internal/config"
	"scadenze/internal/log"
	"scadenze/internal/push"
	"scadenze/internal/push/fcm"
	"scadenze/internal/services"
	"scadenze/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{
		Level:     slog.LevelInfo,
		Component: log.ComponentWorker,
	})
	log.SetDefault(logger)

	logger.Info("Starting notify-worker", log.FieldOperation, log.OpStartup)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := buildSender(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize push transport", log.FieldError, err)
		os.Exit(1)
	}

	aggregator := services.NewDueAggregator(repo, repo)
	dispatcher := services.NewDispatcher(sender, repo, repo, services.DispatcherConfig{
		BatchSize: cfg.NotifyBatchSize,
	})
	pass := services.NewNotificationPass(aggregator, dispatcher, cfg.NotifyWindow)

	runPass := func() {
		runCtx, runCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer runCancel()
		sent, err := pass.Run(runCtx, time.Now())
		if err != nil {
			logger.Error("Due-notification pass failed", log.FieldError, err)
			return
		}
		logger.Info("Due-notification pass complete", "notifications_sent", sent)
	}

	logger.Info("Due-notification pass configured",
		"cron", cfg.NotifyCron,
		"window", cfg.NotifyWindow,
		"batch_size", cfg.NotifyBatchSize,
		"sqlite_db", cfg.SQLiteDBPath)

	// Run once on startup, then on the configured cadence.
	logger.Info("Running initial due-notification pass...")
	runPass()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.NotifyCron, runPass); err != nil {
		logger.Error("Failed to schedule due-notification pass", log.FieldError, err, "cron", cfg.NotifyCron)
		os.Exit(1)
	}
	scheduler.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down notify-worker", log.FieldOperation, log.OpShutdown)
	cancel()

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("Notify-worker shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached")
	}
}

func buildSender(ctx context.Context, cfg *config.Config) (push.Sender, error) {
	if cfg.FCMProjectID == "" {
		slog.Info("FCM disabled - notifications will be logged only")
		return push.LogSender{}, nil
	}

	var opts []option.ClientOption
	if cfg.FCMCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FCMCredentialsFile))
	}
	sender, err := fcm.New(ctx, cfg.FCMProjectID, cfg.FCMSendRate, opts...)
	if err != nil {
		return nil, err
	}
	slog.Info("FCM push transport initialized", "project", cfg.FCMProjectID)
	return sender, nil
}
