package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/quipu-pos/quipu/internal/app"
	"github.com/quipu-pos/quipu/internal/fiscal/authority"
	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
	"github.com/quipu-pos/quipu/internal/fiscal/signer"
	"github.com/quipu-pos/quipu/internal/fiscal/submission"
	"github.com/quipu-pos/quipu/internal/platform/db"
	"github.com/quipu-pos/quipu/internal/synclog"
	"github.com/quipu-pos/quipu/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	signingKey, err := signer.Open(cfg.P12Path, cfg.P12Passphrase)
	if err != nil {
		logger.Error("open signing container", slog.Any("error", err))
		os.Exit(1)
	}

	authorityClient := authority.NewClient(authority.Config{
		ReceptionURL:     cfg.ReceptionURL,
		AuthorizationURL: cfg.AuthorizationURL,
		Timeout:          cfg.AuthorityTimeout,
	})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("connect job queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	logStore := synclog.NewRepository(pool)
	invoiceRepo := invoice.NewRepository(pool)
	engine := submission.NewEngine(invoiceRepo, signingKey, authorityClient, logStore, jobsClient, jobsClient, submission.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}, logger)

	notifier := jobs.NewLogNotifier(invoiceRepo, logger)
	handlers := jobs.NewHandlers(engine, notifier, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers:  handlers,
		Cron:      jobs.DefaultCron(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
