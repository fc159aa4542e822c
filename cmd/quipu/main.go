package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quipu-pos/quipu/internal/app"
	"github.com/quipu-pos/quipu/internal/bridge"
	"github.com/quipu-pos/quipu/internal/fiscal/authority"
	"github.com/quipu-pos/quipu/internal/fiscal/document"
	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
	"github.com/quipu-pos/quipu/internal/fiscal/signer"
	"github.com/quipu-pos/quipu/internal/fiscal/submission"
	"github.com/quipu-pos/quipu/internal/observability"
	"github.com/quipu-pos/quipu/internal/platform/cache"
	"github.com/quipu-pos/quipu/internal/platform/db"
	"github.com/quipu-pos/quipu/internal/stock"
	"github.com/quipu-pos/quipu/internal/synclog"
	"github.com/quipu-pos/quipu/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

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

	metrics := observability.NewMetrics()
	logStore := synclog.NewRepository(dbpool)
	invoiceRepo := invoice.NewRepository(dbpool)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect job queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	engine := submission.NewEngine(invoiceRepo, signingKey, authorityClient, logStore, jobsClient, jobsClient, submission.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}, logger)
	engine.SetMetrics(metrics)

	issuer := document.Issuer{
		RUC:             cfg.TaxpayerRUC,
		LegalName:       cfg.TaxpayerName,
		TradeName:       cfg.TradeName,
		HeadOffice:      cfg.HeadOfficeDir,
		Establishment:   cfg.Establishment,
		EmissionPoint:   cfg.EmissionPoint,
		Environment:     cfg.FiscalEnvironment,
		KeepsAccounting: cfg.KeepsAccounting,
	}
	invoiceService := invoice.NewService(invoiceRepo, engine, issuer, logger)
	invoiceHandler := invoice.NewHandler(logger, invoiceService, logStore)

	stockRepo := stock.NewRepository(dbpool)
	stockService := stock.NewService(stockRepo, logger)

	sessions := bridge.NewSessionManager(redisClient, cfg.BridgeSessionTTL)
	scanQueue := bridge.NewScanQueue(redisClient)
	bridgeHandler := bridge.NewHandler(logger, sessions, stockService, scanQueue, logStore, cfg.BridgeRateLimit)
	bridgeHandler.SetGauge(metrics)
	bridgeOperator := bridge.NewOperatorHandler(logger, sessions, scanQueue, cfg.BridgeAddr)
	bridgeOperator.SetGauge(metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHealth := jobs.NewHealthHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		InvoiceHandler:  invoiceHandler,
		BridgeOperator:  bridgeOperator,
		JobsHealth:      jobsHealth,
		Metrics:         metrics,
		Pool:            dbpool,
		Redis:           redisClient,
		AuthorityOnline: authorityClient.CheckConnectivity,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	bridgeServer := &http.Server{
		Addr:         cfg.BridgeAddr,
		Handler:      metrics.BridgeMiddleware(bridgeHandler.Router()),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		logger.Info("starting bridge server", slog.String("addr", cfg.BridgeAddr))
		if err := bridgeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("bridge server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if err := bridgeServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge graceful shutdown", slog.Any("error", err))
	}
}
