package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rentalpos/rentalpos/internal/app"
	jobmetrics "github.com/rentalpos/rentalpos/internal/jobs"
	"github.com/rentalpos/rentalpos/internal/observability"
	"github.com/rentalpos/rentalpos/internal/platform/cache"
	"github.com/rentalpos/rentalpos/internal/platform/db"
	"github.com/rentalpos/rentalpos/internal/shared"
	"github.com/rentalpos/rentalpos/internal/stock"
	"github.com/rentalpos/rentalpos/jobs"
)

const receiptKeyCleanupSpec = "30 4 * * *"

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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
		MaxConns:        cfg.PGMaxConns,
		MaxConnLifetime: cfg.PGMaxConnLifetime,
	})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	idempotency := shared.NewIdempotencyStore(pool)

	stockService := stock.NewService(
		stock.NewRepository(pool),
		shared.NewAuditLogger(pool),
		idempotency,
		stock.ServiceConfig{
			Logger:  logger,
			Cache:   stock.NewReportCache(redisClient, cfg.StockReportCacheTTL),
			Metrics: stock.NewMetrics(metrics.Registerer()),
		},
	)

	repairJob := jobs.NewRepairJob(stockService, logger, jobMetrics)
	cleanupJob := &jobs.ReceiptKeyCleanupJob{
		Store:      idempotency,
		DefaultTTL: cfg.StockReceiptKeyTTL,
		Logger:     logger,
		Metrics:    jobMetrics,
	}

	repairTask, err := jobs.NewRepairMismatchedTask(jobs.RepairMismatchedPayload{})
	if err != nil {
		logger.Error("build repair task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewReceiptKeyCleanupTask(cfg.StockReceiptKeyTTL)
	if err != nil {
		logger.Error("build receipt key cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockRepairMismatched, Handler: repairJob.HandleMismatched},
			{Type: jobs.TaskStockRepairProduct, Handler: repairJob.HandleProduct},
			{Type: jobs.TaskStockReceiptKeyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.StockRepairCron, Task: repairTask},
			{Spec: receiptKeyCleanupSpec, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
