package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/rentalpos/rentalpos/cmd/rentalpos/cli"
	"github.com/rentalpos/rentalpos/internal/app"
	"github.com/rentalpos/rentalpos/internal/observability"
	"github.com/rentalpos/rentalpos/internal/platform/cache"
	"github.com/rentalpos/rentalpos/internal/platform/db"
	"github.com/rentalpos/rentalpos/internal/shared"
	"github.com/rentalpos/rentalpos/internal/stock"
	"github.com/rentalpos/rentalpos/jobs"
)

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

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

	if len(os.Args) > 1 {
		os.Exit(runCommand(ctx, cfg, logger, os.Args[1:]))
	}
	if err := serve(ctx, stop, cfg, logger); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	switch args[0] {
	case "migrate":
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			return 1
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			return 1
		}
		logger.Info("schema applied")
		return 0
	case "enqueue-repair", "queue-stats":
		helper := cli.NewStockCLI(cfg.RedisAddr)
		defer func() {
			if err := helper.Close(); err != nil {
				logger.Warn("stock cli close", slog.Any("error", err))
			}
		}()
		if args[0] == "queue-stats" {
			stats, err := helper.InspectQueues()
			if err != nil {
				logger.Error("inspect queues", slog.Any("error", err))
				return 1
			}
			if err := cli.WriteQueueStats(os.Stdout, stats); err != nil {
				return 1
			}
			return 0
		}
		target := "all"
		if len(args) > 1 {
			target = args[1]
		}
		info, err := helper.TriggerRepair(ctx, target, 0)
		if err != nil {
			logger.Error("enqueue repair", slog.String("target", target), slog.Any("error", err))
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s (%s) on %s\n", info.ID, info.Type, info.Queue)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q (want migrate, enqueue-repair [all|type:id], queue-stats)\n", args[0])
	return 2
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
		MaxConns:        cfg.PGMaxConns,
		MaxConnLifetime: cfg.PGMaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if app.ShouldMigrate(cfg) {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	stockService := stock.NewService(
		stock.NewRepository(pool),
		shared.NewAuditLogger(pool),
		shared.NewIdempotencyStore(pool),
		stock.ServiceConfig{
			Logger:  logger,
			Cache:   stock.NewReportCache(redisClient, cfg.StockReportCacheTTL),
			Metrics: stock.NewMetrics(metrics.Registerer()),
		},
	)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		StockHandler: stock.NewHandler(logger, stockService, jobClient),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
		Readiness: map[string]app.Pinger{
			"postgres": pool,
			"redis":    redisPinger{client: redisClient},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
