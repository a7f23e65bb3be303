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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/crewbase/crewbase/internal/app"
	jobmetrics "github.com/crewbase/crewbase/internal/jobs"
	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/turnover"
	"github.com/crewbase/crewbase/internal/observability"
	"github.com/crewbase/crewbase/internal/platform/cache"
	"github.com/crewbase/crewbase/internal/platform/db"
	"github.com/crewbase/crewbase/jobs"
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

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	accountRepo := accounts.NewRepository(pool)
	turnoverService := turnover.NewService(cache.NewKV(redisClient), turnover.NewRepository(pool), cfg.TurnoverCacheTTL, metrics, logger)

	warmupJob := jobs.NewTurnoverWarmupJob(turnoverService, accountRepo, logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(pool, logger, jobMetrics)

	warmupTask, err := jobs.NewTurnoverWarmupTask(jobs.TurnoverWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTurnoverWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()
	// Prime the turnover cache and run an integrity sweep right away instead
	// of waiting out the first cron ticks.
	if _, err := client.EnqueueTurnoverWarmup(ctx, jobs.TurnoverWarmupPayload{}); err != nil {
		logger.Warn("enqueue initial warmup", slog.Any("error", err))
	}
	if _, err := client.EnqueueLedgerIntegrity(ctx, jobs.LedgerIntegrityPayload{}); err != nil {
		logger.Warn("enqueue initial integrity scan", slog.Any("error", err))
	}

	opsServer := newOpsServer(cfg.OpsAddr, cfg.RedisAddr, metrics, logger)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// newOpsServer exposes queue health and Prometheus metrics on a side port.
func newOpsServer(addr, redisAddr string, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	handler := jobs.NewHandler(inspector, logger)

	r := chi.NewRouter()
	handler.MountRoutes(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
