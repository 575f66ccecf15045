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
	"golang.org/x/sync/errgroup"

	"github.com/buildingops/buildingops/internal/app"
	"github.com/buildingops/buildingops/internal/observability"
	"github.com/buildingops/buildingops/internal/platform/db"
	"github.com/buildingops/buildingops/internal/users"
	"github.com/buildingops/buildingops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.LoadDotEnv(); err != nil {
		slog.Default().Error("load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: int32(cfg.WorkerConcurrency) + 1})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	repo := users.NewRepository(pool)
	notifications := jobs.NewNotificationHandler(repo, metrics.Jobs(), logger)
	digest := jobs.NewApprovalDigestHandler(repo, metrics.Jobs(), logger)

	var cron []jobs.CronRegistration
	if cfg.ApprovalDigestCron != "" {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.ApprovalDigestCron, Task: jobs.NewApprovalDigestTask()})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAccountNotify, Handler: notifications},
			{Type: jobs.TaskApprovalDigest, Handler: digest},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	if cfg.WorkerMetricsAddr != "" {
		g.Go(func() error {
			return app.Serve(gctx, &http.Server{
				Addr:              cfg.WorkerMetricsAddr,
				Handler:           metrics.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}, logger)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
