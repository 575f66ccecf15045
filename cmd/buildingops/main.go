package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/buildingops/buildingops/internal/app"
	"github.com/buildingops/buildingops/internal/audit"
	audithttp "github.com/buildingops/buildingops/internal/audit/http"
	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/observability"
	"github.com/buildingops/buildingops/internal/platform/cache"
	"github.com/buildingops/buildingops/internal/platform/db"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
	"github.com/buildingops/buildingops/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{})
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

	tokens, err := token.NewManager(cfg.TokenConfig())
	if err != nil {
		logger.Error("init token manager", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("token manager ready", slog.Duration("ttl", tokens.TTL()), slog.Duration("refresh_grace", cfg.TokenRefreshGrace))
	denylist := token.NewDenylist(redisClient)

	jobClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() { _ = inspector.Close() }()

	metrics := observability.NewMetrics()

	userService := users.NewService(users.NewRepository(dbpool), cfg.BcryptCost)
	rbacService := rbac.NewService(rbac.NewRepository(dbpool))
	gate := auth.NewGate(tokens, userService, denylist, metrics, logger)
	authService := auth.NewService(userService, rbacService, auth.NewStore(dbpool), tokens, denylist, jobClient, logger, auth.Options{
		DefaultRole:  cfg.DefaultRole,
		RefreshGrace: cfg.TokenRefreshGrace,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Gate:         gate,
		AuthHandler:  auth.NewHandler(logger, authService, gate, cfg.LoginLimitPerMinute),
		UsersHandler: users.NewHandler(logger, userService, rbacService, gate),
		RBACHandler:  rbac.NewHandler(logger, rbacService, gate),
		AuditHandler: audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), gate),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
		Readiness: map[string]app.Pinger{
			"postgres": dbpool,
			"redis":    cache.Probe{Client: redisClient},
		},
	})

	if err := app.Serve(ctx, app.NewServer(cfg, router), logger); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
