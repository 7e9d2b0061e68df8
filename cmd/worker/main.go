package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyveda/polyveda/internal/app"
	"github.com/polyveda/polyveda/internal/audit"
	jobmetrics "github.com/polyveda/polyveda/internal/jobs"
	"github.com/polyveda/polyveda/internal/platform/cache"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/session"
	"github.com/polyveda/polyveda/internal/tenancy"
	"github.com/polyveda/polyveda/jobs"
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
		logger.Error("connect postgres", slog.Any("error", err))
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

	auditStore := audit.NewPGStore(pool)
	recorder := audit.NewRecorder(auditStore, logger, nil, audit.RecorderConfig{
		Attempts: cfg.AuditRetryAttempts,
		Backoff:  cfg.AuditRetryBase,
	})
	verifier := audit.NewVerifier(auditStore)

	sessionRepo := session.NewPGRepository(pool)
	sessionService := session.NewService(sessionRepo, session.NewCache(redisClient), recorder, db.PoolRunner{Pool: pool}, nil, logger, session.Config{
		TTL:             cfg.SessionTTL,
		MaxPerPrincipal: cfg.SessionMaxPerPrincipal,
	})

	principalRepo := principal.NewPGRepository(pool)
	institutionService := tenancy.NewService(tenancy.NewPGRepository(pool), principalRepo, recorder, db.PoolRunner{Pool: pool}, nil, logger)

	metrics := jobmetrics.NewMetrics(nil)
	cleanupJob := jobs.NewSessionsCleanupJob(sessionService, cfg.SessionRetention, logger, metrics)
	verifyJob := jobs.NewAuditVerifyJob(verifier, institutionService, logger, metrics)
	monitorJob := jobs.NewInstitutionsMonitorJob(institutionService, logger, metrics)

	cleanupTask, err := jobs.NewSessionsCleanupTask(jobs.SessionsCleanupPayload{})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	verifyTask, err := jobs.NewAuditVerifyTask(jobs.AuditVerifyPayload{})
	if err != nil {
		logger.Error("build verify task", slog.Any("error", err))
		os.Exit(1)
	}
	monitorTask, err := jobs.NewInstitutionsMonitorTask(jobs.InstitutionsMonitorPayload{})
	if err != nil {
		logger.Error("build monitor task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSessionsCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskAuditVerify, Handler: verifyJob.Handle},
			{Type: jobs.TaskInstitutionsMonitor, Handler: monitorJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 * * * *", Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * *", Task: monitorTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := http.ListenAndServe(cfg.WorkerMetricsAddr, promhttp.Handler()); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics listener", slog.Any("error", err))
		}
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
