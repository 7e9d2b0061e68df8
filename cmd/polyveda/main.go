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

	"github.com/polyveda/polyveda/internal/app"
	"github.com/polyveda/polyveda/internal/audit"
	audithttp "github.com/polyveda/polyveda/internal/audit/http"
	"github.com/polyveda/polyveda/internal/auth"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/platform/cache"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	principalhttp "github.com/polyveda/polyveda/internal/principal/http"
	"github.com/polyveda/polyveda/internal/session"
	"github.com/polyveda/polyveda/internal/shared"
	"github.com/polyveda/polyveda/internal/tenancy"
	"github.com/polyveda/polyveda/jobs"
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

	metrics := observability.NewMetrics()
	runner := db.PoolRunner{Pool: pool}

	auditStore := audit.NewPGStore(pool)
	recorder := audit.NewRecorder(auditStore, logger, metrics, audit.RecorderConfig{
		Attempts: cfg.AuditRetryAttempts,
		Backoff:  cfg.AuditRetryBase,
	})
	verifier := audit.NewVerifier(auditStore)

	policyStore := policy.NewPGStore(pool)
	engine := policy.NewEngine(policyStore, recorder, metrics, logger)
	if err := engine.Load(ctx); err != nil {
		logger.Error("load policy snapshot", slog.Any("error", err))
		os.Exit(1)
	}
	watcher := policy.NewWatcher(redisClient, engine, logger)
	if err := watcher.Listen(ctx); err != nil {
		logger.Error("subscribe policy bumps", slog.Any("error", err))
		os.Exit(1)
	}
	admin := policy.NewAdmin(policyStore, engine, watcher, recorder, runner, logger)

	sessionService := session.NewService(
		session.NewPGRepository(pool),
		session.NewCache(redisClient),
		recorder,
		runner,
		metrics,
		logger,
		session.Config{TTL: cfg.SessionTTL, MaxPerPrincipal: cfg.SessionMaxPerPrincipal},
	)

	principalRepo := principal.NewPGRepository(pool)
	institutionService := tenancy.NewService(tenancy.NewPGRepository(pool), principalRepo, recorder, runner, metrics, logger)
	principalService := principal.NewService(principalRepo, recorder, institutionService, runner, logger)
	resolver := principal.NewResolver(sessionService, principalRepo, logger)
	guard := tenancy.NewGuard(recorder, metrics, logger)

	throttle := auth.NewThrottle(redisClient, cfg.LoginMaxFailures, cfg.LoginLockout)
	authService := auth.NewService(principalRepo, sessionService, recorder, throttle, engine, logger)
	csrfManager := shared.NewCSRFManager(cfg.SessionSecret)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	authHandler := auth.NewHandler(logger, authService, csrfManager, cfg.IsProduction())
	institutionsHandler := tenancy.NewHandler(logger, institutionService, engine)
	principalsHandler := principalhttp.NewHandler(logger, principalService, guard, engine)
	grantsHandler := policy.NewHandler(logger, admin, engine)
	auditHandler := audithttp.NewHandler(logger, recorder, verifier, engine, metrics, jobsClient)
	jobsHandler := jobs.NewHandler(inspector, policy.NewMiddleware(engine), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Resolver:            resolver,
		CSRFManager:         csrfManager,
		AuthHandler:         authHandler,
		InstitutionsHandler: institutionsHandler,
		PrincipalsHandler:   principalsHandler,
		GrantsHandler:       grantsHandler,
		AuditHandler:        auditHandler,
		JobsHandler:         jobsHandler,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
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

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
