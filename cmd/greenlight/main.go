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
	"github.com/joho/godotenv"

	"github.com/greenlight-erp/greenlight/internal/app"
	"github.com/greenlight-erp/greenlight/internal/identity"
	"github.com/greenlight-erp/greenlight/internal/invoicing"
	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/observability"
	"github.com/greenlight-erp/greenlight/internal/platform/cache"
	"github.com/greenlight-erp/greenlight/internal/platform/db"
	"github.com/greenlight-erp/greenlight/internal/procurement"
	"github.com/greenlight-erp/greenlight/internal/shared"
	"github.com/greenlight-erp/greenlight/jobs"
)

func main() {
	_ = godotenv.Load()

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
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	clock := shared.SystemClock{}

	var limiter *identity.AttemptLimiter
	if redisClient != nil {
		limiter = identity.NewAttemptLimiter(redisClient, cfg.ReauthMaxAttempts, cfg.ReauthLockout)
	}
	identityRepo := identity.NewRepository(pool)
	identityService := identity.NewService(identityRepo, limiter, logger)

	ledgerStore := ledger.NewRepository(pool)
	runner := ledger.NewRunner(ledgerStore, logger).WithObserver(metrics.ObserveReconciliation)
	ledgerHandler := ledger.NewHandler(logger, ledgerStore)

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(procurementRepo, runner, identityService, auditLogger, clock, logger)
	procurementHandler := procurement.NewHandler(logger, procurementService)

	invoicingRepo := invoicing.NewRepository(pool)
	invoicingService := invoicing.NewService(invoicingRepo, procurementService, runner, identityService, auditLogger, clock, logger)
	invoicingHandler := invoicing.NewHandler(logger, invoicingService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		LedgerHandler:      ledgerHandler,
		ProcurementHandler: procurementHandler,
		InvoicingHandler:   invoicingHandler,
		JobsHandler:        jobsHandler,
		Pool:               pool,
		Metrics:            metrics,
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
