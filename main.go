package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pixel-relay-backend/config"
	"pixel-relay-backend/controllers"
	"pixel-relay-backend/database"
	"pixel-relay-backend/dispatch"
	"pixel-relay-backend/locks"
	"pixel-relay-backend/middlewares"
	"pixel-relay-backend/pipeline"
	"pixel-relay-backend/queue"
	"pixel-relay-backend/receipts"
	"pixel-relay-backend/routes"
	"pixel-relay-backend/trust"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	// ---- Database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Error("automigrate failed", "error", err)
		os.Exit(1)
	}
	if err := database.Harden(db); err != nil {
		log.Error("migration hardening failed", "error", err)
		os.Exit(1)
	}

	// ---- Stores
	jobStore := database.NewJobStore(db)
	shopStore := &database.ShopStore{DB: db}
	receiptStore := &database.ReceiptStore{DB: db}
	lockStore := &database.LockStore{DB: db}

	// ---- Pipeline
	lockMgr := locks.NewManager(lockStore, cfg.LockStaleness, cfg.LockVerifyTolerance,
		log.With("component", "locks"))
	matcher := receipts.NewMatcher(receiptStore, cfg.FuzzyWindow, cfg.FuzzyLimit)
	orchestrator := dispatch.NewOrchestrator(
		dispatch.DefaultRegistry(cfg.SendTimeout),
		cfg.CredentialKey,
		trust.Limits{MaxClockSkew: cfg.MaxClockSkew, MaxReceiptAge: cfg.MaxReceiptAge},
		log.With("component", "dispatch"),
	)
	runner := &pipeline.Runner{
		Jobs:         jobStore,
		Shops:        shopStore,
		ReceiptWrite: receiptStore,
		Matcher:      matcher,
		Orchestrator: orchestrator,
		Backoff:      queue.NewBatchBackoff(cfg.BatchFailureThreshold, cfg.BatchInitialDelay, cfg.BatchMaxDelay),
		RetryCfg: queue.BackoffConfig{
			Base:       cfg.RetryBase,
			Cap:        cfg.RetryCap,
			Multiplier: cfg.RetryMultiplier,
			JitterFrac: cfg.RetryJitterFrac,
		},
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Log:       log.With("component", "pipeline"),
		Now:       time.Now,
	}

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler: middlewares.ErrorHandler,
		BodyLimit:    cfg.BodyLimitBytes,
	})

	// ---- CORS (ops UI only; webhooks are server-to-server)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: false,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
	}))

	// ---- Global rate limiter
	app.Use(limiter.New(limiter.Config{
		Max:        envInt("RATE_LIMIT_MAX", 120),
		Expiration: time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	}))

	// ---- Routes
	webhookCtrl := &controllers.WebhookController{
		Shops:       shopStore,
		Jobs:        jobStore,
		Locks:       lockMgr,
		MaxAttempts: cfg.MaxAttempts,
		Log:         log.With("component", "webhooks"),
	}
	opsCtrl := &controllers.OpsController{
		Jobs:     jobStore,
		RunBatch: runner.RunOnce,
		Log:      log.With("component", "ops"),
	}
	routes.Register(app, webhookCtrl, opsCtrl)

	// ---- Batch scheduler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go runScheduler(ctx, runner, cfg.PollInterval, log)

	// ---- Start
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("server stopped", "error", err)
			stop()
		}
	}()
	log.Info("pixel relay started", "port", cfg.Port, "poll_interval", cfg.PollInterval.String())

	<-ctx.Done()
	log.Info("shutting down")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

// runScheduler drives batch passes until the context ends. Pass errors are
// infrastructure problems; the claimed jobs' states are untouched, so the
// next tick retries the same work.
func runScheduler(ctx context.Context, runner *pipeline.Runner, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := runner.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error("batch pass failed", "error", err)
			}
		}
	}
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
