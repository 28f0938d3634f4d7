package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/database"
	"github.com/victorrobotxt/Dali/handlers"
	"github.com/victorrobotxt/Dali/jobs"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

func main() {
	// Load config
	cfg := config.LoadConfig()
	infra, err := shared.LoadUnifiedConfiguration(cfg.InfraConfigPath)
	if err != nil {
		logrus.Fatalf("Failed to load infrastructure config: %v", err)
	}
	infra.Logging.Level = cfg.LogLevel
	infra.Logging.Format = cfg.LogFormat
	infra.ValidateAndApplyDefaults()
	shared.ConfigureLogging(infra.Logging)

	pipelineConfig := cfg.PipelineConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	if err := database.ConnectWithConfig(cfg.DatabaseURL, &infra.Database); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate("database/schema.sql"); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}

	queue, err := services.NewRedisTaskQueue(ctx, cfg.RedisURL, infra.Queue)
	if err != nil {
		logrus.Fatalf("Failed to connect to task queue: %v", err)
	}
	defer queue.Close()

	// Pipeline services
	metrics := shared.NewPipelineMetrics()
	clients := shared.NewHTTPClientFactory(infra.Service.HTTPRequestTimeout)
	defer clients.CloseAll()

	analyzer, err := services.NewInsightAnalyzer(cfg, pipelineConfig, clients)
	if err != nil {
		logrus.Fatalf("Failed to configure AI analyzer: %v", err)
	}

	store := services.NewPostgresAuditStore(database.DB)
	normalizer := services.NewNormalizer(pipelineConfig)
	scraper := services.NewListingScraper(pipelineConfig, clients, services.NewBrowserFetcher(pipelineConfig.BrowserTimeout), metrics)
	orchestrator := services.NewAuditOrchestrator(pipelineConfig, services.AuditDependencies{
		Store:      store,
		Scraper:    scraper,
		Registries: services.NewPortalRegistryFactory(pipelineConfig, metrics),
		Analyzer:   analyzer,
		Archiver:   services.NewImageArchiver(pipelineConfig, clients),
		Metrics:    metrics,
	})

	logrus.WithFields(logrus.Fields{
		"ai_provider":        cfg.AIProvider,
		"workers":            cfg.GetWorkerCount(),
		"max_attempts":       pipelineConfig.Retry.MaxAttempts,
		"verified_threshold": pipelineConfig.VerifiedThreshold,
		"registry_timeout":   pipelineConfig.EffectiveRegistryTimeout(),
		"archive_dir":        pipelineConfig.ArchiveDir,
	}).Info("Audit pipeline services initialized")

	// Start Background Jobs
	worker := jobs.NewAuditWorkerJob(queue, orchestrator, cfg.GetWorkerCount())
	worker.Start(ctx)

	sweep := jobs.NewStaleRunSweepJob(store, queue, infra.Queue)
	go sweep.Run(ctx)
	sweep.Start(ctx, infra.Queue.SweepEvery)

	// Initialize handlers
	auditHandler := handlers.NewAuditHandler(store, queue, normalizer)
	adminHandler := handlers.NewAdminHandler(store, cfg.AdminToken)
	performanceHandler := handlers.NewPerformanceHandler(database.DB, store, queue)

	// Setup Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New())

	app.Get("/health", performanceHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// Routes
	api := app.Group("/api/v1")

	api.Post("/audits", auditHandler.SubmitAudit)
	api.Get("/listings/:id/report", auditHandler.GetLatestReport)
	api.Get("/listings/:id/reports", auditHandler.GetReports)
	api.Get("/listings/:id/price-history", auditHandler.GetPriceHistory)

	// Admin Routes
	api.Patch("/reports/:id", adminHandler.RequireToken, adminHandler.ReviewReport)
	admin := api.Group("/admin", adminHandler.RequireToken)
	admin.Get("/db-stats", performanceHandler.GetPoolStats)

	go func() {
		<-ctx.Done()
		logrus.Info("Shutdown signal received")
		if err := app.ShutdownWithTimeout(infra.Queue.ShutdownWait); err != nil {
			logrus.WithError(err).Warn("HTTP server shutdown incomplete")
		}
	}()

	// Start server
	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Errorf("Server stopped: %v", err)
	}

	stop()
	worker.Stop(infra.Queue.ShutdownWait)
	metrics.LogSummary()
}
