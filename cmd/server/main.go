package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/audit"
	"github.com/lexfield/capture-engine/internal/config"
	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/events"
	"github.com/lexfield/capture-engine/internal/executor"
	"github.com/lexfield/capture-engine/internal/fetcher"
	"github.com/lexfield/capture-engine/internal/handlers"
	"github.com/lexfield/capture-engine/internal/metrics"
	"github.com/lexfield/capture-engine/internal/rawstore"
	"github.com/lexfield/capture-engine/internal/reconcile"
	"github.com/lexfield/capture-engine/internal/registry"
	"github.com/lexfield/capture-engine/internal/retry"
	"github.com/lexfield/capture-engine/internal/vault"
)

var (
	logger  = logrus.New()
	version = "1.0.0"
)

func init() {
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	logger.WithField("version", version).Info("Starting Capture Engine")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	sealKey, err := cfg.SealKeyBytes()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load vault seal key")
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics)
	}

	var producer events.Producer = events.NoopProducer{}
	if cfg.Kafka.Enabled {
		kafkaProducer, err := events.NewProducer(cfg.Kafka, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer kafkaProducer.Close()
		producer = kafkaProducer
	}
	emitter := events.NewEmitter(producer, cfg.Kafka)

	jobRepo := database.NewJobRepository(db)
	caseRepo := database.NewCaseRepository(db)
	entityRepo := database.NewEntityRepository(db)
	credentialRepo := database.NewCredentialRepository(db)
	payloadStore := rawstore.New(db)

	targetRegistry := registry.New(database.NewTargetConfigStore(db))
	credentialVault := vault.New(credentialRepo, sealKey)
	engine := reconcile.NewEngine(reconcile.RepoStore{Repo: entityRepo}, logger)
	auditor := audit.NewAuditor(caseRepo, entityRepo, logger)

	capability := fetcher.NewPJEClient(fetcher.Defaults{
		LoginTimeout: cfg.Capture.LoginTimeout,
		APITimeout:   cfg.Capture.APITimeout,
	}, logger)

	exec := executor.New(executor.Deps{
		Jobs:       jobRepo,
		Registry:   targetRegistry,
		Vault:      credentialVault,
		Capability: capability,
		Payloads:   payloadStore,
		Cases:      caseRepo,
		Engine:     engine,
		Entities:   entityRepo,
		Policy: retry.Policy{
			MaxAttempts: cfg.Capture.RetryMaxAttempts,
			BaseDelay:   cfg.Capture.RetryBaseDelay,
			MaxDelay:    cfg.Capture.RetryMaxDelay,
		},
		Logger:  logger,
		Metrics: collector,
		Emitter: emitter,
	})

	httpHandlers := handlers.NewHTTPHandlers(exec, jobRepo, payloadStore, auditor,
		func(ctx context.Context) error { return db.PingContext(ctx) }, logger)

	router := mux.NewRouter()
	httpHandlers.RegisterRoutes(router)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods("GET")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepStaleJobs(sweepCtx, jobRepo, cfg.Capture.StaleJobAge)

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to serve HTTP")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Capture Engine...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	logger.Info("Capture Engine stopped")
}

// sweepStaleJobs periodically fails jobs stuck in_progress beyond maxAge.
func sweepStaleJobs(ctx context.Context, jobs *database.JobRepository, maxAge time.Duration) {
	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := jobs.FailStale(ctx, maxAge)
			if err != nil {
				logger.WithError(err).Error("Stale job sweep failed")
				continue
			}
			if swept > 0 {
				logger.WithField("count", swept).Warn("Failed stale in-progress jobs")
			}
		}
	}
}
