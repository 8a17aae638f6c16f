package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/docuvault/docuvault/pkg/audit"
	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/config"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/observability"
	"github.com/docuvault/docuvault/pkg/permissions"
	"github.com/docuvault/docuvault/pkg/scheduler"
	"github.com/docuvault/docuvault/pkg/webhooks"
	"github.com/docuvault/docuvault/pkg/workers"
)

// The engine daemon owns the schema, processes jobs with the built-in
// workers, delivers webhooks, and runs the clerical sweeps. The
// repository facade itself is embedded by the serving layer and by the
// admin CLI; this process stays behind it.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting docuvault engine")

	jobLog := logrus.New()
	jobLog.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Observability.LogLevel == observability.DebugLevel {
		jobLog.SetLevel(logrus.DebugLevel)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	ctx := context.Background()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := runMigrations(ctx, db); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}
	logger.Info("Database migrations applied")

	blobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize blob storage")
		os.Exit(1)
	}
	logger.WithField("type", cfg.Blob.Type).Info("Blob storage initialized")

	docs := documents.NewStore(db)

	notifier := webhooks.NewNotifier(webhooks.NotifierOptions{
		Timeout: cfg.Webhook.Timeout,
		RetryPolicy: webhooks.RetryPolicy{
			MaxAttempts:       cfg.Webhook.MaxAttempts,
			InitialDelay:      cfg.Webhook.InitialDelay,
			MaxDelay:          cfg.Webhook.MaxDelay,
			BackoffMultiplier: 2.0,
		},
		RateLimit:  cfg.Webhook.RatePerMinute,
		RatePeriod: time.Minute,
		Metrics:    metrics,
		Logger:     jobLog,
	})
	notifier.StartRetryWorker(ctx, cfg.Webhook.SweepInterval)

	sched := scheduler.New(scheduler.NewStore(db), scheduler.Options{
		LeaseDuration: cfg.Scheduler.LeaseDuration,
		RetryPolicy: scheduler.RetryPolicy{
			InitialDelay: cfg.Scheduler.RetryInitialDelay,
			MaxDelay:     cfg.Scheduler.RetryMaxDelay,
			Multiplier:   2.0,
		},
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   jobLog,
	})

	workerRegistry := scheduler.NewRegistry()
	if err := workers.RegisterBuiltins(workerRegistry, docs, blobs); err != nil {
		logger.WithError(err).Error("Failed to register workers")
		os.Exit(1)
	}

	runnerCtx, stopRunner := context.WithCancel(ctx)
	runner := scheduler.NewRunner(sched, workerRegistry, scheduler.RunnerOptions{
		Concurrency:  cfg.Scheduler.WorkerConcurrency,
		PollInterval: cfg.Scheduler.PollInterval,
		Metrics:      metrics,
		Logger:       jobLog,
	})
	runner.Start(runnerCtx)

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize audit logger")
		os.Exit(1)
	}

	sweeps := cron.New()
	_, err = sweeps.AddFunc(cfg.Scheduler.ReclaimSchedule, func() {
		reclaimed, err := sched.ReclaimStale(context.Background())
		if err != nil {
			logger.WithError(err).Error("Stale job reclaim failed")
			return
		}
		if reclaimed > 0 {
			logger.WithField("count", reclaimed).Warn("Reclaimed jobs from expired leases")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Invalid reclaim schedule")
		os.Exit(1)
	}
	_, err = sweeps.AddFunc(cfg.Audit.RetentionCron, func() {
		deleted, err := dbAudit.ApplyRetention(context.Background(), audit.RetentionPolicy{
			RetentionDays:  cfg.Audit.RetentionDays,
			ArchiveEnabled: cfg.Audit.ArchiveEnabled,
			ArchivePath:    cfg.Audit.ArchivePath,
		})
		if err != nil {
			logger.WithError(err).Error("Audit retention sweep failed")
			return
		}
		if deleted > 0 {
			logger.WithField("count", deleted).Info("Audit retention sweep removed expired entries")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Invalid audit retention schedule")
		os.Exit(1)
	}
	sweeps.Start()

	health := observability.NewHealthChecker(db, nil)
	router := mux.NewRouter()
	router.HandleFunc("/health", health.Liveness).Methods("GET")
	router.HandleFunc("/ready", health.Readiness).Methods("GET")
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.Handler(registry)).Methods("GET")
	}

	opsServer := &http.Server{
		Addr:         ":" + cfg.Server.HealthPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, opsServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopRunner()
		return runner.Stop()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		sweepsCtx := sweeps.Stop()
		select {
		case <-sweepsCtx.Done():
		case <-ctx.Done():
		}
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		notifier.StopRetryWorker()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return dbAudit.Close()
	})

	go func() {
		logger.WithField("port", cfg.Server.HealthPort).Info("Ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Ops server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if err := documents.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := permissions.RunMigrations(ctx, db); err != nil {
		return err
	}
	return scheduler.RunMigrations(ctx, db)
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Type {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	default:
		return blob.NewFilesystemStore(cfg.FilesystemRoot)
	}
}
