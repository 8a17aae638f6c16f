package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/config"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/observability"
	"github.com/docuvault/docuvault/pkg/scheduler"
	"github.com/docuvault/docuvault/pkg/webhooks"
	"github.com/docuvault/docuvault/pkg/workers"
)

// workerFile selects which job types this process handles. An empty or
// missing file enables every built-in worker.
type workerFile struct {
	WorkerID    string `yaml:"worker_id"`
	Concurrency int    `yaml:"concurrency"`
	Jobs        []struct {
		Type    string `yaml:"type"`
		Enabled bool   `yaml:"enabled"`
	} `yaml:"jobs"`
}

func loadWorkerFile(path string) (*workerFile, error) {
	if path == "" {
		return &workerFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker config: %w", err)
	}
	var wf workerFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return &wf, nil
}

// enabledTypes returns the selected job types, or nil for "all".
func (w *workerFile) enabledTypes() map[scheduler.JobType]bool {
	if len(w.Jobs) == 0 {
		return nil
	}
	selected := make(map[scheduler.JobType]bool)
	for _, j := range w.Jobs {
		if j.Enabled {
			selected[scheduler.JobType(j.Type)] = true
		}
	}
	return selected
}

func main() {
	workerConfigPath := flag.String("config", "", "Path to worker selection YAML")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	wf, err := loadWorkerFile(*workerConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load worker config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting docuvault worker")

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

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	blobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize blob storage")
		os.Exit(1)
	}

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

	workerRegistry, err := buildRegistry(docs, blobs, wf.enabledTypes())
	if err != nil {
		logger.WithError(err).Error("Failed to register workers")
		os.Exit(1)
	}
	logger.WithField("job_types", workerRegistry.Types()).Info("Workers registered")

	concurrency := wf.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.Scheduler.WorkerConcurrency
	}

	runnerCtx, stopRunner := context.WithCancel(ctx)
	runner := scheduler.NewRunner(sched, workerRegistry, scheduler.RunnerOptions{
		WorkerID:     wf.WorkerID,
		Concurrency:  concurrency,
		PollInterval: cfg.Scheduler.PollInterval,
		Metrics:      metrics,
		Logger:       jobLog,
	})
	runner.Start(runnerCtx)

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
		notifier.StopRetryWorker()
		return nil
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

// buildRegistry registers the built-in workers, filtered by selection
// when one is configured.
func buildRegistry(docs *documents.Store, blobs blob.Store, selected map[scheduler.JobType]bool) (*scheduler.Registry, error) {
	all := scheduler.NewRegistry()
	if err := workers.RegisterBuiltins(all, docs, blobs); err != nil {
		return nil, err
	}
	if selected == nil {
		return all, nil
	}

	filtered := scheduler.NewRegistry()
	for _, jobType := range all.Types() {
		if !selected[jobType] {
			continue
		}
		worker, ok := all.Get(jobType)
		if !ok {
			continue
		}
		if err := filtered.Register(worker); err != nil {
			return nil, err
		}
	}
	if len(filtered.Types()) == 0 {
		return nil, fmt.Errorf("worker config enables no known job types")
	}
	return filtered, nil
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
