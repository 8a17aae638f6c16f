package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/docuvault/docuvault/pkg/audit"
	"github.com/docuvault/docuvault/pkg/blob"
	"github.com/docuvault/docuvault/pkg/config"
	"github.com/docuvault/docuvault/pkg/documents"
	"github.com/docuvault/docuvault/pkg/identity"
	"github.com/docuvault/docuvault/pkg/permissions"
	"github.com/docuvault/docuvault/pkg/repository"
	"github.com/docuvault/docuvault/pkg/scheduler"
)

// engine holds the wired facade for one CLI invocation
type engine struct {
	repo  *repository.Repository
	db    *sql.DB
	redis *redis.Client
	audit *audit.DBLogger
}

// openEngine wires the repository facade against the configured
// database. The redis cache is attached when enabled so grant and
// revoke invalidate the tier shared with the serving layer.
func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var blobs blob.Store
	switch cfg.Blob.Type {
	case "s3":
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     cfg.Blob.S3Endpoint,
			Region:       cfg.Blob.S3Region,
			Bucket:       cfg.Blob.S3Bucket,
			AccessKey:    cfg.Blob.S3AccessKey,
			SecretKey:    cfg.Blob.S3SecretKey,
			UsePathStyle: cfg.Blob.S3UsePathStyle,
		})
	default:
		blobs, err = blob.NewFilesystemStore(cfg.Blob.FilesystemRoot)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open blob storage: %w", err)
	}

	var redisClient *redis.Client
	var permCache *permissions.Cache
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		permCache = permissions.NewCache(cfg.Redis.L1Size, cfg.Redis.CacheTTL, redisClient)
	}

	docs := documents.NewStore(db)
	permStore := permissions.NewStore(db)
	resolver := permissions.NewResolver(permStore, identity.NewStaticProvider(nil), docs, permCache, nil)

	sched := scheduler.New(scheduler.NewStore(db), scheduler.Options{
		LeaseDuration: cfg.Scheduler.LeaseDuration,
	})

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audit logger: %w", err)
	}

	repo := repository.New(repository.Options{
		DB:        db,
		Documents: docs,
		PermStore: permStore,
		Resolver:  resolver,
		Scheduler: sched,
		Blobs:     blobs,
		AuditLog:  dbAudit,
		History:   dbAudit,
	})

	return &engine{repo: repo, db: db, redis: redisClient, audit: dbAudit}, nil
}

func (e *engine) close() {
	e.audit.Close()
	if e.redis != nil {
		e.redis.Close()
	}
	e.db.Close()
}

// principalFrom resolves the acting principal from the --as flag value
// or the DOCUVAULT_PRINCIPAL environment variable.
func principalFrom(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("DOCUVAULT_PRINCIPAL"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("acting principal required: pass --as or set DOCUVAULT_PRINCIPAL")
}
