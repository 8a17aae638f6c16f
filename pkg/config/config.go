package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docuvault/docuvault/pkg/observability"
)

// Config holds all engine configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Blob          BlobConfig
	Redis         RedisConfig
	Scheduler     SchedulerConfig
	Webhook       WebhookConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the ops (health/metrics) server configuration
type ServerConfig struct {
	HealthPort      string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
}

// BlobConfig holds blob storage collaborator configuration
type BlobConfig struct {
	Type string // "filesystem" or "s3"

	FilesystemRoot string

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// RedisConfig holds the permission cache configuration
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
	CacheTTL time.Duration
	L1Size   int
}

// SchedulerConfig holds processing scheduler configuration
type SchedulerConfig struct {
	LeaseDuration     time.Duration
	PollInterval      time.Duration
	DefaultMaxRetries int
	DefaultPriority   int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	WorkerConcurrency int
	ReclaimSchedule   string // cron spec
}

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
	Timeout       time.Duration
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	SweepInterval time.Duration
	RatePerMinute int
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	RetryQueueSize   int
	RetentionDays    int
	ArchiveEnabled   bool
	ArchivePath      string
	RetentionCron    string
	MirrorToFile     bool
	MirrorFilePath   string
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HealthPort:      getEnv("DOCUVAULT_HEALTH_PORT", "9090"),
			ShutdownTimeout: getEnvDuration("DOCUVAULT_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DOCUVAULT_POSTGRES_URL", "postgres://localhost/docuvault?sslmode=disable"),
			MaxConns:    getEnvInt("DOCUVAULT_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("DOCUVAULT_POSTGRES_MIN_CONNS", 5),
			Timeout:     getEnvDuration("DOCUVAULT_POSTGRES_TIMEOUT", 10*time.Second),
			MaxLifetime: getEnvDuration("DOCUVAULT_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		},
		Blob: BlobConfig{
			Type:           getEnv("DOCUVAULT_BLOB_TYPE", "filesystem"),
			FilesystemRoot: getEnv("DOCUVAULT_BLOB_ROOT", "/var/docuvault/blobs"),
			S3Endpoint:     getEnv("DOCUVAULT_S3_ENDPOINT", ""),
			S3Region:       getEnv("DOCUVAULT_S3_REGION", "us-east-1"),
			S3Bucket:       getEnv("DOCUVAULT_S3_BUCKET", ""),
			S3AccessKey:    getEnv("DOCUVAULT_S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("DOCUVAULT_S3_SECRET_KEY", ""),
			S3UsePathStyle: getEnvBool("DOCUVAULT_S3_USE_PATH_STYLE", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("DOCUVAULT_CACHE_ENABLED", false),
			URL:      getEnv("DOCUVAULT_REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("DOCUVAULT_REDIS_PASSWORD", ""),
			DB:       getEnvInt("DOCUVAULT_REDIS_DB", 0),
			PoolSize: getEnvInt("DOCUVAULT_REDIS_POOL_SIZE", 10),
			CacheTTL: getEnvDuration("DOCUVAULT_CACHE_TTL", 30*time.Second),
			L1Size:   getEnvInt("DOCUVAULT_CACHE_L1_SIZE", 4096),
		},
		Scheduler: SchedulerConfig{
			LeaseDuration:     getEnvDuration("DOCUVAULT_JOB_LEASE", 10*time.Minute),
			PollInterval:      getEnvDuration("DOCUVAULT_JOB_POLL_INTERVAL", 2*time.Second),
			DefaultMaxRetries: getEnvInt("DOCUVAULT_JOB_MAX_RETRIES", 3),
			DefaultPriority:   getEnvInt("DOCUVAULT_JOB_DEFAULT_PRIORITY", 5),
			RetryInitialDelay: getEnvDuration("DOCUVAULT_JOB_RETRY_INITIAL_DELAY", 30*time.Second),
			RetryMaxDelay:     getEnvDuration("DOCUVAULT_JOB_RETRY_MAX_DELAY", 30*time.Minute),
			WorkerConcurrency: getEnvInt("DOCUVAULT_WORKER_CONCURRENCY", 4),
			ReclaimSchedule:   getEnv("DOCUVAULT_JOB_RECLAIM_SCHEDULE", "*/1 * * * *"),
		},
		Webhook: WebhookConfig{
			Timeout:       getEnvDuration("DOCUVAULT_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   getEnvInt("DOCUVAULT_WEBHOOK_MAX_ATTEMPTS", 5),
			InitialDelay:  getEnvDuration("DOCUVAULT_WEBHOOK_INITIAL_DELAY", 1*time.Second),
			MaxDelay:      getEnvDuration("DOCUVAULT_WEBHOOK_MAX_DELAY", 5*time.Minute),
			SweepInterval: getEnvDuration("DOCUVAULT_WEBHOOK_SWEEP_INTERVAL", 30*time.Second),
			RatePerMinute: getEnvInt("DOCUVAULT_WEBHOOK_RATE_PER_MINUTE", 100),
		},
		Audit: AuditConfig{
			RetryQueueSize: getEnvInt("DOCUVAULT_AUDIT_RETRY_QUEUE", 10000),
			RetentionDays:  getEnvInt("DOCUVAULT_AUDIT_RETENTION_DAYS", 90),
			ArchiveEnabled: getEnvBool("DOCUVAULT_AUDIT_ARCHIVE_ENABLED", true),
			ArchivePath:    getEnv("DOCUVAULT_AUDIT_ARCHIVE_PATH", "/var/docuvault/audit-archive"),
			RetentionCron:  getEnv("DOCUVAULT_AUDIT_RETENTION_SCHEDULE", "30 2 * * *"),
			MirrorToFile:   getEnvBool("DOCUVAULT_AUDIT_MIRROR_FILE", false),
			MirrorFilePath: getEnv("DOCUVAULT_AUDIT_MIRROR_PATH", "/var/log/docuvault/audit.ndjson"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("DOCUVAULT_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("DOCUVAULT_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	switch c.Blob.Type {
	case "filesystem":
		if c.Blob.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem blob storage")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 blob storage")
		}
	default:
		return fmt.Errorf("invalid blob storage type: %s (must be filesystem or s3)", c.Blob.Type)
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when caching is enabled")
	}

	if c.Scheduler.LeaseDuration <= 0 {
		return fmt.Errorf("job lease duration must be positive")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("job max retries must not be negative")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook max attempts must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
