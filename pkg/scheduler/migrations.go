package scheduler

import (
	"context"
	"database/sql"

	"github.com/docuvault/docuvault/pkg/database"
)

// GetMigrations returns the processing job schema migrations
func GetMigrations() []database.Migration {
	return []database.Migration{
		{
			Version:     1,
			Description: "Create processing_jobs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processing_jobs (
					id VARCHAR(36) PRIMARY KEY,
					document_id VARCHAR(36) NOT NULL,
					job_type VARCHAR(50) NOT NULL,
					status VARCHAR(20) NOT NULL DEFAULT 'pending',
					priority INT NOT NULL DEFAULT 5 CHECK (priority >= 0 AND priority <= 10),
					config JSONB,
					retry_count INT NOT NULL DEFAULT 0,
					max_retries INT NOT NULL DEFAULT 3,
					next_retry_at TIMESTAMP,
					result JSONB,
					error_message TEXT,
					webhook_url TEXT,
					webhook_secret TEXT,
					webhook_headers JSONB,
					claimed_by VARCHAR(255),
					claimed_at TIMESTAMP,
					lease_expires_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					completed_at TIMESTAMP
				);

				-- Claim ordering: priority descending, then oldest first
				CREATE INDEX IF NOT EXISTS idx_processing_jobs_claim
					ON processing_jobs(status, priority DESC, created_at ASC);

				CREATE INDEX IF NOT EXISTS idx_processing_jobs_document ON processing_jobs(document_id);
				CREATE INDEX IF NOT EXISTS idx_processing_jobs_retry
					ON processing_jobs(next_retry_at) WHERE status = 'retrying';
				CREATE INDEX IF NOT EXISTS idx_processing_jobs_lease
					ON processing_jobs(lease_expires_at) WHERE status = 'running';
			`,
		},
	}
}

// RunMigrations applies the processing job schema
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return database.RunMigrations(ctx, db, "scheduler_migrations", GetMigrations())
}
