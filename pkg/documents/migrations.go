package documents

import (
	"context"
	"database/sql"

	"github.com/docuvault/docuvault/pkg/database"
)

// GetMigrations returns the document schema migrations
func GetMigrations() []database.Migration {
	return []database.Migration{
		{
			Version:     1,
			Description: "Create documents table",
			SQL: `
				CREATE TABLE IF NOT EXISTS documents (
					id VARCHAR(36) PRIMARY KEY,
					filename VARCHAR(512) NOT NULL,
					original_filename VARCHAR(512) NOT NULL,
					content_type VARCHAR(255),
					size_bytes BIGINT NOT NULL CHECK (size_bytes > 0),
					content_hash CHAR(64) NOT NULL,
					storage_ref TEXT NOT NULL,
					owner_id VARCHAR(255) NOT NULL,
					organization_id VARCHAR(36) NOT NULL,
					status VARCHAR(20) NOT NULL DEFAULT 'active',
					document_type VARCHAR(100),
					classification VARCHAR(20) NOT NULL DEFAULT 'internal',
					extracted_text TEXT,
					search_text TEXT NOT NULL DEFAULT '',
					metadata JSONB,
					processing_status VARCHAR(20) NOT NULL DEFAULT 'pending',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				-- Dedup is organization-scoped and only applies to live rows
				CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_org_hash_live
					ON documents(organization_id, content_hash)
					WHERE status != 'deleted';

				CREATE INDEX IF NOT EXISTS idx_documents_organization ON documents(organization_id);
				CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
				CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
			`,
		},
		{
			Version:     2,
			Description: "Create document_versions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS document_versions (
					id VARCHAR(36) PRIMARY KEY,
					document_id VARCHAR(36) NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
					version_number INT NOT NULL,
					filename VARCHAR(512) NOT NULL,
					storage_ref TEXT NOT NULL,
					size_bytes BIGINT NOT NULL,
					content_hash CHAR(64) NOT NULL,
					change_summary TEXT,
					created_by VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE(document_id, version_number)
				);

				CREATE INDEX IF NOT EXISTS idx_document_versions_document ON document_versions(document_id);
			`,
		},
	}
}

// RunMigrations applies the document schema
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return database.RunMigrations(ctx, db, "documents_migrations", GetMigrations())
}
