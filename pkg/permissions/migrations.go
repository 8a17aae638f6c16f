package permissions

import (
	"context"
	"database/sql"

	"github.com/docuvault/docuvault/pkg/database"
)

// GetMigrations returns the permission schema migrations
func GetMigrations() []database.Migration {
	return []database.Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id VARCHAR(36) PRIMARY KEY,
					document_id VARCHAR(36) NOT NULL,
					user_id VARCHAR(255),
					role_name VARCHAR(255),
					can_read BOOLEAN NOT NULL DEFAULT FALSE,
					can_write BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					can_share BOOLEAN NOT NULL DEFAULT FALSE,
					can_admin BOOLEAN NOT NULL DEFAULT FALSE,
					granted_by VARCHAR(255) NOT NULL,
					granted_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP,
					inherited BOOLEAN NOT NULL DEFAULT FALSE,
					source_type VARCHAR(20),
					source_id VARCHAR(36),
					CHECK ((user_id IS NULL) != (role_name IS NULL))
				);

				-- At most one direct row per (document, user) and (document, role)
				CREATE UNIQUE INDEX IF NOT EXISTS idx_permissions_direct_user
					ON permissions(document_id, user_id)
					WHERE NOT inherited AND user_id IS NOT NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_permissions_direct_role
					ON permissions(document_id, role_name)
					WHERE NOT inherited AND role_name IS NOT NULL;

				CREATE INDEX IF NOT EXISTS idx_permissions_document ON permissions(document_id);
				CREATE INDEX IF NOT EXISTS idx_permissions_user ON permissions(user_id);
				CREATE INDEX IF NOT EXISTS idx_permissions_role ON permissions(role_name);
				CREATE INDEX IF NOT EXISTS idx_permissions_source ON permissions(source_type, source_id);
			`,
		},
	}
}

// RunMigrations applies the permission schema
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return database.RunMigrations(ctx, db, "permissions_migrations", GetMigrations())
}
