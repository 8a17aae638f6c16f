package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docuvault/docuvault/pkg/database"
)

// Store owns permission row persistence
type Store struct {
	db database.Executor
}

// NewStore creates a permission store
func NewStore(db database.Executor) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// Grant creates or replaces a direct permission. The at-most-one-direct-
// row-per-target invariant is kept by updating an existing row for the
// same (document, target) instead of inserting a second one.
func (s *Store) Grant(ctx context.Context, p *Permission) error {
	if p.GrantedAt.IsZero() {
		p.GrantedAt = time.Now().UTC()
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Inherited {
		return fmt.Errorf("%w: inherited rows are written by propagation, not Grant", ErrValidation)
	}

	existingID, err := s.findDirectRow(ctx, p.DocumentID, p.UserID, p.RoleName)
	if err != nil {
		return err
	}

	if existingID != "" {
		p.ID = existingID
		_, err = s.db.ExecContext(ctx, `
			UPDATE permissions
			SET can_read = $1, can_write = $2, can_delete = $3, can_share = $4, can_admin = $5,
			    granted_by = $6, granted_at = $7, expires_at = $8
			WHERE id = $9
		`,
			p.Caps.Read, p.Caps.Write, p.Caps.Delete, p.Caps.Share, p.Caps.Admin,
			p.GrantedBy, p.GrantedAt, p.ExpiresAt, existingID,
		)
		if err != nil {
			return fmt.Errorf("failed to update permission: %w", err)
		}
		return nil
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (
			id, document_id, user_id, role_name,
			can_read, can_write, can_delete, can_share, can_admin,
			granted_by, granted_at, expires_at, inherited, source_type, source_id
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)
	`,
		p.ID, p.DocumentID, p.UserID, p.RoleName,
		p.Caps.Read, p.Caps.Write, p.Caps.Delete, p.Caps.Share, p.Caps.Admin,
		p.GrantedBy, p.GrantedAt, p.ExpiresAt, false, nil, nil,
	)
	if err != nil {
		return fmt.Errorf("failed to insert permission: %w", err)
	}
	return nil
}

func (s *Store) findDirectRow(ctx context.Context, documentID string, userID, roleName *string) (string, error) {
	var query string
	var arg interface{}
	if userID != nil {
		query = "SELECT id FROM permissions WHERE document_id = $1 AND user_id = $2 AND NOT inherited"
		arg = *userID
	} else {
		query = "SELECT id FROM permissions WHERE document_id = $1 AND role_name = $2 AND NOT inherited"
		arg = *roleName
	}

	var id string
	err := s.db.QueryRowContext(ctx, query, documentID, arg).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up existing permission: %w", err)
	}
	return id, nil
}

// RevokeUser deletes the direct grant for a user on a document
func (s *Store) RevokeUser(ctx context.Context, documentID, userID string) error {
	return s.revoke(ctx,
		"DELETE FROM permissions WHERE document_id = $1 AND user_id = $2 AND NOT inherited",
		documentID, userID)
}

// RevokeRole deletes the direct grant for a role on a document
func (s *Store) RevokeRole(ctx context.Context, documentID, roleName string) error {
	return s.revoke(ctx,
		"DELETE FROM permissions WHERE document_id = $1 AND role_name = $2 AND NOT inherited",
		documentID, roleName)
}

func (s *Store) revoke(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForDocument returns all permission rows on a document, direct and
// inherited, including expired ones (expiry is applied at resolution).
func (s *Store) ListForDocument(ctx context.Context, documentID string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, role_name,
		       can_read, can_write, can_delete, can_share, can_admin,
		       granted_by, granted_at, expires_at, inherited, source_type, source_id
		FROM permissions
		WHERE document_id = $1
		ORDER BY granted_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	return scanPermissions(rows)
}

// ReplaceInherited atomically replaces the cached inherited rows from one
// scope with a fresh set, as part of propagation. The rows are validated
// up front, and when the store is bound to a plain database handle the
// delete and inserts run inside a single transaction, so a failure never
// leaves the document with a partial set.
func (s *Store) ReplaceInherited(ctx context.Context, documentID string, sourceType SourceType, sourceID string, perms []*Permission) error {
	for _, p := range perms {
		p.DocumentID = documentID
		p.Inherited = true
		p.SourceType = sourceType
		p.SourceID = sourceID
		if p.GrantedAt.IsZero() {
			p.GrantedAt = time.Now().UTC()
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
	}

	if db, ok := s.db.(*sql.DB); ok {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := s.WithTx(tx).replaceInherited(ctx, documentID, sourceType, sourceID, perms); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	}
	return s.replaceInherited(ctx, documentID, sourceType, sourceID, perms)
}

func (s *Store) replaceInherited(ctx context.Context, documentID string, sourceType SourceType, sourceID string, perms []*Permission) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM permissions
		WHERE document_id = $1 AND inherited AND source_type = $2 AND source_id = $3
	`, documentID, sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("failed to clear inherited permissions: %w", err)
	}

	for _, p := range perms {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO permissions (
				id, document_id, user_id, role_name,
				can_read, can_write, can_delete, can_share, can_admin,
				granted_by, granted_at, expires_at, inherited, source_type, source_id
			) VALUES (
				$1, $2, $3, $4,
				$5, $6, $7, $8, $9,
				$10, $11, $12, $13, $14, $15
			)
		`,
			p.ID, p.DocumentID, p.UserID, p.RoleName,
			p.Caps.Read, p.Caps.Write, p.Caps.Delete, p.Caps.Share, p.Caps.Admin,
			p.GrantedBy, p.GrantedAt, p.ExpiresAt, true, p.SourceType, p.SourceID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert inherited permission: %w", err)
		}
	}

	return nil
}

func scanPermissions(rows *sql.Rows) ([]*Permission, error) {
	perms := make([]*Permission, 0)
	for rows.Next() {
		p := &Permission{}
		var userID, roleName, sourceType, sourceID sql.NullString
		var expiresAt sql.NullTime

		if err := rows.Scan(
			&p.ID, &p.DocumentID, &userID, &roleName,
			&p.Caps.Read, &p.Caps.Write, &p.Caps.Delete, &p.Caps.Share, &p.Caps.Admin,
			&p.GrantedBy, &p.GrantedAt, &expiresAt, &p.Inherited, &sourceType, &sourceID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}

		if userID.Valid {
			p.UserID = &userID.String
		}
		if roleName.Valid {
			p.RoleName = &roleName.String
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			p.ExpiresAt = &t
		}
		p.SourceType = SourceType(sourceType.String)
		p.SourceID = sourceID.String

		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permissions: %w", err)
	}
	return perms, nil
}
