package documents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docuvault/docuvault/pkg/database"
)

// createVersionMaxRetries bounds the retry loop that serializes
// concurrent version-number assignment.
const createVersionMaxRetries = 5

// Store owns document and version persistence
type Store struct {
	db database.Executor
}

// NewStore creates a document store
func NewStore(db database.Executor) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to the given transaction so document
// mutations can commit atomically with other components' writes.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// Create persists a new document after checking the organization-scoped
// content-hash dedup invariant. A live document with the same hash in
// the same organization yields a DuplicateContentError carrying the
// existing document's id.
func (s *Store) Create(ctx context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	var existingID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM documents
		WHERE content_hash = $1 AND organization_id = $2 AND status != 'deleted'
	`, doc.ContentHash, doc.OrganizationID).Scan(&existingID)
	if err == nil {
		return &DuplicateContentError{
			ContentHash:    doc.ContentHash,
			OrganizationID: doc.OrganizationID,
			ExistingID:     existingID,
		}
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check content hash: %w", err)
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = StatusActive
	}
	if doc.Classification == "" {
		doc.Classification = ClassificationInternal
	}
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = ProcessingPending
	}
	if doc.OriginalFilename == "" {
		doc.OriginalFilename = doc.Filename
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.SearchText = DeriveSearchText(doc)

	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, filename, original_filename, content_type, size_bytes,
			content_hash, storage_ref, owner_id, organization_id,
			status, document_type, classification, extracted_text,
			search_text, metadata, processing_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18
		)
	`,
		doc.ID, doc.Filename, doc.OriginalFilename, doc.ContentType, doc.SizeBytes,
		doc.ContentHash, doc.StorageRef, doc.OwnerID, doc.OrganizationID,
		doc.Status, doc.DocumentType, doc.Classification, doc.ExtractedText,
		doc.SearchText, metadataJSON, doc.ProcessingStatus, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		// A concurrent upload of the same bytes can slip past the
		// check above and land on the partial unique index instead.
		if database.IsUniqueViolation(err) {
			return &DuplicateContentError{
				ContentHash:    doc.ContentHash,
				OrganizationID: doc.OrganizationID,
			}
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	return nil
}

// Get returns a live (non-deleted) document by id
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	return s.getWhere(ctx, "id = $1 AND status != 'deleted'", id)
}

// GetByHash returns the live document with the given content hash in an
// organization, if any.
func (s *Store) GetByHash(ctx context.Context, organizationID, hash string) (*Document, error) {
	return s.getWhere(ctx, "content_hash = $1 AND organization_id = $2 AND status != 'deleted'", hash, organizationID)
}

func (s *Store) getWhere(ctx context.Context, where string, args ...interface{}) (*Document, error) {
	query := `
		SELECT
			id, filename, original_filename, content_type, size_bytes,
			content_hash, storage_ref, owner_id, organization_id,
			status, document_type, classification, extracted_text,
			search_text, metadata, processing_status, created_at, updated_at
		FROM documents
		WHERE ` + where

	doc := &Document{}
	var documentType sql.NullString
	var extractedText sql.NullString
	var metadataJSON []byte

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&doc.ID, &doc.Filename, &doc.OriginalFilename, &doc.ContentType, &doc.SizeBytes,
		&doc.ContentHash, &doc.StorageRef, &doc.OwnerID, &doc.OrganizationID,
		&doc.Status, &documentType, &doc.Classification, &extractedText,
		&doc.SearchText, &metadataJSON, &doc.ProcessingStatus, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.DocumentType = documentType.String
	if extractedText.Valid {
		doc.ExtractedText = &extractedText.String
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return doc, nil
}

// Exists reports whether a live document with the given id exists
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM documents WHERE id = $1 AND status != 'deleted'", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check document existence: %w", err)
	}
	return true, nil
}

// UpdateMetadata applies a partial metadata update and re-derives the
// search representation from the resulting field values.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) (*Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Filename != nil {
		if *patch.Filename == "" {
			return nil, fmt.Errorf("%w: filename cannot be empty", ErrValidation)
		}
		doc.Filename = *patch.Filename
	}
	if patch.DocumentType != nil {
		doc.DocumentType = *patch.DocumentType
	}
	if patch.Classification != nil {
		if !patch.Classification.IsValid() {
			return nil, fmt.Errorf("%w: invalid classification %q", ErrValidation, *patch.Classification)
		}
		doc.Classification = *patch.Classification
	}
	if patch.Metadata != nil {
		doc.Metadata = patch.Metadata
	}

	doc.UpdatedAt = time.Now().UTC()
	doc.SearchText = DeriveSearchText(doc)

	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET filename = $1, document_type = $2, classification = $3,
		    metadata = $4, search_text = $5, updated_at = $6
		WHERE id = $7 AND status != 'deleted'
	`,
		doc.Filename, doc.DocumentType, doc.Classification,
		metadataJSON, doc.SearchText, doc.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update document metadata: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}

	return doc, nil
}

// SetExtractedText stores processing output and re-derives search text
func (s *Store) SetExtractedText(ctx context.Context, id, text string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	doc.ExtractedText = &text
	doc.UpdatedAt = time.Now().UTC()
	doc.SearchText = DeriveSearchText(doc)

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET extracted_text = $1, search_text = $2, updated_at = $3
		WHERE id = $4 AND status != 'deleted'
	`, text, doc.SearchText, doc.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set extracted text: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the lifecycle status
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, updated_at = $2
		WHERE id = $3 AND status != 'deleted'
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set document status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProcessingStatus updates the pipeline state of the document
func (s *Store) SetProcessingStatus(ctx context.Context, id string, status ProcessingStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET processing_status = $1, updated_at = $2
		WHERE id = $3 AND status != 'deleted'
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set processing status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a document deleted. Rows are never physically removed
// so the audit trail keeps a valid reference.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'deleted', updated_at = $1
		WHERE id = $2 AND status != 'deleted'
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateVersion attaches new content to an existing document as the next
// version and updates the parent's current storage reference, size, hash,
// and filename. Version numbers are assigned as max+1 inside the insert
// itself; the UNIQUE(document_id, version_number) constraint plus a
// bounded retry serializes concurrent callers.
func (s *Store) CreateVersion(ctx context.Context, v *Version) error {
	if v.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if v.SizeBytes <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrValidation)
	}
	if len(v.ContentHash) != 64 {
		return fmt.Errorf("%w: content hash must be 64 hex characters", ErrValidation)
	}

	exists, err := s.Exists(ctx, v.DocumentID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = time.Now().UTC()

	var lastErr error
	for attempt := 0; attempt < createVersionMaxRetries; attempt++ {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO document_versions (
				id, document_id, version_number, filename, storage_ref,
				size_bytes, content_hash, change_summary, created_by, created_at
			)
			SELECT $1, $2, COALESCE(MAX(version_number), 0) + 1, $3, $4, $5, $6, $7, $8, $9
			FROM document_versions WHERE document_id = $10
			RETURNING version_number
		`,
			v.ID, v.DocumentID, v.Filename, v.StorageRef,
			v.SizeBytes, v.ContentHash, v.ChangeSummary, v.CreatedBy, v.CreatedAt,
			v.DocumentID,
		).Scan(&v.VersionNumber)

		if err == nil {
			lastErr = nil
			break
		}
		if database.IsUniqueViolation(err) {
			// Lost the race for this version number; recompute and retry
			lastErr = err
			continue
		}
		return fmt.Errorf("failed to insert document version: %w", err)
	}
	if lastErr != nil {
		return fmt.Errorf("failed to assign version number after %d attempts: %w", createVersionMaxRetries, lastErr)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE documents
		SET storage_ref = $1, size_bytes = $2, content_hash = $3,
		    filename = $4, processing_status = 'pending', updated_at = $5
		WHERE id = $6
	`, v.StorageRef, v.SizeBytes, v.ContentHash, v.Filename, time.Now().UTC(), v.DocumentID)
	if err != nil {
		return fmt.Errorf("failed to update parent document: %w", err)
	}

	return nil
}

// ListVersions returns a document's version chain, newest first
func (s *Store) ListVersions(ctx context.Context, documentID string) ([]*Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version_number, filename, storage_ref,
		       size_bytes, content_hash, change_summary, created_by, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version_number DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]*Version, 0)
	for rows.Next() {
		v := &Version{}
		var changeSummary sql.NullString
		if err := rows.Scan(
			&v.ID, &v.DocumentID, &v.VersionNumber, &v.Filename, &v.StorageRef,
			&v.SizeBytes, &v.ContentHash, &changeSummary, &v.CreatedBy, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.ChangeSummary = changeSummary.String
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// GetVersion returns one version of a document
func (s *Store) GetVersion(ctx context.Context, documentID string, versionNumber int) (*Version, error) {
	v := &Version{}
	var changeSummary sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_number, filename, storage_ref,
		       size_bytes, content_hash, change_summary, created_by, created_at
		FROM document_versions
		WHERE document_id = $1 AND version_number = $2
	`, documentID, versionNumber).Scan(
		&v.ID, &v.DocumentID, &v.VersionNumber, &v.Filename, &v.StorageRef,
		&v.SizeBytes, &v.ContentHash, &changeSummary, &v.CreatedBy, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	v.ChangeSummary = changeSummary.String
	return v, nil
}

// ListByOrganization returns live documents in an organization, newest first
func (s *Store) ListByOrganization(ctx context.Context, organizationID string, limit, offset int) ([]*Document, error) {
	query := `
		SELECT
			id, filename, original_filename, content_type, size_bytes,
			content_hash, storage_ref, owner_id, organization_id,
			status, document_type, classification, extracted_text,
			search_text, metadata, processing_status, created_at, updated_at
		FROM documents
		WHERE organization_id = $1 AND status != 'deleted'
		ORDER BY created_at DESC
	`
	args := []interface{}{organizationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET $3"
			args = append(args, offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*Document, 0)
	for rows.Next() {
		doc := &Document{}
		var documentType sql.NullString
		var extractedText sql.NullString
		var metadataJSON []byte

		if err := rows.Scan(
			&doc.ID, &doc.Filename, &doc.OriginalFilename, &doc.ContentType, &doc.SizeBytes,
			&doc.ContentHash, &doc.StorageRef, &doc.OwnerID, &doc.OrganizationID,
			&doc.Status, &documentType, &doc.Classification, &extractedText,
			&doc.SearchText, &metadataJSON, &doc.ProcessingStatus, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}

		doc.DocumentType = documentType.String
		if extractedText.Valid {
			doc.ExtractedText = &extractedText.String
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}
