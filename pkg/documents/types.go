// Package documents owns document metadata, content-hash deduplication,
// and immutable version chains.
package documents

import (
	"fmt"
	"time"
)

// Status represents the document lifecycle status
type Status string

const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
	StatusArchived   Status = "archived"
	StatusDeleted    Status = "deleted"
)

// Classification represents the sensitivity level of a document
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

var validClassifications = map[Classification]bool{
	ClassificationPublic:       true,
	ClassificationInternal:     true,
	ClassificationConfidential: true,
	ClassificationRestricted:   true,
}

// IsValid reports whether the classification is a known level
func (c Classification) IsValid() bool {
	return validClassifications[c]
}

// ProcessingStatus tracks the pipeline state of the document's content
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingRunning   ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Document represents document metadata. File bytes live in the blob
// collaborator; the document holds only the storage reference and hash.
type Document struct {
	ID               string            `json:"id"`
	Filename         string            `json:"filename"`
	OriginalFilename string            `json:"original_filename"`
	ContentType      string            `json:"content_type"`
	SizeBytes        int64             `json:"size_bytes"`
	ContentHash      string            `json:"content_hash"`
	StorageRef       string            `json:"storage_ref"`
	OwnerID          string            `json:"owner_id"`
	OrganizationID   string            `json:"organization_id"`
	Status           Status            `json:"status"`
	DocumentType     string            `json:"document_type,omitempty"`
	Classification   Classification    `json:"classification"`
	ExtractedText    *string           `json:"extracted_text,omitempty"`
	SearchText       string            `json:"search_text"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ProcessingStatus ProcessingStatus  `json:"processing_status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Validate checks the invariants required before persisting a document
func (d *Document) Validate() error {
	if d.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if d.SizeBytes <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrValidation)
	}
	if len(d.ContentHash) != 64 {
		return fmt.Errorf("%w: content hash must be 64 hex characters", ErrValidation)
	}
	if d.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if d.OrganizationID == "" {
		return fmt.Errorf("%w: organization is required", ErrValidation)
	}
	if d.Classification != "" && !d.Classification.IsValid() {
		return fmt.Errorf("%w: invalid classification %q", ErrValidation, d.Classification)
	}
	return nil
}

// Version is an immutable snapshot of a document's content at one point
// in its history.
type Version struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	VersionNumber int       `json:"version_number"`
	Filename      string    `json:"filename"`
	StorageRef    string    `json:"storage_ref"`
	SizeBytes     int64     `json:"size_bytes"`
	ContentHash   string    `json:"content_hash"`
	ChangeSummary string    `json:"change_summary,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// MetadataPatch describes a partial metadata update. Nil fields are left
// unchanged; a non-nil Metadata map replaces the stored map wholesale.
type MetadataPatch struct {
	Filename       *string
	DocumentType   *string
	Classification *Classification
	Metadata       map[string]string
}
