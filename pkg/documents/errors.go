package documents

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or version does not exist
	// or has been soft-deleted.
	ErrNotFound = errors.New("document not found")

	// ErrValidation is returned for malformed document fields.
	ErrValidation = errors.New("validation failed")
)

// DuplicateContentError signals that a live document with the same
// content hash already exists in the organization. Callers decide
// whether to treat the existing document as an idempotent success.
type DuplicateContentError struct {
	ContentHash    string
	OrganizationID string
	ExistingID     string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: hash %s already exists in organization %s as document %s",
		e.ContentHash, e.OrganizationID, e.ExistingID)
}

// IsDuplicateContent reports whether err is a DuplicateContentError and
// returns it if so.
func IsDuplicateContent(err error) (*DuplicateContentError, bool) {
	var dup *DuplicateContentError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}
