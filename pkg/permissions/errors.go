package permissions

import "errors"

var (
	// ErrNotFound is returned when resolving against a non-existent
	// document, or revoking a grant that does not exist. Distinct from
	// an existing document with zero capabilities, which resolves to an
	// empty set without error.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed permission rows.
	ErrValidation = errors.New("validation failed")
)
