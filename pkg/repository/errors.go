package repository

import "errors"

var (
	// ErrPermissionDenied is the uniform signal for a disallowed
	// operation. Callers cannot distinguish "no grant" from "expired
	// grant" from "document deleted"; leaking resource existence to
	// unauthorized callers is avoided deliberately.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation indicates a malformed facade request
	ErrValidation = errors.New("validation failed")
)
