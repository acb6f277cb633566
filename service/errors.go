package services

import "errors"

// Sentinel errors for the annotation workflow. Controllers map these to HTTP
// status codes with errors.Is; services wrap them with context via
// fmt.Errorf("...: %w", err).
var (
	// ErrNotFound marks a missing or soft-deleted text, annotation or review.
	ErrNotFound = errors.New("resource not found")

	// ErrPermissionDenied marks an actor that is not the owning
	// annotator/reviewer or lacks the required role capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStateConflict marks an operation that is invalid for the current
	// text status, or an edit to an endorsed annotation.
	ErrStateConflict = errors.New("state conflict")

	// ErrValidation marks bad input: span out of bounds, decision count
	// mismatch, malformed decision value, duplicate title.
	ErrValidation = errors.New("validation error")

	// ErrNoWorkAvailable is the defined empty result of work selection, not a
	// hard failure. Callers attach role-specific messaging.
	ErrNoWorkAvailable = errors.New("no work available")
)
