package models

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the service error taxonomy. Handlers map them to
// RFC 7807 responses; services return them (possibly wrapped) so retrying an
// identical request after a transient failure stays safe.
var (
	// ErrForbidden indicates the actor is not allowed to perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates a duplicate completion or similar state clash.
	ErrConflict = errors.New("conflict")
	// ErrInvalidAction indicates a transition attempted from the wrong status.
	ErrInvalidAction = errors.New("invalid action")
)

// StepError is a per-index validation failure inside a submitted sequence.
type StepError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// ValidationError carries the itemized per-index errors for a rejected batch.
// The whole batch is rejected; no partial writes happen.
type ValidationError struct {
	Errors []StepError `json:"errors"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %d step(s)", len(e.Errors))
}
