package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("action not permitted for this role and state")
	ErrValidation       = errors.New("invalid escrow input")
	ErrStaleSnapshot    = errors.New("eligibility changed since the view was rendered")
	ErrExecution        = errors.New("settlement layer execution failed")

	// ErrRejected is wrapped by executors when the settlement layer refuses
	// an intent on its own rules (a revert), as opposed to failing to reach it.
	ErrRejected = errors.New("rejected by settlement layer")
)

// PermissionError reports an action outside the computed action set.
type PermissionError struct {
	Action Action
	Role   Role
	State  State
	Reason string
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("%s: %s may not %s in %s", ErrPermissionDenied, e.Role, e.Action, e.State)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// ValidationError reports malformed input: bad bps, a stale approval, or a
// snapshot that breaks its own invariants.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StaleSnapshotError reports an action that was available when the caller
// rendered its view but no longer is, typically because a timer flipped.
type StaleSnapshotError struct {
	Action     Action
	RenderedAt int64
	Now        int64
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("%s: %s was available at %d but not at %d", ErrStaleSnapshot, e.Action, e.RenderedAt, e.Now)
}

func (e *StaleSnapshotError) Unwrap() error { return ErrStaleSnapshot }

// ExecutionError wraps an executor failure, tagged with the attempted action.
// The underlying error is surfaced unchanged.
type ExecutionError struct {
	Action   Action
	RecordID string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s on %s: %v", ErrExecution, e.Action, e.RecordID, e.Err)
}

// Unwrap exposes both the sentinel and the executor's own error.
func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }
