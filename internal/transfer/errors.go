package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTransfer is returned by the registry when a source already has
	// a downloading or paused record.
	ErrDuplicateTransfer = errors.New("transfer already tracked")
	ErrNoResumeData      = errors.New("no resume data")
	ErrInvalidState      = errors.New("invalid transfer state")
	ErrNotFound          = errors.New("transfer not found")
	ErrInvalidSource     = errors.New("invalid source identifier")
)

// StateError reports an operation that is not legal in the record's current state.
type StateError struct {
	SourceID  string
	State     State
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s while %s", e.Operation, e.SourceID, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// NetworkError represents a failed fetch, including non-2xx responses and
// transport failures.
type NetworkError struct {
	Operation  string // "fetch" or "resume"
	StatusCode int    // HTTP status code, 0 for transport errors
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError is a 401 or 403 from the source host.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failure to move received data to its destination.
type PersistenceError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s: %s", e.Path, e.Reason)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
