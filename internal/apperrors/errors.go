// Package apperrors provides common static errors used throughout the application.
package apperrors

import (
	"errors"
	"fmt"
)

// VcsError wraps a failure reported by the version control layer.
type VcsError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *VcsError) Error() string {
	return fmt.Sprintf("vcs %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *VcsError) Unwrap() error {
	return e.Err
}

// NewVcsError wraps err as a VcsError for the given operation.
// A nil err yields nil.
func NewVcsError(op string, err error) error {
	if err == nil {
		return nil
	}
	var vcsErr *VcsError
	if errors.As(err, &vcsErr) {
		return err
	}
	return &VcsError{Op: op, Err: err}
}

// UnsupportedLayoutError is returned when a note file lives somewhere the sync engine
// does not know how to map to a note (nested folders other than the archive).
type UnsupportedLayoutError struct {
	Path string
}

// Error implements the error interface.
func (e *UnsupportedLayoutError) Error() string {
	return fmt.Sprintf("folders aren't supported: %q", e.Path)
}

// InvariantViolation is returned when the working copy is not in the state a sync step expects.
type InvariantViolation struct {
	What string
}

// Error implements the error interface.
func (e *InvariantViolation) Error() string {
	return "invariant violated: " + e.What
}

// NewInvariantViolation creates a new InvariantViolation.
func NewInvariantViolation(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{What: fmt.Sprintf(format, args...)}
}

// Common static errors used throughout the application.
var (
	// ErrSyncDisabled is returned when a sync is requested while no remote is configured.
	ErrSyncDisabled = errors.New("sync is disabled")

	// ErrSyncInProgress is returned when a sync is requested while another one is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrPushRejected is returned when the remote refuses a push (non fast-forward).
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrMergeConflicts is returned when a merge cannot be completed without manual resolution.
	ErrMergeConflicts = errors.New("merge has conflicts")

	// ErrRepositoryNotInitialized is returned when a repository operation runs before Init.
	ErrRepositoryNotInitialized = errors.New("repository not initialized")

	// ErrWorktreeDirty is returned when an operation requires a clean working copy.
	ErrWorktreeDirty = errors.New("working copy has uncommitted changes")

	// ErrRemoteNotConfigured is returned when a git remote operation is attempted but no remote is configured.
	ErrRemoteNotConfigured = errors.New("no remote configured")

	// ErrHTTPSPasswordRequired is returned when an HTTPS git URL is used without a password or token.
	ErrHTTPSPasswordRequired = errors.New("password required for HTTPS URLs")

	// ErrNoteNotFound is returned when a note does not exist.
	ErrNoteNotFound = errors.New("note not found")

	// ErrInvalidSyncState is returned when a stored sync state cannot be parsed.
	ErrInvalidSyncState = errors.New("invalid sync state")

	// ErrSettingNotSet is returned when a setting has no stored value.
	ErrSettingNotSet = errors.New("setting not set")

	// ErrNoteIDRequired is returned when a command needs a note ID argument.
	ErrNoteIDRequired = errors.New("note ID required")

	// ErrInvalidOutputFormat is returned for an unknown --output value.
	ErrInvalidOutputFormat = errors.New("invalid output format")

	// ErrEmptyInput is returned when an empty input is provided.
	ErrEmptyInput = errors.New("empty input")

	// ErrMaxRetriesExceeded is returned when the maximum number of retries is exceeded.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
