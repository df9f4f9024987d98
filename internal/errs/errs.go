// Package errs holds the error taxonomy shared by the orchestration core.
// Callers classify errors with errors.Is against the sentinels below.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing request fields. Returned
	// before any state is created.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a duplicate concurrent operation on a held key.
	ErrConflict = errors.New("operation already in progress")
	// ErrToolExecution marks a tool invocation that reported failure.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrResource marks port, workspace or process allocation failures.
	ErrResource = errors.New("resource allocation failed")
	// ErrCancelled marks explicit user cancellation.
	ErrCancelled = errors.New("cancelled by user")
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict returns an error wrapping ErrConflict for the given operation key.
func Conflict(key string) error {
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

// Resource returns an error wrapping ErrResource.
func Resource(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResource, fmt.Sprintf(format, args...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// ToolError is the failure of a tool after all attempts.
type ToolError struct {
	Tool     string
	Attempts int
	Message  string
}

func (e *ToolError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("tool %s failed after %d attempts: %s", e.Tool, e.Attempts, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// Is lets errors.Is(err, ErrToolExecution) match a ToolError.
func (e *ToolError) Is(target error) bool {
	return target == ErrToolExecution
}
