// Package domain defines core types, interfaces, and errors for identity governance.
package domain

import (
	"fmt"
	"strings"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates insufficient permissions.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// TransientFetchError is a page or window fetch failure that may succeed on retry:
// a non-success status, a timeout, or a connection error.
type TransientFetchError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient fetch failure (status %d) for %s", e.Status, e.URL)
	}
	return fmt.Sprintf("transient fetch failure for %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ProjectionError reports that a batch could not be fully written to the graph.
type ProjectionError struct {
	Failed int
	Err    error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection failed for %d item(s): %v", e.Failed, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// GrantAssignmentError reports that a permission could not be assigned during
// a grant. The whole grant call is reported as failed.
type GrantAssignmentError struct {
	Key        string
	Permission string
	Err        error
}

func (e *GrantAssignmentError) Error() string {
	return fmt.Sprintf("grant %q: assign %q: %v", e.Key, e.Permission, e.Err)
}

func (e *GrantAssignmentError) Unwrap() error { return e.Err }

// RevocationError collects the permissions that could not be removed during a
// revocation. Revocation is best effort and never retried.
type RevocationError struct {
	Key      string
	Failures map[string]error // permission → cause
}

func (e *RevocationError) Error() string {
	perms := make([]string, 0, len(e.Failures))
	for p := range e.Failures {
		perms = append(perms, p)
	}
	return fmt.Sprintf("revoke %q: %d permission(s) failed: %s", e.Key, len(perms), strings.Join(perms, ","))
}
