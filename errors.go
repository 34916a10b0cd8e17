package rbac

import (
	"errors"
	"fmt"
)

// Error taxonomy. PermissionDenied is deliberately absent: a denied check is
// a Decision outcome, not an error.

// ValidationError reports malformed input: unknown scope, empty identifiers,
// an expiry that is not in the future.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "rbac: " + e.Msg }

func errValidation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports duplicate names, version mismatches on concurrent
// mutation, or attempts to remove a protected system-role binding.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "rbac: " + e.Msg }

func errConflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a referenced role, permission or record that does
// not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rbac: %s not found: %s", e.Kind, e.ID)
}

func errNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// StoreUnavailableError wraps a storage failure on the query or mutation
// path. On the query path it degrades the decision to Undetermined; it never
// resolves to an allow.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("rbac: store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsStoreUnavailable reports whether err is a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var s *StoreUnavailableError
	return errors.As(err, &s)
}
