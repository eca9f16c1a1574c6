// Package apperrors defines the error taxonomy shared by the access-control core.
//
// Every error type matches one of the sentinel errors below through errors.Is, so
// callers can branch on the category without caring about the concrete type:
//
//	if errors.Is(err, apperrors.ErrNotFound) { ... }
//
// Errors raised by a pre-delete hook are never wrapped; they reach the caller as-is.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

var (
	// ErrValidation is matched by *ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is matched by *NotFoundError
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is matched by *PermissionDeniedError
	ErrPermissionDenied = errors.New("permission denied")

	// ErrProtected is matched by *ProtectedResourceError
	ErrProtected = errors.New("protected resource")

	// ErrStorage is matched by *StorageError
	ErrStorage = errors.New("storage error")

	// ErrConflict is matched by *ConflictError
	ErrConflict = errors.New("conflict")
)

// Validation error codes
const (
	CodeMalformedPolicy    = "malformed_policy"
	CodeUnknownFilterField = "unknown_filter_field"
	CodeUnknownSortField   = "unknown_sort_field"
	CodeUnknownField       = "unknown_field"
	CodeInvalidOperator    = "invalid_operator"
	CodeInvalidValue       = "invalid_value"
	CodeRLSNotApplied      = "rls_not_applied"
	CodeMissingContext     = "missing_security_context"
	CodeUnknownEntity      = "unknown_entity"
	CodeInvalidMetadata    = "invalid_metadata"
)

// ValidationError represents a request-shape or configuration error
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error
func NewValidationError(code, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when a record does not exist or is not visible to the caller
type NotFoundError struct {
	Entity string
	ID     interface{}
}

func (e *NotFoundError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("record not found: %v", e.ID)
	}
	return fmt.Sprintf("%s not found: %v", e.Entity, e.ID)
}

// Is reports whether target is ErrNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PermissionDeniedError is returned when a role does not satisfy a permission requirement
type PermissionDeniedError struct {
	Role     string
	Resource string
	Action   string
	Field    string
}

func (e *PermissionDeniedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("permission denied: role %q cannot %s field %q of %s", e.Role, e.Action, e.Field, e.Resource)
	}
	return fmt.Sprintf("permission denied: role %q cannot %s %s", e.Role, e.Action, e.Resource)
}

// Is reports whether target is ErrPermissionDenied
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// ProtectedResourceError is returned when a mutation targets a system-protected record
type ProtectedResourceError struct {
	Table string
	ID    interface{}
	Field string
	Value interface{}
}

func (e *ProtectedResourceError) Error() string {
	return fmt.Sprintf("%s %v is system protected (%s=%v)", e.Table, e.ID, e.Field, e.Value)
}

// Is reports whether target is ErrProtected
func (e *ProtectedResourceError) Is(target error) bool {
	return target == ErrProtected
}

// StorageError wraps an underlying database failure
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the driver error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStorage
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage wraps err as a StorageError, returning nil for a nil err
func Storage(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Table: table, Err: err}
}

// ConflictError is returned when a record cannot change because of the state
// of other records, such as a role that is still assigned to users
type ConflictError struct {
	Table  string
	ID     interface{}
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %v: %s", e.Table, e.ID, e.Reason)
}

// Is reports whether target is ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermissionDenied checks if an error is a permission error
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsProtected checks if an error is a protected resource error
func IsProtected(err error) bool {
	return errors.Is(err, ErrProtected)
}

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// foreignKeyViolation is the SQLSTATE for foreign_key_violation
const foreignKeyViolation = "23503"

// IsForeignKeyViolation reports whether err wraps a PostgreSQL foreign-key violation
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == foreignKeyViolation
	}
	return false
}

// StatusCode maps an error to the HTTP status an outer layer should report
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsPermissionDenied(err):
		return http.StatusForbidden
	case IsProtected(err), IsConflict(err), IsForeignKeyViolation(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
