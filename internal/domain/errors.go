package domain

import (
	"errors"
	"fmt"
	"runtime"
)

var ErrNotFound = errors.New("record not found")
var ErrNotUnique = errors.New("record not unique")
var ErrValidation = errors.New("validation failed")
var ErrConflict = errors.New("concurrent modification")
var ErrTransactionState = errors.New("invalid transaction state")
var ErrNoPermission = errors.New("no permission")

// ValidationError is returned if an aggregate violates a field constraint, for example an empty or already taken
// unique key.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError is returned if a lookup misses. Operations returning a NotFoundError did not mutate any row.
type NotFoundError struct {
	Entity string
	Key    string
}

func NewNotFoundError(entity, key string) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError is returned if an optimistic concurrency check fails, the row was modified by someone else
// since it has been loaded.
type ConflictError struct {
	Entity string
	Key    string
}

func NewConflictError(entity, key string) *ConflictError {
	return &ConflictError{Entity: entity, Key: key}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q has been modified concurrently", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// TransactionStateError is returned if an operation needs a transaction context that is missing or already finished.
type TransactionStateError struct {
	Reason string
}

func NewTransactionStateError(reason string) *TransactionStateError {
	return &TransactionStateError{Reason: reason}
}

func (e *TransactionStateError) Error() string {
	return "transaction state: " + e.Reason
}

func (e *TransactionStateError) Unwrap() error {
	return ErrTransactionState
}

// GetStackTrace returns a stack trace of the current goroutine. The stack trace has at most 1024 bytes.
func GetStackTrace() string {
	b := make([]byte, 1024)
	n := runtime.Stack(b, false)
	s := string(b[:n])

	return s
}
