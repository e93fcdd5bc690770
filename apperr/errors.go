// Package apperr defines the error taxonomy shared by the project store and the
// stage engine. Callers classify failures with errors.Is against the sentinel
// kinds and errors.As against the concrete types for row/field details.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden matches every *ForbiddenError.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage failure")
)

// ValidationKind distinguishes the validation failures a caller can surface
// against a specific row or field.
type ValidationKind string

const (
	KindIncompleteSubmission ValidationKind = "incomplete_submission"
	KindOutOfOrder           ValidationKind = "out_of_order_transition"
	KindUnknownStage         ValidationKind = "unknown_stage"
	KindInvalidTimestamp     ValidationKind = "invalid_timestamp"
)

// ValidationError is returned before any write when a request payload or the
// requested transition is not acceptable.
type ValidationError struct {
	Kind   ValidationKind
	Stage  string
	Fields []string
	Detail string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindIncompleteSubmission:
		if e.Stage == "" {
			return fmt.Sprintf("%s are required", strings.Join(e.Fields, ", "))
		}
		return fmt.Sprintf("all fields (%s) are required for stage %q", strings.Join(e.Fields, ", "), e.Stage)
	case KindOutOfOrder:
		return fmt.Sprintf("stage %q cannot be submitted before the previous stage", e.Stage)
	case KindUnknownStage:
		return fmt.Sprintf("unknown stage %q", e.Stage)
	case KindInvalidTimestamp:
		return fmt.Sprintf("stage %q: invalid datetime for %s: %s", e.Stage, strings.Join(e.Fields, ", "), e.Detail)
	default:
		return "validation failed"
	}
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IncompleteSubmission reports the required fields that were blank. An empty
// stage means the failure belongs to the project header.
func IncompleteSubmission(stage string, missing ...string) *ValidationError {
	return &ValidationError{Kind: KindIncompleteSubmission, Stage: stage, Fields: missing}
}

// OutOfOrder reports a submission attempted before the preceding stage was submitted.
func OutOfOrder(stage string) *ValidationError {
	return &ValidationError{Kind: KindOutOfOrder, Stage: stage}
}

func UnknownStage(stage string) *ValidationError {
	return &ValidationError{Kind: KindUnknownStage, Stage: stage}
}

func InvalidTimestamp(stage, field, value string) *ValidationError {
	return &ValidationError{Kind: KindInvalidTimestamp, Stage: stage, Fields: []string{field}, Detail: value}
}

// ForbiddenError is returned when the actor may not perform Operation.
type ForbiddenError struct {
	Operation string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Operation)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

func Forbidden(operation string) *ForbiddenError {
	return &ForbiddenError{Operation: operation}
}

// NotFoundError terminates the request path for an unknown identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func ProjectNotFound(id string) *NotFoundError {
	return &NotFoundError{Resource: "project", ID: id}
}

// StorageError wraps a driver or transport failure. It is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError unless it is already classified, in
// which case it passes through untouched.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Classified reports whether err already carries one of the taxonomy kinds.
func Classified(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage)
}
