// Package errors provides the error taxonomy for the event handler.
//
// The package separates outcomes from faults:
//   - Validation: malformed input, rejected at the API boundary
//   - NotFound / AlreadyExists: normal outcomes, reported as status values
//   - Delivery: one destination failed, isolated from its siblings
//   - Store: the persistence collaborator failed, fatal to the request
//   - Timeout: an attempt exceeded its deadline
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling at component boundaries.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota

	// KindValidation indicates malformed input.
	KindValidation

	// KindNotFound indicates the target of an operation does not exist.
	KindNotFound

	// KindAlreadyExists indicates a create targeted an existing record.
	KindAlreadyExists

	// KindDelivery indicates a single destination could not be notified.
	KindDelivery

	// KindStore indicates the persistence layer is unavailable or rejected the operation.
	KindStore

	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindDelivery:
		return "delivery"
	case KindStore:
		return "store"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an error with its kind and the operation that produced it.
type Error struct {
	// Kind indicates how this error should be handled.
	Kind Kind

	// Op describes what operation was being attempted.
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v (kind: %s)", e.Op, e.Err, e.Kind)
	}
	return fmt.Sprintf("%v (kind: %s)", e.Err, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation creates a validation error.
func Validation(op string, err error) *Error {
	return New(KindValidation, op, err)
}

// Store creates a store failure.
func Store(op string, err error) *Error {
	return New(KindStore, op, err)
}

// Delivery creates a delivery failure for a single destination.
func Delivery(url string, err error) *Error {
	return New(KindDelivery, "deliver to "+url, err)
}

// KindOf determines the kind of an error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}

	var fieldErrs FieldErrors
	if errors.As(err, &fieldErrs) {
		return KindValidation
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return KindDelivery
	}

	return KindUnknown
}

// IsStoreFailure reports whether the error came from the persistence layer.
func IsStoreFailure(err error) bool {
	return KindOf(err) == KindStore
}

// IsValidation reports whether the error describes malformed input.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}
