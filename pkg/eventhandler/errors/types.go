package errors

import (
	"fmt"
	"strings"
	"time"
)

// HTTPError represents a non-success response from a destination.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ValidationError indicates a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// FieldErrors collects every invalid field of one input.
type FieldErrors []*ValidationError

// Error implements the error interface.
func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error.
func (fe *FieldErrors) Add(field, message string) {
	*fe = append(*fe, &ValidationError{Field: field, Message: message})
}

// ByField groups messages by field name, the shape used in problem responses.
func (fe FieldErrors) ByField() map[string][]string {
	out := make(map[string][]string, len(fe))
	for _, e := range fe {
		out[e.Field] = append(out[e.Field], e.Message)
	}
	return out
}

// Err returns nil when empty so callers can return it directly.
func (fe FieldErrors) Err() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
