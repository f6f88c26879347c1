// Package apperrors defines the error taxonomy shared across the engine:
// validation failures are rejected synchronously and never retried, not-found
// failures map to 404, and anything else is treated as transient by the task
// runner.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a request that can never succeed as given.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (fields: %s)", e.Message, strings.Join(e.Fields, ", "))
}

// NewValidation creates a validation error naming the offending fields.
func NewValidation(message string, fields ...string) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports a missing or wrongly-scoped resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFound creates a not-found error for the given resource and ID.
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
