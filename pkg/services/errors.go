package services

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row does not exist or belongs to another
// tenant. Callers cannot tell the two apart, which is the point.
var ErrNotFound = errors.New("entity not found")

// ValidationError reports a rejected field on a service request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for one field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
