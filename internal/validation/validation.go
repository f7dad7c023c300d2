package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err joins the accumulated errors into one error, or returns nil.
func (c *Collector) Err() error {
	if len(c.errors) == 0 {
		return nil
	}
	errs := make([]error, len(c.errors))
	for i, e := range c.errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidatePositive returns an error if the value is not greater than zero.
func ValidatePositive(field string, value int64) *ValidationError {
	if value <= 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be greater than zero",
		}
	}
	return nil
}

// ValidateNonNegative returns an error if the value is below zero.
func ValidateNonNegative(field string, value int64) *ValidationError {
	if value < 0 {
		return &ValidationError{
			Field:   field,
			Message: "must not be negative",
		}
	}
	return nil
}

// ValidateIdentifier returns an error unless value is a plain SQL identifier:
// a letter followed by letters, digits or underscores, at most 128 bytes.
// Quoted identifiers are built from these names, so nothing else is allowed.
func ValidateIdentifier(field, value string) *ValidationError {
	if value == "" || len(value) > 128 {
		return &ValidationError{
			Field:   field,
			Message: "must be between 1 and 128 characters",
		}
	}
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '_' || (r >= '0' && r <= '9')):
		default:
			return &ValidationError{
				Field:   field,
				Message: "must start with a letter and contain only letters, digits and underscores",
			}
		}
	}
	return nil
}
