package provider

import (
	"errors"
	"fmt"
)

// Category classifies provider failures for the queue processor: transient
// failures are retried with backoff, permanent failures terminate the order,
// and unknown faults are retried with a lowered ceiling.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryUnknown   Category = "unknown"
)

// Error is the normalized provider failure.
type Error struct {
	Category Category
	Code     string
	Message  string
	cause    error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %s (%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Transient builds a retryable provider error.
func Transient(code, message string, cause error) *Error {
	return &Error{Category: CategoryTransient, Code: code, Message: message, cause: cause}
}

// Permanent builds a terminal provider error.
func Permanent(code, message string, cause error) *Error {
	return &Error{Category: CategoryPermanent, Code: code, Message: message, cause: cause}
}

// Unknown builds an unclassified provider fault.
func Unknown(code, message string, cause error) *Error {
	return &Error{Category: CategoryUnknown, Code: code, Message: message, cause: cause}
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	return categoryOf(err) == CategoryTransient
}

// IsPermanent reports whether err is a terminal provider error.
func IsPermanent(err error) bool {
	return categoryOf(err) == CategoryPermanent
}

func categoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryUnknown
}
