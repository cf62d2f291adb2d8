// Package errors provides standardized error handling for the metricflow
// engine. It includes error classification, standard error variables, and
// helper functions for consistent wrapping across components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Execution lifecycle errors
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionTerminal  = errors.New("execution already in a terminal state")
	ErrChunkSetIncomplete = errors.New("chunk result set incomplete")
	ErrImpactLoopExceeded = errors.New("impact creation exceeded iteration cap")

	// Lock errors
	ErrAlreadyLocked = errors.New("resource already locked")
	ErrLockNotHeld   = errors.New("lock not held by this token")
	ErrLockRelease   = errors.New("lock release failed")

	// Storage errors
	ErrKeyNotFound        = errors.New("key not found")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Calculation engine errors
	ErrEngineUnavailable  = errors.New("calculation engine unavailable")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrEngineUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Common transient patterns from transport-level errors
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "throttl", "too many requests"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrImpactLoopExceeded)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrLockNotHeld) ||
		errors.Is(err, ErrExecutionTerminal)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, err, component, method,
		fmt.Sprintf("%s.%s: %s: %v", component, method, action, err))
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, err, component, method,
		fmt.Sprintf("%s.%s: %s: %v", component, method, action, err))
}

// WrapInvalid wraps an error as invalid with context.
// A nil err is allowed so validation failures can be expressed directly.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		err = errors.New(action)
	}
	return newClassified(ErrorInvalid, err, component, method,
		fmt.Sprintf("%s.%s: %s", component, method, action))
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
