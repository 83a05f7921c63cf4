// Package errors holds the error definitions shared by the whole project.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - HTTPStatus mapping for the REST surface
// - Error wrapping utilities
// - A ValidationErrors collector
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrDeviceNotFound = errors.New("device not found")
	ErrTopicNotFound  = errors.New("topic not found")

	// Validation errors
	ErrInvalidSample   = errors.New("invalid sample")
	ErrInvalidValue    = errors.New("invalid value")
	ErrInvalidDeviceID = errors.New("invalid device id")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrPayloadTooLarge = errors.New("payload too large")

	// State errors
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrQueueClosed       = errors.New("queue closed")
	ErrShuttingDown      = errors.New("shutting down")
	ErrWriterStopped     = errors.New("writer stopped")
	ErrSubscriptionGone  = errors.New("subscription closed")

	// Protocol errors
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrSNMPError           = errors.New("SNMP error")
	ErrTimeout             = errors.New("timeout")
	ErrConnectionFailed    = errors.New("connection failed")

	// Internal errors
	ErrInternal         = errors.New("internal error")
	ErrDatabase         = errors.New("database error")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownDriver    = errors.New("unknown storage driver")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrTopicNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSample) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidDeviceID) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInvalidPayload)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrQueueClosed) ||
		errors.Is(err, ErrShuttingDown) ||
		errors.Is(err, ErrWriterStopped)
}

// IsProtocolError returns true if err is a protocol-related error.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnsupportedProtocol) ||
		errors.Is(err, ErrSNMPError) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrShuttingDown)
}

// ============================================================================
// Error to HTTP status mapping
// ============================================================================

// HTTPStatus maps a sentinel error to the status code the REST API
// answers with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch {
	case Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case Is(err, ErrUnsupportedType):
		return http.StatusUnsupportedMediaType

	case IsNotFound(err):
		return http.StatusNotFound

	case IsValidation(err):
		return http.StatusBadRequest

	case Is(err, ErrShuttingDown), Is(err, ErrQueueClosed), Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable

	case Is(err, ErrTimeout):
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// StatusToError maps an HTTP status returned by the server to a sentinel
// error (for clients).
func StatusToError(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case status == http.StatusUnsupportedMediaType:
		return ErrUnsupportedType
	case status == http.StatusServiceUnavailable:
		return ErrShuttingDown
	case status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status < 500:
		return ErrInvalidSample
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidValue)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidValue)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddPrefixed adds every error of other, prefixing each message. Used
// to attribute per-sample problems to their position in a request.
func (v *ValidationErrors) AddPrefixed(prefix string, other *ValidationErrors) {
	if other == nil {
		return
	}
	for _, err := range other.Errors {
		v.Errors = append(v.Errors, fmt.Errorf("%s: %w", prefix, err))
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Messages returns the message of every collected error.
func (v *ValidationErrors) Messages() []string {
	out := make([]string, 0, len(v.Errors))
	for _, err := range v.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
