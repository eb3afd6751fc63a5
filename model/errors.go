package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Engine error codes.
const (
	ErrConfigError          = "CONFIG_ERROR"
	ErrNotFound             = "NOT_FOUND"
	ErrIllegalTransition    = "ILLEGAL_TRANSITION"
	ErrMissingRequiredField = "MISSING_REQUIRED_FIELD"
	ErrCapacityExceeded     = "CAPACITY_EXCEEDED"
	ErrConflictRetry        = "CONFLICT_RETRY"
)

// Transport error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrInternalError = "INTERNAL_ERROR"
)

// ErrorEnvelope is the typed error returned by every engine operation and
// rendered as-is by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MissingKeys returns the payload keys reported by a MISSING_REQUIRED_FIELD
// error, in sorted order.
func (e *ErrorEnvelope) MissingKeys() []string {
	if e.Code != ErrMissingRequiredField {
		return nil
	}
	keys := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		keys = append(keys, d.Field)
	}
	return keys
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewConfigError returns a CONFIG_ERROR. Problems are listed as details so a
// reload failure reports every defect at once.
func NewConfigError(msg string, problems ...string) *ErrorEnvelope {
	ee := &ErrorEnvelope{Code: ErrConfigError, Message: msg}
	for _, p := range problems {
		ee.Details = append(ee.Details, FieldError{Code: "INVALID", Message: p})
	}
	return ee
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("no transition from stage %q to stage %q", from, to),
	}
}

// NewMissingRequiredFieldError returns a MISSING_REQUIRED_FIELD error listing
// every missing key.
func NewMissingRequiredFieldError(keys []string) *ErrorEnvelope {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	details := make([]FieldError, 0, len(sorted))
	for _, k := range sorted {
		details = append(details, FieldError{
			Field:   k,
			Code:    "REQUIRED",
			Message: fmt.Sprintf("%s is required", k),
		})
	}
	return &ErrorEnvelope{
		Code:    ErrMissingRequiredField,
		Message: "missing required fields: " + strings.Join(sorted, ", "),
		Details: details,
	}
}

// NewCapacityExceededError returns a CAPACITY_EXCEEDED error.
func NewCapacityExceededError(stage string, limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCapacityExceeded,
		Message: fmt.Sprintf("stage %q is at its WIP limit of %d", stage, limit),
	}
}

// NewConflictRetryError returns a CONFLICT_RETRY error.
func NewConflictRetryError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflictRetry, Message: msg}
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
