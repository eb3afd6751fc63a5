package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "card not found"}
	want := "NOT_FOUND: card not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewMissingRequiredFieldError_listsEveryKeySorted(t *testing.T) {
	e := NewMissingRequiredFieldError([]string{"technician_id", "amount"})
	if e.Code != ErrMissingRequiredField {
		t.Errorf("Code = %q, want %q", e.Code, ErrMissingRequiredField)
	}
	keys := e.MissingKeys()
	if len(keys) != 2 || keys[0] != "amount" || keys[1] != "technician_id" {
		t.Errorf("MissingKeys() = %v, want [amount technician_id]", keys)
	}
	if e.Details[0].Code != "REQUIRED" {
		t.Errorf("Details[0].Code = %q, want REQUIRED", e.Details[0].Code)
	}
	if e.Message != "missing required fields: amount, technician_id" {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestMissingKeys_otherCodes(t *testing.T) {
	e := NewNotFoundError("gone")
	if keys := e.MissingKeys(); keys != nil {
		t.Errorf("MissingKeys() = %v, want nil", keys)
	}
}

func TestNewConfigError_details(t *testing.T) {
	e := NewConfigError("invalid pipeline", "a is wrong", "b is wrong")
	if e.Code != ErrConfigError {
		t.Errorf("Code = %q, want %q", e.Code, ErrConfigError)
	}
	if len(e.Details) != 2 {
		t.Fatalf("Details length = %d, want 2", len(e.Details))
	}
	if e.Details[1].Message != "b is wrong" {
		t.Errorf("Details[1].Message = %q", e.Details[1].Message)
	}
}

func TestErrorCode_unwraps(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", NewConflictRetryError("version moved"))

	if got := ErrorCode(wrapped); got != ErrConflictRetry {
		t.Errorf("ErrorCode() = %q, want %q", got, ErrConflictRetry)
	}
	if !IsCode(wrapped, ErrConflictRetry) {
		t.Error("IsCode(wrapped, CONFLICT_RETRY) = false, want true")
	}
	if IsCode(nil, ErrConflictRetry) {
		t.Error("IsCode(nil) = true, want false")
	}
	if got := ErrorCode(fmt.Errorf("plain")); got != "" {
		t.Errorf("ErrorCode(plain) = %q, want empty", got)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"illegal", NewIllegalTransitionError("new", "won"), ErrIllegalTransition},
		{"capacity", NewCapacityExceededError("quoted", 2), ErrCapacityExceeded},
		{"bad request", NewBadRequestError("bad"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("no"), ErrUnauthorized},
		{"forbidden", NewForbiddenError("no"), ErrForbidden},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}
