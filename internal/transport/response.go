// Package transport contains the HTTP router, middleware chain and request
// handlers of the pipeline API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/pipeline/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrIllegalTransition:    http.StatusConflict,
	model.ErrMissingRequiredField: http.StatusUnprocessableEntity,
	model.ErrCapacityExceeded:     http.StatusConflict,
	model.ErrConflictRetry:        http.StatusConflict,
	model.ErrConfigError:          http.StatusInternalServerError,
	model.ErrInternalError:        http.StatusInternalServerError,
}

// StatusFor returns the HTTP status an error is rendered with.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as an error envelope with the matching status.
// Errors that carry no envelope are rendered as a generic INTERNAL_ERROR so
// internal detail never reaches the caller.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// writeRequestError is WriteError plus the trace ID of the request.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
		out.TraceID = rctx.TraceID
	}
	WriteJSON(w, StatusFor(&out), errorResponse{Error: &out})
}
