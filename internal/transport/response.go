// Package transport contains the HTTP router, middleware chain, and request
// handlers for the onboarding API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/model"
)

// Workflow rule violations are 409 or 422; an unmapped business type is a
// deployment fault and answers 500.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidStep:          http.StatusUnprocessableEntity,
	model.ErrIllegalTransition:    http.StatusConflict,
	model.ErrStepOutOfOrder:       http.StatusConflict,
	model.ErrUnmappedBusinessType: http.StatusInternalServerError,
	model.ErrInternalError:        http.StatusInternalServerError,
}

// StatusForError returns the HTTP status an error is written with.
func StatusForError(err error) int {
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

// WriteError answers with err's envelope under {"error": ...}. Anything
// that is not an *model.ErrorEnvelope is reported as INTERNAL_ERROR without
// its message.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err, "")
}

// WriteRequestError is WriteError with the request's trace id filled in.
func WriteRequestError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, err, traceID(r.Context()))
}

func writeError(w http.ResponseWriter, err error, trace string) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	out := *ee
	if out.TraceID == "" {
		out.TraceID = trace
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusForError(ee), errorResponse{Error: &out})
}

func traceID(ctx context.Context) string {
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.TraceID != "" {
		return rctx.TraceID
	}
	return observability.TraceIDFromContext(ctx)
}
