package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Onboarding workflow error codes.
const (
	ErrInvalidStep          = "INVALID_STEP"
	ErrIllegalTransition    = "ILLEGAL_TRANSITION"
	ErrUnmappedBusinessType = "UNMAPPED_BUSINESS_TYPE"
	ErrStepOutOfOrder       = "STEP_OUT_OF_ORDER"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HasCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
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

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidStepError is returned when a step completion is submitted for a
// step that is not on the contractor's business type path.
func NewInvalidStepError(bt BusinessType, stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidStep,
		Message: fmt.Sprintf("step %q is not applicable to business type %q", stepID, bt),
	}
}

// NewIllegalTransitionError is returned when a status change is outside the
// status graph.
func NewIllegalTransitionError(from, to Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("cannot transition from %q to %q", from, to),
	}
}

// NewIllegalTransitionErrorf returns an ILLEGAL_TRANSITION error with a
// formatted message, for rejections that are not a single status edge.
func NewIllegalTransitionErrorf(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewUnmappedBusinessTypeError signals a configuration bug: the business
// type has no step path.
func NewUnmappedBusinessTypeError(bt BusinessType) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnmappedBusinessType,
		Message: fmt.Sprintf("business type %q has no workflow path", bt),
	}
}

// NewStepOutOfOrderError is returned in strict ordering mode when a step is
// completed before the current step.
func NewStepOutOfOrderError(stepID, currentStepID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepOutOfOrder,
		Message: fmt.Sprintf("step %q cannot be completed before %q", stepID, currentStepID),
	}
}
