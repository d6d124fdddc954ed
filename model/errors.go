package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrValidation       = "VALIDATION_ERROR"
	ErrPolicyDenied     = "POLICY_DENIED"
	ErrInfrastructure   = "INFRASTRUCTURE_ERROR"
	ErrExpiredContract  = "EXPIRED_CONTRACT"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrUnauthorized     = "UNAUTHORIZED"
	ErrInternal         = "INTERNAL_ERROR"
	ErrJourneyCancelled = "JOURNEY_CANCELLED"
)

// ErrorEnvelope is the standard error envelope returned by the runtime.
// It implements the error interface. Callers distinguish "denied by
// governance" (never retryable) from "unavailable dependency" (retryable)
// by code, never by message text.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
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

// NewValidationError returns a VALIDATION_ERROR. Malformed intent or
// contract input; never retried, always surfaced to the caller.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidation, Message: msg}
}

// NewFieldValidationError returns a VALIDATION_ERROR with field details.
func NewFieldValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidation,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewPolicyDeniedError returns a POLICY_DENIED error carrying the policy
// decision's reason verbatim. Never retried automatically.
func NewPolicyDeniedError(reason string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPolicyDenied, Message: reason}
}

// NewInfrastructureError returns an INFRASTRUCTURE_ERROR wrapping a backing
// store or network failure. Retryable subject to the retry policy.
func NewInfrastructureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInfrastructure, Message: msg}
}

// NewExpiredContractError returns an EXPIRED_CONTRACT error for an attempted
// read of data whose boundary contract has expired.
func NewExpiredContractError(contractID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrExpiredContract,
		Message: fmt.Sprintf("boundary contract %q has expired", contractID),
	}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternal,
		Message: "An unexpected error occurred",
	}
}

// NewJourneyCancelledError returns a JOURNEY_CANCELLED error.
func NewJourneyCancelledError(executionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrJourneyCancelled,
		Message: fmt.Sprintf("journey execution %q was cancelled", executionID),
	}
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR when err is not
// an ErrorEnvelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternal
}

// IsPolicyDenied reports whether err is a governance denial.
func IsPolicyDenied(err error) bool { return CodeOf(err) == ErrPolicyDenied }

// IsInfrastructure reports whether err is a backing-dependency failure and
// therefore a retry candidate.
func IsInfrastructure(err error) bool { return CodeOf(err) == ErrInfrastructure }
