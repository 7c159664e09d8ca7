package dto

import (
	"errors"
	"net/http"
	"strings"

	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	ErrCodeUnknown  = "ERR_UNKNOWN"
	ErrCodeInternal = "ERR_INTERNAL"
	// ErrCodeUnavailable is used when a dependency could not answer in time
	ErrCodeUnavailable = "ERR_UNAVAILABLE"
)

// Validation error codes
const (
	ErrCodeValidation         = "ERR_VALIDATION"
	ErrCodeValidationRequired = "ERR_VALIDATION_REQUIRED"
	ErrCodeValidationFormat   = "ERR_VALIDATION_FORMAT"
)

// Authentication error codes
const (
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeForbidden    = "ERR_FORBIDDEN"
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	ErrCodeTokenInvalid = "ERR_TOKEN_INVALID"
)

// Resource error codes
const (
	ErrCodeNotFound            = "ERR_NOT_FOUND"
	ErrCodeConflict            = "ERR_CONFLICT"
	ErrCodeConcurrencyConflict = "ERR_CONCURRENCY_CONFLICT"
)

// Input error codes
const (
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	ErrCodeInvalidJSON  = "ERR_INVALID_JSON"
)

// Rate limiting error codes
const (
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// Billing engine error codes. These are surfaced unchanged so clients can match on them.
const (
	ErrCodeQuotaExceeded        = "QUOTA_EXCEEDED"
	ErrCodePolicyEditConflict   = "POLICY_EDIT_CONFLICT"
	ErrCodeAdmissionUnavailable = "ADMISSION_UNAVAILABLE"
	ErrCodePolicyGap            = "POLICY_GAP"
	ErrCodePolicyBackdated      = "POLICY_BACKDATED"
	ErrCodePolicyNotMonotonic   = "POLICY_NOT_MONOTONIC"
	ErrCodePoolMemberConflict   = "POOL_MEMBER_CONFLICT"
	ErrCodePlanUnavailable      = "PLAN_PROVIDER_UNAVAILABLE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:     http.StatusInternalServerError,
	ErrCodeInternal:    http.StatusInternalServerError,
	ErrCodeUnavailable: http.StatusServiceUnavailable,

	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeValidationRequired: http.StatusBadRequest,
	ErrCodeValidationFormat:   http.StatusBadRequest,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeTokenInvalid: http.StatusUnauthorized,

	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeConflict:            http.StatusConflict,
	ErrCodeConcurrencyConflict: http.StatusConflict,

	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,

	ErrCodeRateLimited: http.StatusTooManyRequests,

	ErrCodeQuotaExceeded:        http.StatusTooManyRequests,
	ErrCodePolicyEditConflict:   http.StatusConflict,
	ErrCodeAdmissionUnavailable: http.StatusServiceUnavailable,
	ErrCodePolicyGap:            http.StatusUnprocessableEntity,
	ErrCodePolicyBackdated:      http.StatusBadRequest,
	ErrCodePolicyNotMonotonic:   http.StatusBadRequest,
	ErrCodePoolMemberConflict:   http.StatusConflict,
	ErrCodePlanUnavailable:      http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Domain validation codes (INVALID_*) map to 400; anything else unknown is a 500.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	if strings.HasPrefix(code, "INVALID_") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// LegacyErrorCodeMapping maps shared domain error codes to the standardized codes
var LegacyErrorCodeMapping = map[string]string{
	"NOT_FOUND":               ErrCodeNotFound,
	"INVALID_INPUT":           ErrCodeInvalidInput,
	"UNAUTHORIZED":            ErrCodeUnauthorized,
	"FORBIDDEN":               ErrCodeForbidden,
	"CONCURRENCY_CONFLICT":    ErrCodeConcurrencyConflict,
	"CONCURRENT_MODIFICATION": ErrCodeConcurrencyConflict,
	"VERSION_CONFLICT":        ErrCodeConcurrencyConflict,
	"VALIDATION_ERROR":        ErrCodeValidation,
	"BAD_REQUEST":             ErrCodeBadRequest,
	"INTERNAL_ERROR":          ErrCodeInternal,
}

// NormalizeErrorCode converts a legacy error code to the standardized format
// If the code is already in the new format or unknown, returns it as-is
func NormalizeErrorCode(code string) string {
	if newCode, ok := LegacyErrorCodeMapping[code]; ok {
		return newCode
	}
	return code
}

// InputError is a malformed request parameter
type InputError struct {
	Message string
}

// NewInputError creates an InputError
func NewInputError(message string) *InputError {
	return &InputError{Message: message}
}

func (e *InputError) Error() string { return e.Message }

// Code returns ErrCodeInvalidInput
func (e *InputError) Code() string { return ErrCodeInvalidInput }

type coded interface {
	error
	Code() string
}

// ErrorCode extracts the error code carried by err, or "" when it has none.
// Typed engine errors win over a DomainError further down the chain.
func ErrorCode(err error) string {
	code, _ := CodeAndMessage(err)
	return code
}

// CodeAndMessage returns the code and client-facing message carried by err.
// Both are empty when err carries no code.
func CodeAndMessage(err error) (string, string) {
	var c coded
	if errors.As(err, &c) {
		return c.Code(), c.Error()
	}
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code, domainErr.Message
	}
	return "", ""
}
