// Package errors provides the categorized error taxonomy for the portfolio
// aggregator. Ledger domain errors are surfaced verbatim and never retried;
// infrastructure errors are retryable at the caller's discretion.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/defi-aggregator/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryLedger represents ledger domain errors (caller misuse, never retried)
	CategoryLedger ErrorCategory = "ledger"
	// CategoryInfrastructure represents transient infrastructure errors (retryable)
	CategoryInfrastructure ErrorCategory = "infrastructure"
	// CategoryConfiguration represents configuration errors (fatal for the call)
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryValidation represents request validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
)

// Stable error codes
const (
	CodeInvalidPositionID   = "INVALID_POSITION_ID"
	CodePositionInactive    = "POSITION_INACTIVE"
	CodePositionOverflow    = "POSITION_OVERFLOW"
	CodeNetworkUnavailable  = "NETWORK_UNAVAILABLE"
	CodeTokenReadError      = "TOKEN_READ_ERROR"
	CodeSourceUnavailable   = "SOURCE_UNAVAILABLE"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	CodeInvalidParameter    = "INVALID_PARAMETER"
	CodeInternalError       = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError for transport
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Ledger domain errors

// NewInvalidPositionIDError reports a position index outside the owner's range
func NewInvalidPositionIDError(owner string, index uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidPositionID,
		Message:    fmt.Sprintf("position index %d out of range for owner %s", index, owner),
		Details: map[string]interface{}{
			"owner": owner,
			"index": index,
		},
	}
}

// NewPositionInactiveError reports a mutation against an already removed position
func NewPositionInactiveError(owner string, index uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusConflict,
		Code:       CodePositionInactive,
		Message:    fmt.Sprintf("position %d for owner %s is inactive", index, owner),
		Details: map[string]interface{}{
			"owner": owner,
			"index": index,
		},
	}
}

// NewPositionOverflowError reports an amount or price outside the representable range
func NewPositionOverflowError(field string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusBadRequest,
		Code:       CodePositionOverflow,
		Message:    fmt.Sprintf("%s cannot be represented in the ledger fixed-point range", field),
		Details: map[string]interface{}{
			"field": field,
		},
	}
}

// Infrastructure errors

// NewNetworkUnavailableError reports a network with no configured connection
func NewNetworkUnavailableError(network types.Network) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInfrastructure,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeNetworkUnavailable,
		Message:    fmt.Sprintf("no connection configured for network %s", network),
		Details: map[string]interface{}{
			"network": string(network),
		},
	}
}

// NewTokenReadError reports a failed token metadata read; nothing is cached
func NewTokenReadError(address string, network types.Network, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInfrastructure,
		StatusCode: http.StatusBadGateway,
		Code:       CodeTokenReadError,
		Message:    fmt.Sprintf("failed to read token metadata for %s on %s", address, network),
		Cause:      cause,
		Details: map[string]interface{}{
			"address": address,
			"network": string(network),
		},
	}
}

// NewSourceUnavailableError reports a failed protocol index query
func NewSourceUnavailableError(protocol types.Protocol, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInfrastructure,
		StatusCode: http.StatusBadGateway,
		Code:       CodeSourceUnavailable,
		Message:    fmt.Sprintf("protocol index unavailable: %s", protocol),
		Cause:      cause,
		Details: map[string]interface{}{
			"protocol": string(protocol),
		},
	}
}

// Configuration errors

// NewUnsupportedProtocolError reports a protocol label no adapter handles
func NewUnsupportedProtocolError(label string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfiguration,
		StatusCode: http.StatusBadRequest,
		Code:       CodeUnsupportedProtocol,
		Message:    fmt.Sprintf("unsupported protocol: %s", label),
		Details: map[string]interface{}{
			"protocol": label,
		},
	}
}

// NewInvalidParameterError creates a request validation error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an arbitrary error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// IsCode reports whether err carries the given stable code
func IsCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether an error is safe to retry with backoff.
// Ledger domain errors indicate caller misuse and are never retryable;
// configuration errors are fatal for the call.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.Category == CategoryInfrastructure
}
