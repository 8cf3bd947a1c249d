package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(provider, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("provider %s: %s", provider, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"provider": provider},
	}
}

// Purchase and routing error codes. SmartRouter treats the first three as
// failover-eligible; everything else terminates the attempt for that provider
// but still advances the candidate list.
const (
	CodeNoNumbers           = "NO_NUMBERS_AVAILABLE"
	CodeNoProviderBalance   = "PROVIDER_NO_BALANCE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeReservationConflict = "RESERVATION_CONFLICT"
	CodeStaleTransition     = "STALE_TRANSITION"
	CodeNoProviderAvailable = "NO_PROVIDER_AVAILABLE"
)

// Predefined common errors
var (
	ErrNoNumbersAvailable = &AppError{
		Type: ErrorTypeExternal, Code: CodeNoNumbers,
		Message: "provider has no numbers for the requested country/service",
		Retryable: true, StatusCode: 502,
	}
	ErrProviderNoBalance = &AppError{
		Type: ErrorTypeExternal, Code: CodeNoProviderBalance,
		Message: "provider account balance exhausted",
		Retryable: true, StatusCode: 502,
	}
	ErrRateLimited = &AppError{
		Type: ErrorTypeExternal, Code: CodeRateLimited,
		Message: "provider rate limit exceeded",
		Retryable: true, StatusCode: 429,
	}
	ErrCircuitOpen = &AppError{
		Type: ErrorTypeExternal, Code: CodeCircuitOpen,
		Message: "provider circuit breaker is open",
		Retryable: true, StatusCode: 503,
	}
	ErrInsufficientBalance = &AppError{
		Type: ErrorTypeBusiness, Code: CodeInsufficientBalance,
		Message: "wallet balance is insufficient for this purchase",
		Retryable: false, StatusCode: 422,
	}
	ErrReservationConflict = &AppError{
		Type: ErrorTypeConflict, Code: CodeReservationConflict,
		Message: "a reservation with this idempotency key already exists",
		Retryable: false, StatusCode: 409,
	}
	ErrStaleTransition = &AppError{
		Type: ErrorTypeConflict, Code: CodeStaleTransition,
		Message: "activation state changed since the transition was read",
		Retryable: false, StatusCode: 409,
	}
	ErrNoProviderAvailable = &AppError{
		Type: ErrorTypeBusiness, Code: CodeNoProviderAvailable,
		Message: "no eligible provider could fulfil the request",
		Retryable: false, StatusCode: 502,
	}
	ErrWalletNotFound     = NewNotFoundError("wallet")
	ErrProviderNotFound   = NewNotFoundError("provider")
	ErrActivationNotFound = NewNotFoundError("activation")
)

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsFailoverEligible reports whether the router should advance to the next
// candidate after this error instead of aborting the purchase.
func IsFailoverEligible(err error) bool {
	return IsCode(err, CodeNoNumbers) || IsCode(err, CodeNoProviderBalance) || IsCode(err, CodeRateLimited)
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
