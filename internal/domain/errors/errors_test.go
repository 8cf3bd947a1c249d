package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCodeSeesThroughWrapping(t *testing.T) {
	wrapped := Wrap(ErrNoNumbersAvailable, "purchase attempt")
	assert.True(t, IsCode(wrapped, CodeNoNumbers))
	assert.False(t, IsCode(wrapped, CodeRateLimited))
	assert.False(t, IsCode(stderrors.New("plain"), CodeNoNumbers))
	assert.False(t, IsCode(nil, CodeNoNumbers))
}

func TestIsFailoverEligible(t *testing.T) {
	for _, err := range []error{ErrNoNumbersAvailable, ErrProviderNoBalance, ErrRateLimited} {
		assert.True(t, IsFailoverEligible(err), err)
	}
	for _, err := range []error{ErrCircuitOpen, ErrInsufficientBalance, ErrNoProviderAvailable, stderrors.New("plain")} {
		assert.False(t, IsFailoverEligible(err), err)
	}
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewExternalError("smsbox", "call failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))
}

func TestGetStatusCode(t *testing.T) {
	assert.Equal(t, 422, GetStatusCode(ErrInsufficientBalance))
	assert.Equal(t, 409, GetStatusCode(ErrReservationConflict))
	assert.Equal(t, 404, GetStatusCode(ErrWalletNotFound))
	assert.Equal(t, 429, GetStatusCode(fmt.Errorf("outer: %w", ErrRateLimited)))
	assert.Equal(t, 500, GetStatusCode(stderrors.New("plain")))
}

func TestIsTypeAndRetryable(t *testing.T) {
	assert.True(t, IsType(ErrReservationConflict, ErrorTypeConflict))
	assert.False(t, IsType(ErrReservationConflict, ErrorTypeBusiness))

	assert.True(t, IsRetryable(ErrNoNumbersAvailable))
	assert.False(t, IsRetryable(ErrInsufficientBalance))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestConstructorDefaults(t *testing.T) {
	v := NewValidationError("INVALID_COUNTRY", "unknown country code")
	assert.Equal(t, 400, v.StatusCode)
	assert.False(t, v.Retryable)

	nf := NewNotFoundError("activation")
	assert.Equal(t, "RESOURCE_NOT_FOUND", nf.Code)
	assert.Equal(t, "activation not found", nf.Message)

	ext := NewExternalError("smsbox", "timeout")
	require.NotNil(t, ext.Details)
	assert.Equal(t, "smsbox", ext.Details["provider"])
	assert.True(t, ext.Retryable)
}
