package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrInvalidInput, ErrUnauthorized, ErrForbidden,
		ErrInternal, ErrConflict, ErrGone, ErrRateLimited,
		ErrServiceUnavail, ErrPaymentFailed,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

func TestAppError_ErrorString_WithWrappedError(t *testing.T) {
	inner := fmt.Errorf("connection reset")
	appErr := &AppError{Code: "INTERNAL_ERROR", Message: "pricing failed", Err: inner}
	assert.Contains(t, appErr.Error(), "INTERNAL_ERROR")
	assert.Contains(t, appErr.Error(), "pricing failed")
	assert.Contains(t, appErr.Error(), "connection reset")
}

func TestAppError_ErrorString_WithoutWrappedError(t *testing.T) {
	appErr := &AppError{Code: "NOT_FOUND", Message: "flow not found"}
	assert.Equal(t, "NOT_FOUND: flow not found", appErr.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	appErr := &AppError{Code: "GONE", Message: "intent expired", Err: ErrGone}
	assert.True(t, errors.Is(appErr, ErrGone))
}

func TestConstructors_StatusAndSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		status   int
		sentinel error
		code     string
	}{
		{"not found", NotFound("flow", "f-1"), http.StatusNotFound, ErrNotFound, "NOT_FOUND"},
		{"invalid input", InvalidInput("bad quantity"), http.StatusBadRequest, ErrInvalidInput, "INVALID_INPUT"},
		{"unauthorized", Unauthorized("no token"), http.StatusUnauthorized, ErrUnauthorized, "UNAUTHORIZED"},
		{"forbidden", Forbidden("not yours"), http.StatusForbidden, ErrForbidden, "FORBIDDEN"},
		{"conflict", Conflict("payment in flight"), http.StatusConflict, ErrConflict, "CONFLICT"},
		{"gone", Gone("intent expired"), http.StatusGone, ErrGone, "GONE"},
		{"rate limited", RateLimited("slow down"), http.StatusTooManyRequests, ErrRateLimited, "RATE_LIMITED"},
		{"unavailable", ServiceUnavailable("try later"), http.StatusServiceUnavailable, ErrServiceUnavail, "SERVICE_UNAVAILABLE"},
		{"payment failed", PaymentFailed("card declined"), http.StatusUnprocessableEntity, ErrPaymentFailed, "PAYMENT_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestNotFound_Message(t *testing.T) {
	err := NotFound("flow", "abc-123")
	assert.Equal(t, "flow with id abc-123 not found", err.Message)
}

func TestInternal_WrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Internal(cause)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatus_WrappedSentinels(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(fmt.Errorf("load: %w", ErrNotFound)))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(fmt.Errorf("poll: %w", ErrRateLimited)))
	assert.Equal(t, http.StatusGone, HTTPStatus(fmt.Errorf("resume: %w", ErrGone)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(fmt.Errorf("call: %w", ErrServiceUnavail)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("unknown")))
}

func TestHTTPStatus_WrappedAppError(t *testing.T) {
	err := Wrap(Conflict("quantity locked"), "set quantity")
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
	assert.Contains(t, err.Error(), "set quantity")
}
