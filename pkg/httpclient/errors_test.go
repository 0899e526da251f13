package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

func makeResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func structuredError(code, message string) string {
	return `{"error":{"code":"` + code + `","message":"` + message + `"}}`
}

func TestParseResponseError_Mapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"not found", http.StatusNotFound, apperrors.ErrNotFound},
		{"bad request", http.StatusBadRequest, apperrors.ErrInvalidInput},
		{"conflict", http.StatusConflict, apperrors.ErrConflict},
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, apperrors.ErrForbidden},
		{"gone", http.StatusGone, apperrors.ErrGone},
		{"rate limited", http.StatusTooManyRequests, apperrors.ErrRateLimited},
		{"payment required", http.StatusPaymentRequired, apperrors.ErrPaymentFailed},
		{"unprocessable", http.StatusUnprocessableEntity, apperrors.ErrPaymentFailed},
		{"bad gateway", http.StatusBadGateway, apperrors.ErrServiceUnavail},
		{"unavailable", http.StatusServiceUnavailable, apperrors.ErrServiceUnavail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseResponseError(makeResponse(tt.status, structuredError("X_CODE", "details")), "reservations")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)

			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "X_CODE", appErr.Code)
		})
	}
}

func TestParseResponseError_UnstructuredBody(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusGone, "reservation expired"), "reservations")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "GONE", appErr.Code)
	assert.Contains(t, appErr.Message, "reservation expired")
	assert.Contains(t, appErr.Message, "reservations")
}

func TestParseResponseError_UnknownStatusKeepsStatus(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusTeapot, structuredError("TEAPOT", "short and stout")), "tickets")

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusTeapot, appErr.Status)
	assert.Equal(t, "TEAPOT", appErr.Code)
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(http.StatusBadRequest))
	assert.True(t, IsClientError(http.StatusTooManyRequests))
	assert.False(t, IsClientError(http.StatusOK))
	assert.False(t, IsClientError(http.StatusInternalServerError))
}
