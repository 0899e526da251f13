package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

// DownstreamErrorResponse mirrors the {"error":{"code","message"}} envelope
// the lottery backends return.
type DownstreamErrorResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError consumes and closes a non-2xx response and translates
// it into an AppError. Structured bodies keep their code and message.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	code, message := "", string(bodyBytes)
	var downstream DownstreamErrorResponse
	if json.Unmarshal(bodyBytes, &downstream) == nil && downstream.Error != nil {
		code, message = downstream.Error.Code, downstream.Error.Message
	}
	return mapDownstreamError(resp.StatusCode, code, message, serviceName)
}

func mapDownstreamError(status int, code, message, serviceName string) error {
	qualifiedMsg := fmt.Sprintf("%s: %s", serviceName, message)

	var appErr *apperrors.AppError
	switch {
	case status == http.StatusNotFound:
		appErr = apperrors.NotFound(serviceName, message)
	case status == http.StatusBadRequest:
		appErr = apperrors.InvalidInput(qualifiedMsg)
	case status == http.StatusConflict:
		appErr = apperrors.Conflict(qualifiedMsg)
	case status == http.StatusUnauthorized:
		appErr = apperrors.Unauthorized(qualifiedMsg)
	case status == http.StatusForbidden:
		appErr = apperrors.Forbidden(qualifiedMsg)
	case status == http.StatusGone:
		appErr = apperrors.Gone(qualifiedMsg)
	case status == http.StatusTooManyRequests:
		appErr = apperrors.RateLimited(qualifiedMsg)
	case status == http.StatusPaymentRequired, status == http.StatusUnprocessableEntity:
		appErr = apperrors.PaymentFailed(qualifiedMsg)
	case status >= 500:
		appErr = apperrors.ServiceUnavailable(qualifiedMsg)
	default:
		return &apperrors.AppError{
			Code:    code,
			Message: qualifiedMsg,
			Status:  status,
		}
	}
	if code != "" {
		appErr.Code = code
	}
	return appErr
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
