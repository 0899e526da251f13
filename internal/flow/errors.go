package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/httpclient"
)

// User-facing messages.
const (
	msgNetwork      = "We couldn't reach the payment service. Check your connection and try again."
	msgRateLimited  = "Too many requests. Please slow down and try again in a moment."
	msgValidation   = "This purchase can't be completed as requested."
	msgDeclined     = "Your payment was declined. Please try another payment method."
	msgStepUp       = "Card authentication failed. Please start a new payment."
	msgExpired      = "Your payment session expired. Please refresh to start a new one."
	msgTimeout      = "The request took too long. Please try again."
	msgInternal     = "Something went wrong. Please try again."
	msgPricing      = "We couldn't calculate the price. Please try again."
	msgIntentLimit  = "We couldn't start the card payment. Please contact support."
	msgMountFailed  = "The payment form could not be displayed. Please refresh and try again."
	msgPollLost     = "We lost contact with the crypto payment provider. Check your connection and retry."
	msgPollTimeout  = "We haven't seen your crypto payment yet. You can keep checking or contact support."
	msgTicketsSoon  = "Your payment was received. Your tickets will arrive shortly."
	msgProcessing   = "Your payment is processing. Your tickets will arrive shortly."
	msgReserveWarn  = "We couldn't hold your tickets. You can continue, but availability is not guaranteed."
	msgChargeFailed = "The crypto payment did not complete. Please start a new payment."
)

// classify translates a gateway or provider error into the user-facing
// taxonomy. Raw errors never leave the flow package.
func classify(err error) *domain.Banner {
	var appErr *apperrors.AppError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.Banner{Kind: domain.KindTimeout, Message: msgTimeout, Retryable: true}
	case errors.Is(err, provider.ErrRateLimited), errors.Is(err, apperrors.ErrRateLimited):
		return &domain.Banner{Kind: domain.KindRateLimited, Message: msgRateLimited, Retryable: true}
	case errors.Is(err, provider.ErrStepUpFailed):
		return &domain.Banner{Kind: domain.KindStepUp, Message: msgStepUp, Retryable: true}
	case errors.Is(err, provider.ErrDeclined), errors.Is(err, apperrors.ErrPaymentFailed):
		return &domain.Banner{Kind: domain.KindPayment, Message: msgDeclined, Retryable: true}
	case errors.Is(err, provider.ErrExpired), errors.Is(err, apperrors.ErrGone):
		return &domain.Banner{Kind: domain.KindExpired, Message: msgExpired, Retryable: true}
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, apperrors.ErrServiceUnavail),
		httpclient.IsCircuitOpen(err):
		return &domain.Banner{Kind: domain.KindNetwork, Message: msgNetwork, Retryable: true}
	case errors.Is(err, provider.ErrInvalidRequest), errors.Is(err, provider.ErrNotFound),
		errors.Is(err, apperrors.ErrInvalidInput), errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrNotFound):
		return &domain.Banner{Kind: domain.KindValidation, Message: msgValidation}
	case errors.As(err, &appErr):
		return &domain.Banner{Kind: domain.KindInternal, Message: msgInternal, Retryable: true}
	default:
		// transport failures from net/http surface here
		return &domain.Banner{Kind: domain.KindNetwork, Message: msgNetwork, Retryable: true}
	}
}

// appError turns a banner into the typed error returned to synchronous
// callers; cause is kept for logs.
func appError(b *domain.Banner, cause error) *apperrors.AppError {
	var out *apperrors.AppError
	switch b.Kind {
	case domain.KindValidation:
		out = apperrors.InvalidInput(b.Message)
	case domain.KindPayment, domain.KindStepUp, domain.KindIssuance:
		out = apperrors.PaymentFailed(b.Message)
	case domain.KindExpired:
		out = apperrors.Gone(b.Message)
	case domain.KindRateLimited:
		out = apperrors.RateLimited(b.Message)
	case domain.KindNetwork, domain.KindTimeout:
		out = apperrors.ServiceUnavailable(b.Message)
	default:
		internal := apperrors.Internal(cause)
		internal.Message = b.Message
		return internal
	}
	if cause != nil {
		out.Err = fmt.Errorf("%w: %w", out.Err, cause)
	}
	return out
}

var errFlowClosed = apperrors.Gone("this purchase was closed")

func notAllowed(format string, args ...any) *apperrors.AppError {
	return apperrors.Conflict(fmt.Sprintf(format, args...))
}
