// Package provider defines the two payment rails the flow settles through:
// an intent-based card rail with optional step-up authentication and a
// charge-based crypto rail settled by polling.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by adapters, wrapped with provider detail.
var (
	ErrDeclined       = errors.New("payment declined")
	ErrExpired        = errors.New("payment session expired")
	ErrStepUpFailed   = errors.New("authentication failed")
	ErrRateLimited    = errors.New("provider rate limited")
	ErrUnavailable    = errors.New("provider unavailable")
	ErrNotFound       = errors.New("payment not found")
	ErrInvalidRequest = errors.New("invalid payment request")

	// ErrUnexpectedStatus marks an intent left in a state the flow can't act on.
	ErrUnexpectedStatus = fmt.Errorf("%w: unexpected intent status", ErrInvalidRequest)
)

// IntentInput creates a card payment intent. Amount is in minor units.
type IntentInput struct {
	FlowID         string
	ProductID      string
	HouseID        string
	Quantity       int
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Intent is a created card payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	ExpiresAt    time.Time
}

// FormHandle is a mounted payment form.
type FormHandle interface {
	ID() string
	Unmount()
}

// SubmitInput confirms an intent from a mounted form.
type SubmitInput struct {
	IntentID        string
	PaymentMethodID string
	ReturnURL       string
	Form            FormHandle
}

// IntentStatus is the provider-side state of an intent.
type IntentStatus string

const (
	IntentSucceeded       IntentStatus = "succeeded"
	IntentProcessing      IntentStatus = "processing"
	IntentRequiresAction  IntentStatus = "requires_action"
	IntentRequiresMethod  IntentStatus = "requires_payment_method"
	IntentRequiresConfirm IntentStatus = "requires_confirmation"
	IntentCanceled        IntentStatus = "canceled"
)

// Definitive reports whether the status decides a payment returning from
// step-up authentication. Only an intent still processing is undecided.
func (s IntentStatus) Definitive() bool {
	return s != IntentProcessing && s != ""
}

// SubmitResult is the outcome of confirming an intent.
type SubmitResult struct {
	Status         IntentStatus
	Settled        bool
	RequiresStepUp bool
	RedirectURL    string
	SettlementID   string
}

// CardProvider is the intent-based card rail.
type CardProvider interface {
	CreateIntent(ctx context.Context, in *IntentInput) (*Intent, error)
	MountForm(ctx context.Context, containerID, clientSecret string) (FormHandle, error)
	Submit(ctx context.Context, in *SubmitInput) (*SubmitResult, error)
	IntentStatus(ctx context.Context, intentID string) (IntentStatus, error)
}

// ChargeStatus is the lifecycle state of a hosted crypto charge.
type ChargeStatus string

const (
	ChargeNew       ChargeStatus = "NEW"
	ChargePending   ChargeStatus = "PENDING"
	ChargeCompleted ChargeStatus = "COMPLETED"
	ChargeExpired   ChargeStatus = "EXPIRED"
	ChargeCanceled  ChargeStatus = "CANCELED"
	ChargeFailed    ChargeStatus = "FAILED"
)

// Terminal reports whether polling should stop on this status.
func (s ChargeStatus) Terminal() bool {
	switch s {
	case ChargeCompleted, ChargeExpired, ChargeCanceled, ChargeFailed:
		return true
	default:
		return false
	}
}

// ChargeInput creates a hosted charge. Amount is in minor units.
type ChargeInput struct {
	FlowID         string
	ProductID      string
	HouseID        string
	HouseTitle     string
	Quantity       int
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Charge is a hosted crypto checkout.
type Charge struct {
	ID        string
	HostedURL string
	Status    ChargeStatus
	ExpiresAt time.Time
}

// CryptoProvider is the charge-based crypto rail.
type CryptoProvider interface {
	CreateCharge(ctx context.Context, in *ChargeInput) (*Charge, error)
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)
}

// IsTransient reports whether err is worth retrying for an idempotent read.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}
