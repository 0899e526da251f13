// Package stripe is the card rail backed by Stripe PaymentIntents.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/provider"
)

// Config holds the Stripe credentials and intent lifetime.
type Config struct {
	SecretKey string        `env:"STRIPE_SECRET_KEY"`
	IntentTTL time.Duration `env:"STRIPE_INTENT_TTL" envDefault:"15m"`
}

// Adapter implements provider.CardProvider.
type Adapter struct {
	api   *client.API
	ttl   time.Duration
	clock clockz.Clock

	mu    sync.Mutex
	forms map[string]*form
}

var _ provider.CardProvider = (*Adapter)(nil)

// New creates an adapter. backends may be nil to use Stripe's defaults;
// tests pass backends pointed at an httptest server.
func New(cfg Config, backends *stripego.Backends, clock clockz.Clock) *Adapter {
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	ttl := cfg.IntentTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Adapter{api: api, ttl: ttl, clock: clock, forms: make(map[string]*form)}
}

// CreateIntent creates a PaymentIntent for the locked amount and quantity.
func (a *Adapter) CreateIntent(ctx context.Context, in *provider.IntentInput) (*provider.Intent, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", provider.ErrInvalidRequest)
	}
	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(in.Amount),
		Currency: stripego.String(strings.ToLower(in.Currency)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
		Metadata: map[string]string{
			"flow_id":    in.FlowID,
			"product_id": in.ProductID,
			"house_id":   in.HouseID,
			"quantity":   strconv.Itoa(in.Quantity),
		},
	}
	if in.IdempotencyKey != "" {
		params.IdempotencyKey = stripego.String(in.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", mapError(err))
	}
	return &provider.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		ExpiresAt:    a.clock.Now().Add(a.ttl),
	}, nil
}

// MountForm registers a payment form bound to clientSecret. The card
// details themselves never pass through this service.
func (a *Adapter) MountForm(_ context.Context, containerID, clientSecret string) (provider.FormHandle, error) {
	if containerID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: container and client secret are required", provider.ErrInvalidRequest)
	}
	f := &form{id: uuid.NewString(), container: containerID, owner: a}
	a.mu.Lock()
	a.forms[f.id] = f
	a.mu.Unlock()
	return f, nil
}

// MountedForms returns the number of forms currently mounted.
func (a *Adapter) MountedForms() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.forms)
}

// Submit confirms the intent with the payment method collected by the form.
func (a *Adapter) Submit(ctx context.Context, in *provider.SubmitInput) (*provider.SubmitResult, error) {
	if in.Form == nil {
		return nil, fmt.Errorf("%w: payment form is not mounted", provider.ErrInvalidRequest)
	}
	if f, ok := in.Form.(*form); ok && f.unmounted.Load() {
		return nil, fmt.Errorf("%w: payment form was unmounted", provider.ErrInvalidRequest)
	}

	params := &stripego.PaymentIntentConfirmParams{
		PaymentMethod: stripego.String(in.PaymentMethodID),
	}
	if in.ReturnURL != "" {
		params.ReturnURL = stripego.String(in.ReturnURL)
	}
	params.Context = ctx

	pi, err := a.api.PaymentIntents.Confirm(in.IntentID, params)
	if err != nil {
		return nil, fmt.Errorf("confirm payment intent %s: %w", in.IntentID, mapError(err))
	}

	res := &provider.SubmitResult{Status: provider.IntentStatus(pi.Status), SettlementID: pi.ID}
	switch pi.Status {
	case stripego.PaymentIntentStatusSucceeded:
		res.Settled = true
	case stripego.PaymentIntentStatusRequiresAction:
		res.RequiresStepUp = true
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			res.RedirectURL = pi.NextAction.RedirectToURL.URL
		}
	case stripego.PaymentIntentStatusRequiresPaymentMethod:
		return nil, fmt.Errorf("confirm payment intent %s: %w", in.IntentID, provider.ErrDeclined)
	case stripego.PaymentIntentStatusCanceled:
		return nil, fmt.Errorf("confirm payment intent %s: %w", in.IntentID, provider.ErrExpired)
	case stripego.PaymentIntentStatusProcessing:
	default:
		return nil, fmt.Errorf("confirm payment intent %s: status %q: %w", in.IntentID, pi.Status, provider.ErrUnexpectedStatus)
	}
	return res, nil
}

// IntentStatus fetches the current status of an intent.
func (a *Adapter) IntentStatus(ctx context.Context, intentID string) (provider.IntentStatus, error) {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	pi, err := a.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return "", fmt.Errorf("get payment intent %s: %w", intentID, mapError(err))
	}
	return provider.IntentStatus(pi.Status), nil
}

type form struct {
	id        string
	container string
	owner     *Adapter
	unmounted atomic.Bool
}

func (f *form) ID() string { return f.id }

func (f *form) Unmount() {
	if f.unmounted.Swap(true) {
		return
	}
	f.owner.mu.Lock()
	delete(f.owner.forms, f.id)
	f.owner.mu.Unlock()
}

func mapError(err error) error {
	var se *stripego.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	switch se.Code {
	case stripego.ErrorCodeCardDeclined, stripego.ErrorCodeExpiredCard, "incorrect_cvc", "insufficient_funds", "processing_error":
		return fmt.Errorf("%w: %s", provider.ErrDeclined, se.Msg)
	case "payment_intent_authentication_failure":
		return fmt.Errorf("%w: %s", provider.ErrStepUpFailed, se.Msg)
	case stripego.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", provider.ErrNotFound, se.Msg)
	case "payment_intent_unexpected_state":
		return fmt.Errorf("%w: %s", provider.ErrExpired, se.Msg)
	case stripego.ErrorCodeIdempotencyKeyInUse:
		return fmt.Errorf("%w: idempotency key in use", provider.ErrRateLimited)
	}

	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", provider.ErrRateLimited, se.Msg)
	case se.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", provider.ErrUnavailable, se.Msg)
	case se.Type == stripego.ErrorTypeCard:
		return fmt.Errorf("%w: %s", provider.ErrDeclined, se.Msg)
	default:
		return fmt.Errorf("%w: %s", provider.ErrInvalidRequest, se.Msg)
	}
}
