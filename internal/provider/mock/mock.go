// Package mock provides in-memory card and crypto rails for local
// development. Card outcomes are driven by well-known test payment method
// ids; crypto charges settle after a configurable number of status reads.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/provider"
)

// Test payment method ids understood by Card.Submit.
const (
	MethodSucceeds     = "pm_card_visa"
	MethodStepUp       = "pm_card_threeDSecure2Required"
	MethodStepUpFails  = "pm_card_threeDSecureFailed"
	MethodDeclined     = "pm_card_chargeDeclined"
	MethodProcessing   = "pm_card_processing"
	MethodUnavailable  = "pm_card_unavailable"
	stepUpRedirectBase = "https://mock-3ds.local/authenticate/"
)

// Card is an in-memory provider.CardProvider.
type Card struct {
	clock clockz.Clock
	ttl   time.Duration

	mu      sync.Mutex
	intents map[string]*cardIntent
	keys    map[string]string
}

type cardIntent struct {
	intent provider.Intent
	status provider.IntentStatus
}

var _ provider.CardProvider = (*Card)(nil)

// NewCard returns a card rail whose intents expire after ttl.
func NewCard(clock clockz.Clock, ttl time.Duration) *Card {
	return &Card{
		clock:   clock,
		ttl:     ttl,
		intents: make(map[string]*cardIntent),
		keys:    make(map[string]string),
	}
}

// CreateIntent returns the existing intent when the idempotency key repeats.
func (c *Card) CreateIntent(_ context.Context, in *provider.IntentInput) (*provider.Intent, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", provider.ErrInvalidRequest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.keys[in.IdempotencyKey]; ok && in.IdempotencyKey != "" {
		it := c.intents[id].intent
		return &it, nil
	}
	id := "pi_mock_" + uuid.NewString()[:8]
	ci := &cardIntent{
		intent: provider.Intent{
			ID:           id,
			ClientSecret: id + "_secret",
			Amount:       in.Amount,
			Currency:     in.Currency,
			ExpiresAt:    c.clock.Now().Add(c.ttl),
		},
		status: provider.IntentRequiresMethod,
	}
	c.intents[id] = ci
	if in.IdempotencyKey != "" {
		c.keys[in.IdempotencyKey] = id
	}
	it := ci.intent
	return &it, nil
}

// MountForm returns a handle; the mock has no real surface.
func (c *Card) MountForm(_ context.Context, containerID, clientSecret string) (provider.FormHandle, error) {
	if containerID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: container and client secret are required", provider.ErrInvalidRequest)
	}
	return &handle{id: "form_" + uuid.NewString()[:8]}, nil
}

// Submit resolves the outcome from the payment method id.
func (c *Card) Submit(_ context.Context, in *provider.SubmitInput) (*provider.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ci, ok := c.intents[in.IntentID]
	if !ok {
		return nil, fmt.Errorf("%w: intent %s", provider.ErrNotFound, in.IntentID)
	}
	if !c.clock.Now().Before(ci.intent.ExpiresAt) {
		ci.status = provider.IntentCanceled
		return nil, fmt.Errorf("%w: intent %s", provider.ErrExpired, in.IntentID)
	}

	switch in.PaymentMethodID {
	case MethodSucceeds:
		ci.status = provider.IntentSucceeded
		return &provider.SubmitResult{Status: ci.status, Settled: true, SettlementID: in.IntentID}, nil
	case MethodStepUp, MethodStepUpFails:
		// The mock challenge resolves as soon as it is issued.
		ci.status = provider.IntentSucceeded
		if in.PaymentMethodID == MethodStepUpFails {
			ci.status = provider.IntentRequiresMethod
		}
		return &provider.SubmitResult{
			Status:         provider.IntentRequiresAction,
			RequiresStepUp: true,
			RedirectURL:    stepUpRedirectBase + in.IntentID,
			SettlementID:   in.IntentID,
		}, nil
	case MethodProcessing:
		ci.status = provider.IntentProcessing
		return &provider.SubmitResult{Status: ci.status, SettlementID: in.IntentID}, nil
	case MethodUnavailable:
		return nil, fmt.Errorf("%w: mock outage", provider.ErrUnavailable)
	default:
		return nil, fmt.Errorf("%w: card declined", provider.ErrDeclined)
	}
}

// IntentStatus reports the stored status.
func (c *Card) IntentStatus(_ context.Context, intentID string) (provider.IntentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ci, ok := c.intents[intentID]
	if !ok {
		return "", fmt.Errorf("%w: intent %s", provider.ErrNotFound, intentID)
	}
	return ci.status, nil
}

// SetIntentStatus overrides the stored status of an intent.
func (c *Card) SetIntentStatus(intentID string, status provider.IntentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ci, ok := c.intents[intentID]; ok {
		ci.status = status
	}
}

type handle struct {
	id string
}

func (h *handle) ID() string { return h.id }
func (h *handle) Unmount()   {}

// Crypto is an in-memory provider.CryptoProvider. Each charge moves from
// NEW to PENDING on the first read and to COMPLETED after settleAfter reads.
type Crypto struct {
	clock       clockz.Clock
	ttl         time.Duration
	settleAfter int

	mu      sync.Mutex
	charges map[string]*mockCharge
	keys    map[string]string
}

type mockCharge struct {
	charge provider.Charge
	reads  int
	final  provider.ChargeStatus
}

var _ provider.CryptoProvider = (*Crypto)(nil)

// NewCrypto returns a crypto rail.
func NewCrypto(clock clockz.Clock, ttl time.Duration, settleAfter int) *Crypto {
	if settleAfter < 1 {
		settleAfter = 1
	}
	return &Crypto{
		clock:       clock,
		ttl:         ttl,
		settleAfter: settleAfter,
		charges:     make(map[string]*mockCharge),
		keys:        make(map[string]string),
	}
}

// CreateCharge returns the existing charge when the idempotency key repeats.
func (c *Crypto) CreateCharge(_ context.Context, in *provider.ChargeInput) (*provider.Charge, error) {
	if in.Amount <= 0 || in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: amount and quantity must be positive", provider.ErrInvalidRequest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.keys[in.IdempotencyKey]; ok && in.IdempotencyKey != "" {
		ch := c.charges[id].charge
		return &ch, nil
	}
	code := uuid.NewString()[:8]
	mc := &mockCharge{
		charge: provider.Charge{
			ID:        "ch_mock_" + code,
			HostedURL: "https://mock-commerce.local/pay/" + code,
			Status:    provider.ChargeNew,
			ExpiresAt: c.clock.Now().Add(c.ttl),
		},
		final: provider.ChargeCompleted,
	}
	c.charges[mc.charge.ID] = mc
	if in.IdempotencyKey != "" {
		c.keys[in.IdempotencyKey] = mc.charge.ID
	}
	ch := mc.charge
	return &ch, nil
}

// GetCharge advances and returns the charge.
func (c *Crypto) GetCharge(_ context.Context, chargeID string) (*provider.Charge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mc, ok := c.charges[chargeID]
	if !ok {
		return nil, fmt.Errorf("%w: charge %s", provider.ErrNotFound, chargeID)
	}
	if !mc.charge.Status.Terminal() {
		mc.reads++
		switch {
		case !c.clock.Now().Before(mc.charge.ExpiresAt):
			mc.charge.Status = provider.ChargeExpired
		case mc.reads >= c.settleAfter:
			mc.charge.Status = mc.final
		default:
			mc.charge.Status = provider.ChargePending
		}
	}
	ch := mc.charge
	return &ch, nil
}

// SetOutcome sets the terminal status a charge reaches when it settles.
func (c *Crypto) SetOutcome(chargeID string, status provider.ChargeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mc, ok := c.charges[chargeID]; ok {
		mc.final = status
	}
}
