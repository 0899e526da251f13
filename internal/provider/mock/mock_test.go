package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/provider"
)

func newIntent(t *testing.T, c *Card, key string) *provider.Intent {
	t.Helper()
	it, err := c.CreateIntent(context.Background(), &provider.IntentInput{
		Amount: 2700, Currency: "USD", Quantity: 3, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return it
}

func TestCard_IdempotentCreate(t *testing.T) {
	c := NewCard(clockz.RealClock, time.Minute)
	a := newIntent(t, c, "k1")
	b := newIntent(t, c, "k1")
	d := newIntent(t, c, "k2")
	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, d.ID)
}

func TestCard_SubmitOutcomes(t *testing.T) {
	ctx := context.Background()
	c := NewCard(clockz.RealClock, time.Minute)
	form, err := c.MountForm(ctx, "card", "secret")
	require.NoError(t, err)

	it := newIntent(t, c, "")
	res, err := c.Submit(ctx, &provider.SubmitInput{IntentID: it.ID, PaymentMethodID: MethodSucceeds, Form: form})
	require.NoError(t, err)
	assert.True(t, res.Settled)

	it = newIntent(t, c, "")
	res, err = c.Submit(ctx, &provider.SubmitInput{IntentID: it.ID, PaymentMethodID: MethodStepUp, Form: form})
	require.NoError(t, err)
	assert.True(t, res.RequiresStepUp)
	assert.Contains(t, res.RedirectURL, it.ID)
	status, err := c.IntentStatus(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.IntentSucceeded, status)

	it = newIntent(t, c, "")
	_, err = c.Submit(ctx, &provider.SubmitInput{IntentID: it.ID, PaymentMethodID: MethodStepUpFails, Form: form})
	require.NoError(t, err)
	status, err = c.IntentStatus(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.IntentRequiresMethod, status)

	it = newIntent(t, c, "")
	_, err = c.Submit(ctx, &provider.SubmitInput{IntentID: it.ID, PaymentMethodID: MethodDeclined, Form: form})
	assert.ErrorIs(t, err, provider.ErrDeclined)

	_, err = c.Submit(ctx, &provider.SubmitInput{IntentID: "missing", PaymentMethodID: MethodSucceeds})
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestCard_ExpiredIntent(t *testing.T) {
	c := NewCard(clockz.RealClock, -time.Second)
	it := newIntent(t, c, "")
	_, err := c.Submit(context.Background(), &provider.SubmitInput{IntentID: it.ID, PaymentMethodID: MethodSucceeds})
	assert.ErrorIs(t, err, provider.ErrExpired)
}

func TestCrypto_SettlesAfterReads(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto(clockz.RealClock, time.Minute, 3)
	ch, err := c.CreateCharge(ctx, &provider.ChargeInput{Amount: 100, Quantity: 1, Currency: "USD", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, provider.ChargeNew, ch.Status)

	again, err := c.CreateCharge(ctx, &provider.ChargeInput{Amount: 100, Quantity: 1, Currency: "USD", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ch.ID, again.ID)

	var seen []provider.ChargeStatus
	for i := 0; i < 4; i++ {
		got, err := c.GetCharge(ctx, ch.ID)
		require.NoError(t, err)
		seen = append(seen, got.Status)
	}
	assert.Equal(t, []provider.ChargeStatus{
		provider.ChargePending, provider.ChargePending, provider.ChargeCompleted, provider.ChargeCompleted,
	}, seen)
}

func TestCrypto_OutcomeAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewCrypto(clockz.RealClock, time.Minute, 1)
	ch, err := c.CreateCharge(ctx, &provider.ChargeInput{Amount: 100, Quantity: 1})
	require.NoError(t, err)
	c.SetOutcome(ch.ID, provider.ChargeFailed)
	got, err := c.GetCharge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.ChargeFailed, got.Status)

	expired := NewCrypto(clockz.RealClock, -time.Second, 5)
	ch, err = expired.CreateCharge(ctx, &provider.ChargeInput{Amount: 100, Quantity: 1})
	require.NoError(t, err)
	got, err = expired.GetCharge(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.ChargeExpired, got.Status)

	_, err = c.GetCharge(ctx, "nope")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
