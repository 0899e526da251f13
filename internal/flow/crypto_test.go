package flow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	providermock "github.com/DrorGr/amesaFE-sub002/internal/provider/mock"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

// confirmingCrypto reports charges completed once confirm is set.
type confirmingCrypto struct {
	*providermock.Crypto
	confirm atomic.Bool
}

func (c *confirmingCrypto) GetCharge(ctx context.Context, chargeID string) (*provider.Charge, error) {
	ch, err := c.Crypto.GetCharge(ctx, chargeID)
	if err == nil && c.confirm.Load() {
		ch.Status = provider.ChargeCompleted
	}
	return ch, err
}

type countingCrypto struct {
	*providermock.Crypto
	creates atomic.Int32
}

func (c *countingCrypto) CreateCharge(ctx context.Context, in *provider.ChargeInput) (*provider.Charge, error) {
	c.creates.Add(1)
	return c.Crypto.CreateCharge(ctx, in)
}

type flakyCrypto struct {
	*providermock.Crypto
	failing atomic.Bool
	reads   atomic.Int32
}

func (c *flakyCrypto) GetCharge(ctx context.Context, chargeID string) (*provider.Charge, error) {
	c.reads.Add(1)
	if c.failing.Load() {
		return nil, fmt.Errorf("%w: gateway timeout", provider.ErrUnavailable)
	}
	return c.Crypto.GetCharge(ctx, chargeID)
}

func withCrypto(c provider.CryptoProvider) harnessOption {
	return func(h *harness, _ *Options) {
		h.cryptoOverride = c
	}
}

func (h *harness) toCrypto(t *testing.T, f *Flow) {
	t.Helper()
	h.toPayment(t, f)
	_, err := f.SelectMethod(domain.MethodCrypto)
	require.NoError(t, err)
}

func TestCreateCharge_RoundTripIssuesTickets(t *testing.T) {
	h := newHarness(t)
	h.allowReservations("res-1")
	h.allowPurchase(3)
	f := h.open(t, 3)
	h.toCrypto(t, f)

	st, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	chargeID := st.Crypto.ChargeID
	require.NotEmpty(t, chargeID)
	assert.NotEmpty(t, st.Crypto.HostedURL)
	assert.Equal(t, int64(3000), st.Crypto.Amount)
	assert.Equal(t, 3, st.Crypto.Quantity)
	assert.True(t, st.Crypto.HasQRCode)
	assert.Equal(t, 3, st.QuantityAtPaymentStart)

	png, err := f.CryptoQRCode()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	require.Eventually(t, func() bool {
		return f.State().TicketStatus == domain.TicketSuccess
	}, waitFor, tick)

	st = f.State()
	assert.Equal(t, domain.StepConfirmation, st.Step)
	assert.Equal(t, chargeID, st.ChargeID)
	assert.Empty(t, st.PaymentIntentID)
	assert.Equal(t, string(provider.ChargeCompleted), st.Crypto.Status)
	assert.False(t, st.Crypto.Polling)
	h.tickets.AssertCalled(t, "Purchase", mock.Anything, mock.MatchedBy(func(in *gateway.PurchaseInput) bool {
		return in.SettlementID == chargeID && in.IdempotencyKey == chargeID && in.Quantity == 3
	}))
}

func TestCreateCharge_ReusesLiveCharge(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.crypto = providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)
	})
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	first, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	second, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Crypto.ChargeID, second.Crypto.ChargeID)
}

func TestCreateCharge_RequiresCryptoMethod(t *testing.T) {
	h := newHarness(t)
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toPayment(t, f)

	_, err := f.CreateCharge(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	_, err = f.CryptoQRCode()
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestCryptoPolling_TimesOutThenRetries(t *testing.T) {
	h := newHarness(t,
		func(h *harness, _ *Options) {
			h.crypto = providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)
		},
		withOptions(func(o *Options) { o.CryptoPollAttempts = 3 }),
	)
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b := f.State().Banner
		return b != nil && b.Message == msgPollTimeout
	}, waitFor, tick)
	st := f.State()
	assert.False(t, st.Crypto.Polling)
	assert.Equal(t, string(provider.ChargePending), st.Crypto.Status)
	assert.Equal(t, 3, st.Crypto.PollAttempts)

	st, err = f.RetryCryptoPolling()
	require.NoError(t, err)
	assert.True(t, st.Crypto.Polling)
	assert.Nil(t, st.Banner)
}

func TestCryptoPolling_ChargeFailed(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.crypto = providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 3)
	})
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	st, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	h.crypto.SetOutcome(st.Crypto.ChargeID, provider.ChargeFailed)

	require.Eventually(t, func() bool {
		b := f.State().Banner
		return b != nil && b.Message == msgChargeFailed
	}, waitFor, tick)
	assert.False(t, f.State().Crypto.Polling)
	assert.False(t, f.State().IsProcessing)
	h.tickets.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)

	_, err = f.RetryCryptoPolling()
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestCryptoPolling_StopsAfterConsecutiveFailures(t *testing.T) {
	flaky := &flakyCrypto{Crypto: providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)}
	flaky.failing.Store(true)
	h := newHarness(t, withCrypto(flaky))
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b := f.State().Banner
		return b != nil && b.Message == msgPollLost
	}, waitFor, tick)
	st := f.State()
	assert.Equal(t, 3, st.Crypto.ConsecutiveFailures)
	assert.False(t, st.Crypto.Polling)
	assert.EqualValues(t, 3, flaky.reads.Load())
}

func TestCryptoPolling_ToleratesTransientFailures(t *testing.T) {
	flaky := &flakyCrypto{Crypto: providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 4)}
	h := newHarness(t, withCrypto(flaky))
	h.allowReservations("res-1")
	h.allowPurchase(2)
	f := h.open(t, 2)
	h.toCrypto(t, f)

	flaky.failing.Store(true)
	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.State().Crypto.ConsecutiveFailures == 1 }, waitFor, time.Millisecond)
	flaky.failing.Store(false)

	require.Eventually(t, func() bool {
		return f.State().TicketStatus == domain.TicketSuccess
	}, waitFor, tick)
	assert.Equal(t, 0, f.State().Crypto.ConsecutiveFailures)
}

func TestCreateCharge_SoldOutAfterPaymentIsPending(t *testing.T) {
	h := newHarness(t)
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	h.pricing.setErrors("sold out")

	require.Eventually(t, func() bool {
		return f.State().TicketStatus == domain.TicketPending
	}, waitFor, tick)
	st := f.State()
	assert.Equal(t, domain.StepConfirmation, st.Step)
	assert.Equal(t, msgTicketsSoon, st.Notice)
	assert.Contains(t, h.ledger.names(), "pending")
	h.tickets.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
}

func TestCryptoCharge_ExpiresUnpaid(t *testing.T) {
	h := newHarness(t,
		func(h *harness, _ *Options) {
			h.crypto = providermock.NewCrypto(clockz.RealClock, 100*time.Millisecond, 1000)
		},
		withOptions(func(o *Options) { o.CryptoPollInterval = time.Hour }),
	)
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.State().Crypto.Expired }, waitFor, tick)
	st := f.State()
	assert.False(t, st.Crypto.Polling)
	require.NotNil(t, st.Banner)
	assert.Equal(t, domain.KindExpired, st.Banner.Kind)

	_, err = f.RetryCryptoPolling()
	assert.True(t, errors.Is(err, apperrors.ErrGone))

	st, err = f.CreateCharge(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Crypto.Expired)
}

func TestSetQuantity_DropsCryptoCharge(t *testing.T) {
	h := newHarness(t,
		func(h *harness, _ *Options) {
			h.crypto = providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)
		},
		withOptions(func(o *Options) { o.CryptoPollInterval = time.Hour }),
	)
	h.allowReservations("res-1", "res-2")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)

	st, err := f.SetQuantity(4)
	require.NoError(t, err)
	assert.Empty(t, st.Crypto.ChargeID)
	assert.Empty(t, st.ChargeID)
	assert.False(t, st.Crypto.HasQRCode)
}

func TestCryptoPaymentDetected_LocksOrder(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Options) {
		h.crypto = providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)
	})
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	created, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := f.State()
		return st.Crypto.Status == string(provider.ChargePending) && st.IsProcessing
	}, waitFor, tick)

	_, err = f.SetQuantity(4)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	_, err = f.SelectMethod(domain.MethodCard)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	_, err = f.Back()
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	st, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, created.Crypto.ChargeID, st.Crypto.ChargeID)
	assert.Equal(t, 2, st.Quantity)
	assert.Equal(t, domain.MethodCrypto, st.PaymentMethod)
	assert.Equal(t, "res-1", st.ReservationID)

	require.NoError(t, h.manager.Close(context.Background(), testUser, f.ID()))
	assert.False(t, h.reservations.wasReleased("res-1"))
	h.reservations.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
}

func TestCryptoPaymentConfirmedAfterClose_IsRecordedAsPending(t *testing.T) {
	confirming := &confirmingCrypto{Crypto: providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)}
	h := newHarness(t, withCrypto(confirming))
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	st, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	chargeID := st.Crypto.ChargeID
	require.Eventually(t, func() bool { return f.State().IsProcessing }, waitFor, tick)

	require.NoError(t, h.manager.Close(context.Background(), testUser, f.ID()))
	assert.True(t, f.Closed())
	confirming.confirm.Store(true)

	require.Eventually(t, func() bool {
		return len(h.ledger.names()) == 4
	}, waitFor, tick)
	assert.Equal(t, []string{"record", "settled", "update", "pending"}, h.ledger.names())
	s := h.ledger.lastSettlement()
	assert.Equal(t, chargeID, s.ID)
	assert.Equal(t, domain.MethodCrypto, s.Method)
	assert.Equal(t, 2, s.Quantity)
	assert.Equal(t, int64(2000), s.Amount)
	assert.Equal(t, domain.TicketPending, s.TicketStatus)
	assert.Contains(t, s.LastError, "closed")
	h.tickets.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
	assert.False(t, h.reservations.wasReleased("res-1"))
}

func TestClose_StopsWatchingUnpaidCharge(t *testing.T) {
	confirming := &confirmingCrypto{Crypto: providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)}
	h := newHarness(t, withCrypto(confirming), withOptions(func(o *Options) { o.CryptoPollInterval = time.Hour }))
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	_, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.manager.Close(context.Background(), testUser, f.ID()))
	confirming.confirm.Store(true)

	assert.Never(t, func() bool { return len(h.ledger.names()) > 0 }, 100*time.Millisecond, tick)
	assert.True(t, h.reservations.wasReleased("res-1"))
}

func TestCreateCharge_QuantityDriftDuringValidationAborts(t *testing.T) {
	counting := &countingCrypto{Crypto: providermock.NewCrypto(clockz.RealClock, 15*time.Minute, 1000)}
	h := newHarness(t, withCrypto(counting))
	h.allowReservations("res-1", "res-2")
	f := h.open(t, 2)
	h.toCrypto(t, f)

	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.pricing.setHold(func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	type result struct {
		st  domain.FlowState
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := f.CreateCharge(context.Background())
		done <- result{st, err}
	}()

	<-entered
	_, err := f.SetQuantity(4)
	require.NoError(t, err)
	close(release)

	res := <-done
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, apperrors.ErrConflict))
	assert.Contains(t, res.err.Error(), "quantity changed")
	assert.Empty(t, res.st.ChargeID)
	assert.False(t, res.st.IsLoading)
	assert.False(t, res.st.IsProcessing)
	assert.EqualValues(t, 0, counting.creates.Load())

	waitPriced(t, f)
	st, err := f.CreateCharge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Crypto.Quantity)
	assert.Equal(t, int64(4000), st.Crypto.Amount)
	assert.Equal(t, 4, st.QuantityAtPaymentStart)
	assert.EqualValues(t, 1, counting.creates.Load())
}
