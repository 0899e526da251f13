package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	providermock "github.com/DrorGr/amesaFE-sub002/internal/provider/mock"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

func paidCardFlow(t *testing.T, h *harness) (*Flow, domain.FlowState) {
	t.Helper()
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toPayment(t, f)
	h.readyCard(t, f)
	st, err := f.SubmitCard(context.Background(), SubmitCardInput{PaymentMethodID: providermock.MethodSucceeds})
	require.NoError(t, err)
	return f, st
}

func TestIssuanceFailure_StaysOnConfirmationAndRetries(t *testing.T) {
	h := newHarness(t)
	h.tickets.On("Purchase", mock.Anything, mock.Anything).
		Return(nil, apperrors.ServiceUnavailable("ticket service down")).Once()
	h.tickets.On("Purchase", mock.Anything, mock.Anything).
		Return(&gateway.PurchaseResult{TicketsPurchased: 2}, nil).Once()

	f, st := paidCardFlow(t, h)
	settlement := st.PaymentIntentID

	assert.Equal(t, domain.StepConfirmation, st.Step)
	assert.Equal(t, domain.TicketFailed, st.TicketStatus)
	assert.False(t, st.IsProcessing)
	require.NotNil(t, st.Banner)
	assert.Equal(t, domain.KindIssuance, st.Banner.Kind)
	assert.Equal(t, settlement, st.Banner.SettlementID)
	assert.True(t, st.Banner.Retryable)

	st, err := f.RetryIssuance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TicketSuccess, st.TicketStatus)
	assert.Equal(t, 2, st.TicketsPurchased)
	assert.Equal(t, 2, st.IssuanceAttempts)
	assert.Nil(t, st.Banner)

	for _, call := range h.tickets.Calls {
		in := call.Arguments.Get(1).(*gateway.PurchaseInput)
		assert.Equal(t, settlement, in.IdempotencyKey)
	}
	assert.Equal(t, []string{"record", "settled", "update", "failed", "update", "issued"}, h.ledger.names())
	assert.Equal(t, 2, h.ledger.lastSettlement().IssuanceAttempts)
}

func TestRetryIssuance_StopsAtLimit(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.IssuanceRetryLimit = 1 }))
	h.tickets.On("Purchase", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))

	f, st := paidCardFlow(t, h)
	require.True(t, st.Banner.Retryable)

	st, err := f.RetryIssuance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.TicketFailed, st.TicketStatus)
	assert.False(t, st.Banner.Retryable)
	assert.Contains(t, st.Banner.Message, st.PaymentIntentID)

	_, err = f.RetryIssuance(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	h.tickets.AssertNumberOfCalls(t, "Purchase", 2)
	assert.Equal(t, domain.StepConfirmation, f.State().Step)
}

func TestRetryIssuance_NothingToRetry(t *testing.T) {
	h := newHarness(t)
	h.allowPurchase(2)
	f, _ := paidCardFlow(t, h)

	_, err := f.RetryIssuance(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	h.tickets.AssertNumberOfCalls(t, "Purchase", 1)
}

func TestSettlement_LedgerFailuresAreBestEffort(t *testing.T) {
	h := newHarness(t)
	h.ledger.fail = errors.New("ledger unavailable")
	h.allowPurchase(2)

	_, st := paidCardFlow(t, h)
	assert.Equal(t, domain.TicketSuccess, st.TicketStatus)
	assert.Nil(t, st.Banner)
}

func TestSettle_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.allowPurchase(2)
	f, st := paidCardFlow(t, h)

	again, err := f.settle(context.Background(), domain.MethodCard, st.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketSuccess, again.TicketStatus)
	h.tickets.AssertNumberOfCalls(t, "Purchase", 1)
}

func TestSubmitCard_SettledAfterClose_IsRecordedAsPending(t *testing.T) {
	h := newHarness(t)
	h.allowReservations("res-1")
	f := h.open(t, 2)
	h.toPayment(t, f)
	c := h.readyCard(t, f)

	entered, release := make(chan struct{}), make(chan struct{})
	h.card.beforeSubmit = func() {
		close(entered)
		<-release
	}
	errc := make(chan error, 1)
	go func() {
		_, err := f.SubmitCard(context.Background(), SubmitCardInput{PaymentMethodID: providermock.MethodSucceeds})
		errc <- err
	}()

	<-entered
	require.NoError(t, h.manager.Close(context.Background(), testUser, f.ID()))
	close(release)

	err := <-errc
	assert.True(t, errors.Is(err, apperrors.ErrGone))
	assert.Equal(t, []string{"record", "settled", "update", "pending"}, h.ledger.names())
	s := h.ledger.lastSettlement()
	assert.Equal(t, c.IntentID, s.ID)
	assert.Equal(t, domain.MethodCard, s.Method)
	assert.Equal(t, 2, s.Quantity)
	assert.Equal(t, int64(2000), s.Amount)
	assert.Equal(t, domain.TicketPending, s.TicketStatus)
	assert.Contains(t, s.LastError, "closed")
	h.tickets.AssertNotCalled(t, "Purchase", mock.Anything, mock.Anything)
	assert.False(t, h.reservations.wasReleased("res-1"))
}
