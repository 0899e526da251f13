package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	"github.com/DrorGr/amesaFE-sub002/pkg/tracing"
)

// settle hands a provider-confirmed settlement to ticket issuance. A
// last-chance validation that reports errors (sold out in the meantime)
// skips issuance and leaves it to the server-side settlement listener.
// Whatever issuance does, the flow ends in Confirmation: the payment
// succeeded.
func (f *Flow) settle(ctx context.Context, method domain.PaymentMethod, settlementID string) (domain.FlowState, error) {
	ctx = context.WithoutCancel(ctx)

	f.mu.Lock()
	s, ok := f.beginSettlementLocked(method, settlementID)
	if !ok {
		defer f.mu.Unlock()
		if f.destroyed {
			return domain.FlowState{}, errFlowClosed
		}
		return f.snapshotLocked(), nil
	}
	closed := f.destroyed
	f.mu.Unlock()

	f.recordSettlement(ctx, s)
	if closed {
		return f.settleClosed(ctx, s)
	}

	vctx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	quote, err := f.deps.Pricing.Validate(vctx, s.ProductID, s.Quantity)
	cancel()
	switch {
	case err != nil:
		f.log.WarnContext(ctx, "post-settlement validation failed, issuing anyway",
			slog.String("settlement_id", s.ID),
			slog.String("error", err.Error()),
		)
	case len(quote.Errors) > 0:
		return f.finishPending(ctx, strings.Join(quote.Errors, "; "), msgTicketsSoon)
	}
	return f.issue(ctx)
}

// settlePending records a settlement whose tickets will be issued
// asynchronously and moves straight to Confirmation.
func (f *Flow) settlePending(ctx context.Context, method domain.PaymentMethod, settlementID, notice string) (domain.FlowState, error) {
	ctx = context.WithoutCancel(ctx)

	f.mu.Lock()
	s, ok := f.beginSettlementLocked(method, settlementID)
	if !ok {
		defer f.mu.Unlock()
		if f.destroyed {
			return domain.FlowState{}, errFlowClosed
		}
		return f.snapshotLocked(), nil
	}
	closed := f.destroyed
	f.mu.Unlock()

	f.recordSettlement(ctx, s)
	if closed {
		return f.settleClosed(ctx, s)
	}
	return f.finishPending(ctx, "payment still processing at provider", notice)
}

// beginSettlementLocked claims the settlement. A flow closed while its
// payment was in flight still claims it so the payment gets recorded.
func (f *Flow) beginSettlementLocked(method domain.PaymentMethod, settlementID string) (*domain.Settlement, bool) {
	if f.settling {
		return nil, false
	}
	f.settling = true
	f.setProcessingLocked()
	f.setStepLocked(domain.StepProcessing)
	f.stopCardLocked()
	f.stopCryptoLocked()

	switch method {
	case domain.MethodCard:
		f.state.PaymentIntentID = settlementID
	case domain.MethodCrypto:
		f.state.ChargeID = settlementID
	}
	if f.state.QuantityAtPaymentStart == 0 {
		f.state.QuantityAtPaymentStart = f.state.Quantity
	}
	f.state.TicketStatus = domain.TicketCreating
	f.state.Banner = nil
	f.changedLocked()

	amount := f.state.CalculatedPrice
	switch method {
	case domain.MethodCard:
		if f.state.Card.Amount > 0 {
			amount = f.state.Card.Amount
		}
	case domain.MethodCrypto:
		if f.state.Crypto.Amount > 0 {
			amount = f.state.Crypto.Amount
		}
	}
	now := f.deps.Clock.Now().UTC()
	f.settlement = &domain.Settlement{
		ID:           settlementID,
		FlowID:       f.state.ID,
		UserID:       f.state.UserID,
		ProductID:    f.state.ProductID,
		HouseID:      f.state.HouseID,
		Method:       method,
		Quantity:     f.state.QuantityAtPaymentStart,
		Amount:       amount,
		Currency:     f.state.Currency,
		TicketStatus: domain.TicketCreating,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	cp := *f.settlement
	return &cp, true
}

// settleClosed hands a payment confirmed after its flow closed to the
// reconciler as pending issuance.
func (f *Flow) settleClosed(ctx context.Context, s *domain.Settlement) (domain.FlowState, error) {
	f.log.WarnContext(ctx, "payment settled after the purchase was closed",
		slog.String("settlement_id", s.ID),
		slog.String("method", string(s.Method)),
	)
	f.finishPending(ctx, "purchase closed before tickets were issued", "")
	return domain.FlowState{}, errFlowClosed
}

func (f *Flow) finishPending(ctx context.Context, reason, notice string) (domain.FlowState, error) {
	issuanceOutcomes.WithLabelValues("pending").Inc()

	f.mu.Lock()
	f.settlement.TicketStatus = domain.TicketPending
	f.settlement.LastError = reason
	f.settlement.UpdatedAt = f.deps.Clock.Now().UTC()
	s := *f.settlement
	var out domain.FlowState
	if !f.destroyed {
		if f.state.TicketStatus != domain.TicketSuccess {
			f.state.TicketStatus = domain.TicketPending
		}
		f.state.Notice = notice
		f.state.IsProcessing = false
		f.setStepLocked(domain.StepConfirmation)
		f.changedLocked()
		out = f.snapshotLocked()
	}
	f.mu.Unlock()

	f.log.InfoContext(ctx, "ticket issuance deferred",
		slog.String("settlement_id", s.ID),
		slog.String("reason", reason),
	)
	f.recordIssuance(ctx, &s)
	return out, nil
}

// issue calls the ticket gateway with the locked quantity. The settlement
// id doubles as the idempotency key so retries never double-issue.
func (f *Flow) issue(ctx context.Context) (state domain.FlowState, err error) {
	f.mu.Lock()
	if f.issuing {
		defer f.mu.Unlock()
		return f.snapshotLocked(), notAllowed("tickets are already being issued")
	}
	f.issuing = true
	f.state.IssuanceAttempts++
	attempt := f.state.IssuanceAttempts
	if f.state.TicketStatus != domain.TicketSuccess {
		f.state.TicketStatus = domain.TicketCreating
	}
	f.changedLocked()
	s := *f.settlement
	f.mu.Unlock()

	ctx, end := tracing.StartSpan(ctx, tracerName, "flow.issue_tickets",
		attribute.String("settlement.id", s.ID),
		attribute.Int("issuance.attempt", attempt),
	)
	callCtx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	res, perr := f.deps.Tickets.Purchase(callCtx, &gateway.PurchaseInput{
		HouseID:          s.HouseID,
		Quantity:         s.Quantity,
		PaymentMethodRef: gateway.PlaceholderPaymentMethod,
		SettlementID:     s.ID,
		IdempotencyKey:   s.ID,
	})
	cancel()
	end(perr)

	f.mu.Lock()
	f.issuing = false
	s.IssuanceAttempts = attempt
	s.UpdatedAt = f.deps.Clock.Now().UTC()
	if perr != nil {
		issuanceOutcomes.WithLabelValues("failed").Inc()
		f.log.ErrorContext(ctx, "ticket issuance failed",
			slog.String("settlement_id", s.ID),
			slog.Int("attempt", attempt),
			slog.String("error", perr.Error()),
		)
		s.TicketStatus = domain.TicketFailed
		s.LastError = perr.Error()
	} else {
		issuanceOutcomes.WithLabelValues("success").Inc()
		s.TicketStatus = domain.TicketSuccess
		s.TicketsPurchased = res.TicketsPurchased
		s.LastError = ""
	}
	if f.settlement.TicketStatus == domain.TicketSuccess {
		s.TicketStatus = domain.TicketSuccess
	}
	*f.settlement = s

	if !f.destroyed {
		f.applyIssuanceLocked(&s, attempt)
		state = f.snapshotLocked()
	}
	f.mu.Unlock()

	f.recordIssuance(ctx, &s)
	return state, nil
}

func (f *Flow) applyIssuanceLocked(s *domain.Settlement, attempt int) {
	if s.TicketStatus == domain.TicketSuccess {
		f.state.TicketStatus = domain.TicketSuccess
		f.state.TicketsPurchased = s.TicketsPurchased
		if f.state.Banner != nil && f.state.Banner.Kind == domain.KindIssuance {
			f.state.Banner = nil
		}
	} else {
		f.state.TicketStatus = domain.TicketFailed
		retryable := attempt <= f.opts.IssuanceRetryLimit
		msg := "Your payment succeeded, but we couldn't issue your tickets yet. Please try again."
		if !retryable {
			msg = fmt.Sprintf("Your payment succeeded, but we couldn't issue your tickets. Please contact support with reference %s.", s.ID)
		}
		f.state.Banner = &domain.Banner{Kind: domain.KindIssuance, Message: msg, Retryable: retryable, SettlementID: s.ID}
	}
	f.state.IsProcessing = false
	f.setStepLocked(domain.StepConfirmation)
	f.changedLocked()
}

// RetryIssuance retries a failed ticket issuance. The first attempt does
// not count towards the retry limit.
func (f *Flow) RetryIssuance(ctx context.Context) (domain.FlowState, error) {
	f.mu.Lock()
	switch {
	case f.destroyed:
		f.mu.Unlock()
		return domain.FlowState{}, errFlowClosed
	case f.settlement == nil || f.state.TicketStatus != domain.TicketFailed:
		defer f.mu.Unlock()
		return f.snapshotLocked(), notAllowed("there is no failed ticket issuance to retry")
	case f.state.IssuanceAttempts > f.opts.IssuanceRetryLimit:
		defer f.mu.Unlock()
		return f.snapshotLocked(), notAllowed("retry limit reached, please contact support with reference %s", f.settlement.ID)
	}
	f.touchLocked()
	f.mu.Unlock()

	return f.issue(context.WithoutCancel(ctx))
}

func (f *Flow) recordSettlement(ctx context.Context, s *domain.Settlement) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()
	if f.deps.Recorder != nil {
		if err := f.deps.Recorder.RecordSettlement(ctx, s); err != nil {
			f.log.ErrorContext(ctx, "failed to record settlement",
				slog.String("settlement_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if f.deps.Events != nil {
		if err := f.deps.Events.PublishPaymentSettled(ctx, s); err != nil {
			f.log.ErrorContext(ctx, "failed to publish lottery.payment.settled event",
				slog.String("settlement_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (f *Flow) recordIssuance(ctx context.Context, s *domain.Settlement) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()
	if f.deps.Recorder != nil {
		if err := f.deps.Recorder.UpdateIssuance(ctx, s); err != nil {
			f.log.ErrorContext(ctx, "failed to update settlement issuance",
				slog.String("settlement_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if f.deps.Events == nil {
		return
	}
	var err error
	switch s.TicketStatus {
	case domain.TicketSuccess:
		err = f.deps.Events.PublishTicketsIssued(ctx, s)
	case domain.TicketPending:
		err = f.deps.Events.PublishTicketsPending(ctx, s)
	case domain.TicketFailed:
		err = f.deps.Events.PublishTicketsFailed(ctx, s)
	}
	if err != nil {
		f.log.ErrorContext(ctx, "failed to publish ticket issuance event",
			slog.String("settlement_id", s.ID),
			slog.String("ticket_status", string(s.TicketStatus)),
			slog.String("error", err.Error()),
		)
	}
}
