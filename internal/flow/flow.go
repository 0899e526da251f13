package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	"github.com/DrorGr/amesaFE-sub002/internal/timing"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/logger"
)

// Flow is one purchase in progress. All methods are safe for concurrent use;
// asynchronous work (debounced pricing, mount polling, charge polling and
// countdowns) re-acquires the lock and checks destroyed before touching
// state.
type Flow struct {
	deps *Deps
	opts Options
	log  *slog.Logger

	// ctx is cancelled by Close and bounds background calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      domain.FlowState
	destroyed  bool
	lastActive time.Time
	navigating bool

	// paymentAttempted is set the first time IsProcessing becomes true and
	// never cleared. A reservation is never cancelled once it is set.
	paymentAttempted bool
	cancelled        map[string]bool

	debouncer  *timing.Debouncer
	pricingSeq uint64

	cardGen       uint64
	cardInFlight  bool
	cardCountdown *timing.Handle
	form          provider.FormHandle
	mounts        singleflight.Group

	// intentKey is reused across failed creations for the same order so a
	// request that reached the provider is not duplicated.
	intentKey intentKey

	cryptoGen       uint64
	cryptoInFlight  bool
	cryptoPoller    *timing.Handle
	cryptoCountdown *timing.Handle
	qr              []byte

	settling   bool
	issuing    bool
	settlement *domain.Settlement
}

func newFlow(deps *Deps, opts Options, userID string, p *domain.Product, quantity int) *Flow {
	f := buildFlow(deps, opts, uuid.NewString(), userID, p, quantity)
	f.debouncer.Trigger(f.recalculate)
	return f
}

// restoreFlow rebuilds a flow that was swept from memory while the browser
// was away for card authentication. It starts in Processing with the price
// and quantity the payment was made for.
func restoreFlow(deps *Deps, opts Options, rec *domain.RecoveryState) *Flow {
	p := &domain.Product{
		ID:          rec.ProductID,
		HouseID:     rec.HouseID,
		Currency:    rec.Currency,
		MaxQuantity: rec.Quantity,
	}
	f := buildFlow(deps, opts, rec.FlowID, rec.UserID, p, rec.Quantity)
	s := &f.state
	s.Step = domain.StepProcessing
	s.PaymentMethod = rec.Method
	s.CalculatedPrice = rec.Amount
	s.TotalAmount = rec.Amount
	s.PricedQuantity = rec.Quantity
	s.PricingInFlight = false
	s.QuantityAtPaymentStart = rec.Quantity
	s.PaymentIntentID = rec.SettlementID
	s.Card.IntentID = rec.SettlementID
	s.Card.Amount = rec.Amount
	s.Card.Quantity = rec.Quantity
	f.setProcessingLocked()
	return f
}

func buildFlow(deps *Deps, opts Options, id, userID string, p *domain.Product, quantity int) *Flow {
	now := deps.Clock.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		deps:       deps,
		opts:       opts,
		log:        deps.Logger.With(slog.String("flow_id", id)),
		ctx:        logger.WithFlowID(ctx, id),
		cancel:     cancel,
		lastActive: now,
		cancelled:  make(map[string]bool),
		debouncer:  timing.NewDebouncer(deps.Clock, opts.DebounceDelay),
		state: domain.FlowState{
			ID:              id,
			UserID:          userID,
			Step:            domain.StepQuantity,
			Quantity:        quantity,
			MaxQuantity:     p.MaxQuantity,
			PaymentMethod:   domain.MethodCard,
			ProductID:       p.ID,
			HouseID:         p.HouseID,
			HouseTitle:      p.HouseTitle,
			Currency:        p.Currency,
			BasePrice:       p.BasePrice,
			PricingInFlight: true,
			Card:            domain.CardState{ContainerID: opts.CardContainerID},
			TicketStatus:    domain.TicketIdle,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.state.ID }

// UserID returns the owner of the flow.
func (f *Flow) UserID() string { return f.state.UserID }

// State returns a copy of the current state.
func (f *Flow) State() domain.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

// Closed reports whether Close has run.
func (f *Flow) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *Flow) idle(now time.Time) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Sub(f.lastActive), f.state.IsProcessing
}

func (f *Flow) changedLocked() {
	f.state.Version++
	f.state.UpdatedAt = f.deps.Clock.Now().UTC()
}

func (f *Flow) touchLocked() {
	f.lastActive = f.deps.Clock.Now()
}

func (f *Flow) setStepLocked(to domain.Step) {
	if f.state.Step == to {
		return
	}
	stepTransitions.WithLabelValues(string(f.state.Step), string(to)).Inc()
	f.log.Debug("step transition",
		slog.String("from", string(f.state.Step)),
		slog.String("to", string(to)),
	)
	f.state.Step = to
}

func (f *Flow) setProcessingLocked() {
	f.state.IsProcessing = true
	f.paymentAttempted = true
}

// snapshot returns a copy for callers and must be called with mu held.
func (f *Flow) snapshotLocked() domain.FlowState {
	return f.state.Clone()
}

// SetQuantity changes the ticket quantity. It never prices synchronously:
// the change schedules a debounced recalculation and marks the current
// price stale until it lands.
func (f *Flow) SetQuantity(quantity int) (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	if f.state.IsProcessing || f.settling {
		return f.snapshotLocked(), notAllowed("quantity can't change while a payment is processing")
	}
	switch f.state.Step {
	case domain.StepQuantity, domain.StepReview, domain.StepPayment:
	default:
		return f.snapshotLocked(), notAllowed("quantity can't change in step %s", f.state.Step)
	}
	if quantity < 1 || quantity > f.state.MaxQuantity {
		return f.snapshotLocked(), apperrors.InvalidInput(fmt.Sprintf("quantity must be between 1 and %d", f.state.MaxQuantity))
	}
	f.touchLocked()
	if quantity == f.state.Quantity {
		return f.snapshotLocked(), nil
	}

	f.state.Quantity = quantity
	f.state.PricingInFlight = true
	f.state.ValidationErrors = nil

	if f.state.Card.IntentID != "" && f.state.Card.Quantity != quantity {
		f.invalidateCardLocked("quantity changed")
	}
	if f.state.Crypto.ChargeID != "" && f.state.Crypto.Quantity != quantity {
		f.teardownCryptoLocked()
	}
	if id := f.state.ReservationID; id != "" && f.claimCancelLocked(id) {
		f.state.ReservationID = ""
		go f.cancelReservation(context.WithoutCancel(f.ctx), id)
	}

	f.debouncer.Trigger(f.recalculate)
	f.changedLocked()
	return f.snapshotLocked(), nil
}

// Next advances Quantity to Review (requiring a current, error-free price
// and holding tickets when a reservation gateway exists) and Review to
// Payment.
func (f *Flow) Next(ctx context.Context) (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	f.touchLocked()

	switch f.state.Step {
	case domain.StepQuantity:
		if err := f.canLeaveQuantityLocked(); err != nil {
			return f.snapshotLocked(), err
		}
		if f.deps.Reservations != nil && f.state.ReservationID == "" {
			if err := f.reserveLocked(ctx); err != nil {
				return f.snapshotLocked(), err
			}
			if err := f.canLeaveQuantityLocked(); err != nil {
				return f.snapshotLocked(), err
			}
		}
		f.setStepLocked(domain.StepReview)
	case domain.StepReview:
		f.setStepLocked(domain.StepPayment)
	default:
		return f.snapshotLocked(), notAllowed("can't advance from step %s", f.state.Step)
	}

	f.changedLocked()
	return f.snapshotLocked(), nil
}

func (f *Flow) canLeaveQuantityLocked() error {
	switch {
	case f.navigating:
		return notAllowed("already advancing")
	case len(f.state.ValidationErrors) > 0:
		return apperrors.InvalidInput(f.state.ValidationErrors[0])
	case !f.state.PriceCurrent():
		return notAllowed("the price for %d tickets is still being calculated", f.state.Quantity)
	}
	return nil
}

// reserveLocked creates a reservation for the current quantity. The lock is
// released around the gateway call. A gateway failure is not fatal: the
// flow continues with a warning.
func (f *Flow) reserveLocked(ctx context.Context) error {
	house, quantity := f.state.HouseID, f.state.Quantity
	f.navigating = true
	f.state.IsLoading = true
	f.mu.Unlock()

	id, err := f.deps.Reservations.Create(ctx, house, quantity)

	f.mu.Lock()
	f.navigating = false
	f.state.IsLoading = false

	switch {
	case err != nil:
		f.log.WarnContext(ctx, "reservation failed, continuing without it",
			slog.String("house_id", house),
			slog.Int("quantity", quantity),
			slog.String("error", err.Error()),
		)
		f.state.Warnings = appendOnce(f.state.Warnings, msgReserveWarn)
		return nil
	case f.destroyed:
		if f.claimCancelLocked(id) {
			go f.cancelReservation(context.WithoutCancel(ctx), id)
		}
		return errFlowClosed
	case f.state.Quantity != quantity:
		if f.claimCancelLocked(id) {
			go f.cancelReservation(context.WithoutCancel(ctx), id)
		}
		return notAllowed("quantity changed while tickets were being held, please try again")
	}
	f.state.ReservationID = id
	return nil
}

// claimCancelLocked reports whether the caller should cancel reservation id
// and records that it did. A reservation is cancelled at most once and
// never once a payment has been attempted.
func (f *Flow) claimCancelLocked(id string) bool {
	if id == "" || f.paymentAttempted || f.state.IsProcessing || f.cancelled[id] {
		return false
	}
	f.cancelled[id] = true
	return true
}

func (f *Flow) cancelReservation(ctx context.Context, id string) {
	if f.deps.Reservations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()
	if err := f.deps.Reservations.Cancel(ctx, id); err != nil {
		f.log.ErrorContext(ctx, "failed to cancel reservation",
			slog.String("reservation_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	f.log.InfoContext(ctx, "reservation cancelled", slog.String("reservation_id", id))
}

// Back moves Payment to Review and Review to Quantity. Leaving Payment tears
// down the live provider.
func (f *Flow) Back() (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	if f.state.IsProcessing || f.settling {
		return f.snapshotLocked(), notAllowed("can't go back while a payment is processing")
	}
	f.touchLocked()

	switch f.state.Step {
	case domain.StepPayment:
		f.teardownCardLocked()
		f.teardownCryptoLocked()
		f.setStepLocked(domain.StepReview)
	case domain.StepReview:
		f.setStepLocked(domain.StepQuantity)
	default:
		return f.snapshotLocked(), notAllowed("can't go back from step %s", f.state.Step)
	}
	f.changedLocked()
	return f.snapshotLocked(), nil
}

// SelectMethod switches the payment rail, fully tearing down the previous
// one first.
func (f *Flow) SelectMethod(m domain.PaymentMethod) (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	if !m.Valid() {
		return f.snapshotLocked(), apperrors.InvalidInput(fmt.Sprintf("unknown payment method %q", m))
	}
	if f.state.IsProcessing || f.settling || f.cardInFlight || f.cryptoInFlight {
		return f.snapshotLocked(), notAllowed("payment method can't change while a payment is in progress")
	}
	f.touchLocked()
	if m == f.state.PaymentMethod {
		return f.snapshotLocked(), nil
	}

	switch f.state.PaymentMethod {
	case domain.MethodCard:
		f.teardownCardLocked()
	case domain.MethodCrypto:
		f.teardownCryptoLocked()
	}
	f.state.PaymentMethod = m
	f.state.Banner = nil
	f.changedLocked()
	return f.snapshotLocked(), nil
}

// DismissBanner clears the current error banner.
func (f *Flow) DismissBanner() domain.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Banner != nil {
		f.state.Banner = nil
		f.changedLocked()
	}
	return f.snapshotLocked()
}

// Close tears the flow down: timers and pollers are stopped before the flow
// is marked destroyed, the payment form is unmounted, and an open
// reservation is cancelled on a best-effort basis unless a payment was
// attempted. Close is idempotent.
func (f *Flow) Close(ctx context.Context) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.debouncer.Stop()
	f.stopCardLocked()
	if f.awaitingCryptoLocked() {
		// a detected crypto payment is watched until it confirms
		f.cryptoCountdown.Cancel()
		f.cryptoCountdown = nil
	} else {
		f.stopCryptoLocked()
	}
	f.cancel()
	f.destroyed = true

	id := f.state.ReservationID
	release := f.claimCancelLocked(id)
	f.mu.Unlock()

	if release {
		f.cancelReservation(context.WithoutCancel(ctx), id)
	}
	f.log.InfoContext(ctx, "flow closed", slog.Bool("reservation_released", release))
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
