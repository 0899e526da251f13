package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	"github.com/DrorGr/amesaFE-sub002/internal/timing"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/tracing"
)

const tracerName = "github.com/DrorGr/amesaFE-sub002/internal/flow"

var errMountStale = errors.New("mount superseded")

// InitCard creates a payment intent for the current, priced quantity and
// starts mounting the card form. An intent that still matches the quantity
// and price is reused. Failed creations count towards the retry cap, which
// only RefreshCard or a success resets.
func (f *Flow) InitCard(ctx context.Context) (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.cardPreconditionsLocked(); err != nil {
		return f.snapshotLocked(), err
	}
	c := f.state.Card
	if c.Exhausted {
		return f.snapshotLocked(), notAllowed("%s", msgIntentLimit)
	}
	if c.IntentID != "" && !c.Expired && c.Quantity == f.state.Quantity && c.Amount == f.state.CalculatedPrice {
		return f.snapshotLocked(), nil
	}
	f.teardownCardLocked()
	return f.createIntentLocked(ctx)
}

// RefreshCard discards the current intent, resets the retry cap and creates
// a fresh intent.
func (f *Flow) RefreshCard(ctx context.Context) (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.cardPreconditionsLocked(); err != nil {
		return f.snapshotLocked(), err
	}
	f.teardownCardLocked()
	f.state.Card.InitAttempts = 0
	f.state.Card.Exhausted = false
	f.state.Banner = nil
	f.intentKey = intentKey{}
	return f.createIntentLocked(ctx)
}

type intentKey struct {
	key      string
	quantity int
	amount   int64
}

// intentKeyLocked returns the idempotency key for creating an intent for the
// current order. The key only changes when the order does or an intent was
// created with it.
func (f *Flow) intentKeyLocked() string {
	k := f.intentKey
	if k.key == "" || k.quantity != f.state.Quantity || k.amount != f.state.CalculatedPrice {
		f.intentKey = intentKey{
			key:      f.deps.Keys.Generate(),
			quantity: f.state.Quantity,
			amount:   f.state.CalculatedPrice,
		}
	}
	return f.intentKey.key
}

func (f *Flow) cardPreconditionsLocked() error {
	switch {
	case f.destroyed:
		return errFlowClosed
	case f.state.Step != domain.StepPayment:
		return notAllowed("card payment is only available in the payment step")
	case f.state.PaymentMethod != domain.MethodCard:
		return notAllowed("card payment is not the selected method")
	case f.state.IsProcessing || f.settling:
		return notAllowed("a payment is already processing")
	case f.cardInFlight:
		return notAllowed("a card payment session is already being created")
	case len(f.state.ValidationErrors) > 0:
		return apperrors.InvalidInput(f.state.ValidationErrors[0])
	case !f.state.PriceCurrent():
		return notAllowed("the price is still being calculated")
	}
	f.touchLocked()
	return nil
}

func (f *Flow) createIntentLocked(ctx context.Context) (domain.FlowState, error) {
	in := &provider.IntentInput{
		FlowID:         f.state.ID,
		ProductID:      f.state.ProductID,
		HouseID:        f.state.HouseID,
		Quantity:       f.state.Quantity,
		Amount:         f.state.CalculatedPrice,
		Currency:       f.state.Currency,
		IdempotencyKey: f.intentKeyLocked(),
	}
	f.cardInFlight = true
	f.state.IsLoading = true
	f.changedLocked()
	f.mu.Unlock()

	intent, err := f.deps.Card.CreateIntent(ctx, in)

	f.mu.Lock()
	f.cardInFlight = false
	f.state.IsLoading = false
	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	defer f.changedLocked()

	if err != nil {
		paymentOutcomes.WithLabelValues(string(domain.MethodCard), "intent_failed").Inc()
		f.log.WarnContext(ctx, "payment intent creation failed",
			slog.Int("attempt", f.state.Card.InitAttempts+1),
			slog.String("error", err.Error()),
		)
		f.state.Card.InitAttempts++
		b := classify(err)
		if f.state.Card.InitAttempts >= f.opts.IntentRetryLimit {
			f.state.Card.Exhausted = true
			b = &domain.Banner{Kind: b.Kind, Message: msgIntentLimit}
		}
		f.state.Banner = b
		return f.snapshotLocked(), appError(b, err)
	}

	f.intentKey = intentKey{}
	if f.state.Quantity != in.Quantity || f.state.CalculatedPrice != in.Amount ||
		f.state.PaymentMethod != domain.MethodCard || f.state.Step != domain.StepPayment {
		return f.snapshotLocked(), notAllowed("the order changed while the payment session was created, please try again")
	}

	f.cardGen++
	f.state.Card = domain.CardState{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       in.Amount,
		Quantity:     in.Quantity,
		ExpiresAt:    intent.ExpiresAt,
		ContainerID:  f.opts.CardContainerID,
	}
	f.state.PaymentIntentID = intent.ID
	f.state.Banner = nil
	f.startCardCountdownLocked()
	f.startMountLocked()
	return f.snapshotLocked(), nil
}

// MountCard (re)starts mounting the card form, typically after the browser
// reports its container. Overlapping calls collapse into one attempt.
func (f *Flow) MountCard() (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	c := f.state.Card
	if c.IntentID == "" || c.Expired {
		return f.snapshotLocked(), notAllowed("there is no active card payment session")
	}
	f.touchLocked()
	if !c.Mounted {
		f.startMountLocked()
	}
	return f.snapshotLocked(), nil
}

func (f *Flow) startMountLocked() {
	c := f.state.Card
	if c.Mounting || c.Mounted || c.IntentID == "" {
		return
	}
	f.state.Card.Mounting = true
	gen, intentID, container, secret := f.cardGen, c.IntentID, c.ContainerID, c.ClientSecret

	go func() {
		// one mount per intent at a time
		_, _, _ = f.mounts.Do(intentID, func() (any, error) {
			return nil, f.mount(gen, container, secret)
		})
	}()
}

func (f *Flow) mount(gen uint64, containerID, clientSecret string) error {
	backoff := f.opts.mountBackoff()
	visible := false
	for attempt := 0; attempt < f.opts.MountAttempts; attempt++ {
		if !f.cardCurrent(gen) {
			return errMountStale
		}
		if f.deps.Surface.ContainerVisible(f.state.ID, containerID) {
			visible = true
			break
		}
		if attempt < f.opts.MountAttempts-1 {
			if err := timing.Sleep(f.ctx, f.deps.Clock, backoff.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	if !visible {
		f.failMount(gen, fmt.Errorf("container %q not visible after %d attempts", containerID, f.opts.MountAttempts))
		return nil
	}

	ctx, cancel := context.WithTimeout(f.ctx, f.opts.CallTimeout)
	handle, err := f.deps.Card.MountForm(ctx, containerID, clientSecret)
	cancel()
	if err != nil {
		f.failMount(gen, err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed || gen != f.cardGen {
		handle.Unmount()
		return errMountStale
	}
	if f.form != nil {
		f.form.Unmount()
	}
	f.form = handle
	f.state.Card.Mounting = false
	f.state.Card.Mounted = true
	f.changedLocked()
	return nil
}

func (f *Flow) failMount(gen uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed || gen != f.cardGen {
		return
	}
	f.log.Error("card form mount failed", slog.String("error", err.Error()))
	f.state.Card.Mounting = false
	f.state.Banner = &domain.Banner{Kind: domain.KindInternal, Message: msgMountFailed, Retryable: true}
	f.changedLocked()
}

func (f *Flow) cardCurrent(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.destroyed && gen == f.cardGen
}

func (f *Flow) startCardCountdownLocked() {
	f.cardCountdown.Cancel()
	f.cardCountdown = nil
	expiresAt := f.state.Card.ExpiresAt
	if expiresAt.IsZero() {
		return
	}
	gen := f.cardGen
	f.setCardRemainingLocked(expiresAt.Sub(f.deps.Clock.Now()))
	f.cardCountdown = timing.Countdown(f.deps.Clock, expiresAt, f.opts.CountdownInterval,
		func(remaining time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.destroyed || gen != f.cardGen {
				return
			}
			f.setCardRemainingLocked(remaining)
			f.changedLocked()
		},
		func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.destroyed || gen != f.cardGen {
				return
			}
			f.expireCardLocked()
		},
	)
}

func (f *Flow) setCardRemainingLocked(remaining time.Duration) {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 0 {
		secs = 0
	}
	f.state.Card.SecondsLeft = secs
	f.state.Card.CountdownVisible = remaining <= f.opts.CountdownWindow
}

func (f *Flow) expireCardLocked() {
	f.log.Info("payment intent expired", slog.String("intent_id", f.state.Card.IntentID))
	f.state.Card.Expired = true
	f.state.Card.SecondsLeft = 0
	f.state.Card.CountdownVisible = true
	f.state.Card.Mounted = false
	if f.form != nil {
		f.form.Unmount()
		f.form = nil
	}
	if !f.state.IsProcessing {
		f.state.Banner = &domain.Banner{Kind: domain.KindExpired, Message: msgExpired, Retryable: true}
	}
	f.changedLocked()
}

// stopCardLocked cancels card timers and the mounted form without touching
// the card state.
func (f *Flow) stopCardLocked() {
	f.cardGen++
	f.cardCountdown.Cancel()
	f.cardCountdown = nil
	if f.form != nil {
		f.form.Unmount()
		f.form = nil
	}
}

// teardownCardLocked stops card resources and forgets the intent. The
// retry counters survive.
func (f *Flow) teardownCardLocked() {
	f.stopCardLocked()
	c := f.state.Card
	f.state.Card = domain.CardState{
		ContainerID:  f.opts.CardContainerID,
		InitAttempts: c.InitAttempts,
		Exhausted:    c.Exhausted,
	}
	f.state.PaymentIntentID = ""
}

func (f *Flow) invalidateCardLocked(reason string) {
	f.log.Info("payment intent invalidated",
		slog.String("intent_id", f.state.Card.IntentID),
		slog.String("reason", reason),
	)
	f.teardownCardLocked()
	f.state.Notice = "The order changed. A new card payment session is needed before paying."
}

// SubmitCardInput is the card form submission.
type SubmitCardInput struct {
	PaymentMethodID string
}

// SubmitCard pays the current intent. The quantity is locked at entry and a
// last-chance validation runs before the provider is called; drift or a
// moved price aborts the submission. An immediate settlement proceeds to
// ticket issuance. A step-up challenge saves a recovery record and returns
// the redirect URL in Card.RedirectURL.
func (f *Flow) SubmitCard(ctx context.Context, in SubmitCardInput) (state domain.FlowState, err error) {
	ctx, end := tracing.StartSpan(ctx, tracerName, "flow.submit_card", attribute.String("flow.id", f.state.ID))
	defer func() { end(err) }()

	f.mu.Lock()
	if err := f.submitPreconditionsLocked(); err != nil {
		defer f.mu.Unlock()
		return f.snapshotLocked(), err
	}
	c := f.state.Card
	f.state.QuantityAtPaymentStart = f.state.Quantity
	f.setProcessingLocked()
	f.state.Banner = nil
	f.state.Notice = ""
	f.changedLocked()
	productID, locked := f.state.ProductID, f.state.Quantity
	form := f.form
	f.mu.Unlock()

	quote, verr := f.deps.Pricing.Validate(ctx, productID, locked)

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return domain.FlowState{}, errFlowClosed
	}
	if abort := f.checkLockLocked(quote, verr, locked, c.Amount); abort != nil {
		f.state.IsProcessing = false
		f.changedLocked()
		defer f.mu.Unlock()
		return f.snapshotLocked(), abort
	}
	f.mu.Unlock()

	res, err := f.deps.Card.Submit(ctx, &provider.SubmitInput{
		IntentID:        c.IntentID,
		PaymentMethodID: in.PaymentMethodID,
		ReturnURL:       f.opts.ReturnURL,
		Form:            form,
	})
	if err != nil {
		return f.cardSubmitFailed(ctx, err)
	}

	switch {
	case res.Settled:
		paymentOutcomes.WithLabelValues(string(domain.MethodCard), "settled").Inc()
		return f.settle(ctx, domain.MethodCard, settlementID(res, c.IntentID))
	case res.RequiresStepUp:
		return f.beginStepUp(ctx, res, c)
	case res.Status == provider.IntentProcessing:
		paymentOutcomes.WithLabelValues(string(domain.MethodCard), "processing").Inc()
		return f.settlePending(ctx, domain.MethodCard, settlementID(res, c.IntentID), msgProcessing)
	default:
		return f.cardSubmitFailed(ctx, fmt.Errorf("payment status %q: %w", res.Status, provider.ErrUnexpectedStatus))
	}
}

func settlementID(res *provider.SubmitResult, intentID string) string {
	if res.SettlementID != "" {
		return res.SettlementID
	}
	return intentID
}

func (f *Flow) submitPreconditionsLocked() error {
	c := f.state.Card
	switch {
	case f.destroyed:
		return errFlowClosed
	case f.state.Step != domain.StepPayment || f.state.PaymentMethod != domain.MethodCard:
		return notAllowed("card payment is not active")
	case f.state.IsProcessing || f.settling:
		return notAllowed("a payment is already processing")
	case c.IntentID == "":
		return notAllowed("there is no card payment session, please start a new one")
	case c.Expired:
		return apperrors.Gone(msgExpired)
	case !c.Mounted:
		return notAllowed("the payment form is not ready yet")
	case len(f.state.ValidationErrors) > 0:
		return apperrors.InvalidInput(f.state.ValidationErrors[0])
	case !f.state.PriceCurrent():
		return notAllowed("the price is still being calculated")
	case c.Quantity != f.state.Quantity || c.Amount != f.state.CalculatedPrice:
		f.invalidateCardLocked("stale intent at submission")
		return notAllowed("the order changed, please start a new card payment session")
	}
	f.touchLocked()
	return nil
}

// checkLockLocked applies the last-chance validation result to a locked
// submission and returns the reason to abort, if any.
func (f *Flow) checkLockLocked(quote *domain.PriceQuote, verr error, locked int, amount int64) error {
	if verr != nil {
		b := classify(verr)
		f.state.Banner = b
		return appError(b, verr)
	}
	if len(quote.Errors) > 0 {
		f.state.ValidationErrors = append([]string(nil), quote.Errors...)
		return apperrors.InvalidInput(quote.Errors[0])
	}
	if f.state.Quantity != locked || f.state.QuantityAtPaymentStart != locked {
		return notAllowed("quantity changed during payment, please review and try again")
	}
	if domain.PriceMoved(amount, quote.CalculatedPrice, f.state.Currency) {
		f.applyPriceLocked(quote, locked)
		return notAllowed("the price changed, please review the new total")
	}
	return nil
}

func (f *Flow) cardSubmitFailed(ctx context.Context, err error) (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	paymentOutcomes.WithLabelValues(string(domain.MethodCard), "failed").Inc()
	f.log.WarnContext(ctx, "card payment failed", slog.String("error", err.Error()))
	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	f.state.IsProcessing = false
	b := classify(err)
	switch b.Kind {
	case domain.KindExpired:
		f.expireCardLocked()
	case domain.KindStepUp, domain.KindPayment:
		// a declined or failed intent can't be reused
		f.teardownCardLocked()
	default:
		if errors.Is(err, provider.ErrUnexpectedStatus) {
			f.teardownCardLocked()
		}
	}
	f.state.Banner = b
	f.changedLocked()
	return f.snapshotLocked(), appError(b, err)
}

func (f *Flow) beginStepUp(ctx context.Context, res *provider.SubmitResult, c domain.CardState) (domain.FlowState, error) {
	settlement := settlementID(res, c.IntentID)

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return domain.FlowState{}, errFlowClosed
	}
	rec := &domain.RecoveryState{
		FlowID:       f.state.ID,
		UserID:       f.state.UserID,
		ProductID:    f.state.ProductID,
		HouseID:      f.state.HouseID,
		Quantity:     f.state.QuantityAtPaymentStart,
		Amount:       c.Amount,
		Currency:     f.state.Currency,
		Method:       domain.MethodCard,
		SettlementID: settlement,
		ReturnURL:    f.opts.ReturnURL,
		ExpiresAt:    f.deps.Clock.Now().Add(f.opts.RecoveryTTL),
	}
	f.mu.Unlock()

	var saveErr error
	if res.RedirectURL == "" {
		saveErr = errors.New("provider requested authentication without a redirect")
	} else {
		saveErr = f.deps.Scratch.Save(ctx, rec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	if saveErr != nil {
		f.log.ErrorContext(ctx, "step-up can't proceed", slog.String("error", saveErr.Error()))
		paymentOutcomes.WithLabelValues(string(domain.MethodCard), "step_up_failed").Inc()
		f.state.IsProcessing = false
		f.teardownCardLocked()
		b := &domain.Banner{Kind: domain.KindStepUp, Message: msgStepUp, Retryable: true}
		f.state.Banner = b
		f.changedLocked()
		return f.snapshotLocked(), appError(b, saveErr)
	}

	paymentOutcomes.WithLabelValues(string(domain.MethodCard), "step_up").Inc()
	f.log.InfoContext(ctx, "redirecting for card authentication", slog.String("settlement_id", settlement))
	f.state.Card.RedirectURL = res.RedirectURL
	f.changedLocked()
	return f.snapshotLocked(), nil
}

// completeStepUp finishes a payment returning from authentication with the
// provider's verdict.
func (f *Flow) completeStepUp(ctx context.Context, settlement string, status provider.IntentStatus) (domain.FlowState, error) {
	f.mu.Lock()
	f.state.Card.RedirectURL = ""
	f.state.PaymentIntentID = settlement
	f.mu.Unlock()

	switch status {
	case provider.IntentSucceeded:
		paymentOutcomes.WithLabelValues(string(domain.MethodCard), "settled").Inc()
		return f.settle(ctx, domain.MethodCard, settlement)
	case provider.IntentProcessing:
		return f.settlePending(ctx, domain.MethodCard, settlement, msgProcessing)
	default:
		paymentOutcomes.WithLabelValues(string(domain.MethodCard), "step_up_failed").Inc()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.destroyed {
			return domain.FlowState{}, errFlowClosed
		}
		f.state.IsProcessing = false
		f.teardownCardLocked()
		f.state.Banner = &domain.Banner{Kind: domain.KindStepUp, Message: msgStepUp, Retryable: true}
		f.changedLocked()
		return f.snapshotLocked(), nil
	}
}
