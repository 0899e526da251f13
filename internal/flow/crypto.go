package flow

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/skip2/go-qrcode"
	"go.opentelemetry.io/otel/attribute"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	"github.com/DrorGr/amesaFE-sub002/internal/timing"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/httpclient"
	"github.com/DrorGr/amesaFE-sub002/pkg/tracing"
)

const qrSize = 256

// CreateCharge opens a hosted crypto charge for the locked quantity and
// starts polling it. A live charge for the same quantity and price is
// reused.
func (f *Flow) CreateCharge(ctx context.Context) (state domain.FlowState, err error) {
	ctx, end := tracing.StartSpan(ctx, tracerName, "flow.create_charge", attribute.String("flow.id", f.state.ID))
	defer func() { end(err) }()

	f.mu.Lock()
	if f.liveChargeLocked() {
		defer f.mu.Unlock()
		f.touchLocked()
		return f.snapshotLocked(), nil
	}
	if err := f.cryptoPreconditionsLocked(); err != nil {
		defer f.mu.Unlock()
		return f.snapshotLocked(), err
	}
	f.teardownCryptoLocked()
	f.cryptoInFlight = true
	f.state.IsLoading = true
	f.state.QuantityAtPaymentStart = f.state.Quantity
	f.state.Banner = nil
	f.state.Notice = ""
	f.changedLocked()
	locked, amount := f.state.Quantity, f.state.CalculatedPrice
	in := &provider.ChargeInput{
		FlowID:         f.state.ID,
		ProductID:      f.state.ProductID,
		HouseID:        f.state.HouseID,
		HouseTitle:     f.state.HouseTitle,
		Quantity:       locked,
		Amount:         amount,
		Currency:       f.state.Currency,
		IdempotencyKey: f.deps.Keys.Generate(),
	}
	f.mu.Unlock()

	quote, verr := f.deps.Pricing.Validate(ctx, in.ProductID, locked)

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return domain.FlowState{}, errFlowClosed
	}
	if abort := f.checkLockLocked(quote, verr, locked, amount); abort != nil {
		f.cryptoInFlight = false
		f.state.IsLoading = false
		f.changedLocked()
		defer f.mu.Unlock()
		return f.snapshotLocked(), abort
	}
	f.mu.Unlock()

	charge, err := f.deps.Crypto.CreateCharge(ctx, in)

	var png []byte
	if err == nil {
		var qerr error
		if png, qerr = qrcode.Encode(charge.HostedURL, qrcode.Medium, qrSize); qerr != nil {
			f.log.ErrorContext(ctx, "failed to render charge QR code",
				slog.String("charge_id", charge.ID),
				slog.String("error", qerr.Error()),
			)
			png = nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cryptoInFlight = false
	f.state.IsLoading = false
	if f.destroyed {
		return domain.FlowState{}, errFlowClosed
	}
	defer f.changedLocked()

	if err != nil {
		paymentOutcomes.WithLabelValues(string(domain.MethodCrypto), "charge_failed").Inc()
		f.log.WarnContext(ctx, "crypto charge creation failed", slog.String("error", err.Error()))
		b := classify(err)
		f.state.Banner = b
		return f.snapshotLocked(), appError(b, err)
	}
	if f.state.Quantity != locked || f.state.CalculatedPrice != amount ||
		f.state.PaymentMethod != domain.MethodCrypto || f.state.Step != domain.StepPayment {
		return f.snapshotLocked(), notAllowed("the order changed while the crypto charge was created, please try again")
	}

	paymentOutcomes.WithLabelValues(string(domain.MethodCrypto), "charge_created").Inc()
	f.log.InfoContext(ctx, "crypto charge created", slog.String("charge_id", charge.ID))
	f.cryptoGen++
	f.qr = png
	f.state.ChargeID = charge.ID
	f.state.Crypto = domain.CryptoState{
		ChargeID:  charge.ID,
		HostedURL: charge.HostedURL,
		Status:    string(charge.Status),
		Amount:    amount,
		Quantity:  locked,
		ExpiresAt: charge.ExpiresAt,
		HasQRCode: png != nil,
	}
	f.startCryptoCountdownLocked()
	f.startPollingLocked()
	return f.snapshotLocked(), nil
}

// liveChargeLocked reports whether the current charge still matches the
// order and can be paid, including one whose payment was already detected.
func (f *Flow) liveChargeLocked() bool {
	c := f.state.Crypto
	return !f.destroyed && !f.settling && f.state.Step == domain.StepPayment &&
		f.state.PaymentMethod == domain.MethodCrypto && c.ChargeID != "" && !c.Expired &&
		c.Quantity == f.state.Quantity && c.Amount == f.state.CalculatedPrice &&
		!provider.ChargeStatus(c.Status).Terminal()
}

func (f *Flow) cryptoPreconditionsLocked() error {
	switch {
	case f.destroyed:
		return errFlowClosed
	case f.state.Step != domain.StepPayment:
		return notAllowed("crypto payment is only available in the payment step")
	case f.state.PaymentMethod != domain.MethodCrypto:
		return notAllowed("crypto payment is not the selected method")
	case f.state.IsProcessing || f.settling:
		return notAllowed("a payment is already processing")
	case f.cryptoInFlight:
		return notAllowed("a crypto charge is already being created")
	case len(f.state.ValidationErrors) > 0:
		return apperrors.InvalidInput(f.state.ValidationErrors[0])
	case !f.state.PriceCurrent():
		return notAllowed("the price is still being calculated")
	}
	f.touchLocked()
	return nil
}

func (f *Flow) startPollingLocked() {
	f.cryptoPoller.Cancel()
	gen, chargeID := f.cryptoGen, f.state.Crypto.ChargeID
	f.state.Crypto.Polling = true
	f.state.Crypto.PollAttempts = 0
	f.state.Crypto.ConsecutiveFailures = 0
	f.cryptoPoller = timing.Poll(f.deps.Clock, f.opts.CryptoPollInterval, f.opts.CryptoPollAttempts,
		f.pollCharge(gen, chargeID),
		func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if gen != f.cryptoGen {
				return
			}
			if f.destroyed {
				f.log.Error("stopped watching the crypto charge of a closed purchase",
					slog.String("charge_id", chargeID),
					slog.String("last_status", f.state.Crypto.Status),
				)
				return
			}
			cryptoPolls.WithLabelValues("timeout").Inc()
			f.log.Warn("crypto charge polling timed out",
				slog.String("charge_id", chargeID),
				slog.String("last_status", f.state.Crypto.Status),
			)
			f.state.Crypto.Polling = false
			f.state.Banner = &domain.Banner{Kind: domain.KindTimeout, Message: msgPollTimeout, Retryable: true}
			f.changedLocked()
		},
	)
}

// pollCharge reads the charge once per tick. Errors are tolerated until
// CryptoFailureLimit consecutive failures or an open circuit.
func (f *Flow) pollCharge(gen uint64, chargeID string) timing.TickFunc {
	return func(attempt int) bool {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), f.opts.CallTimeout)
		charge, err := f.deps.Crypto.GetCharge(ctx, chargeID)
		cancel()

		f.mu.Lock()
		if gen != f.cryptoGen {
			f.mu.Unlock()
			return true
		}
		if f.destroyed {
			f.mu.Unlock()
			return f.pollClosedCharge(chargeID, charge, err)
		}
		f.state.Crypto.PollAttempts = attempt

		if err != nil {
			cryptoPolls.WithLabelValues("error").Inc()
			f.state.Crypto.ConsecutiveFailures++
			failures := f.state.Crypto.ConsecutiveFailures
			f.log.Warn("crypto charge status read failed",
				slog.String("charge_id", chargeID),
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
			var b *domain.Banner
			switch {
			case errors.Is(err, provider.ErrNotFound):
				b = &domain.Banner{Kind: domain.KindPayment, Message: msgChargeFailed, Retryable: true}
			case failures >= f.opts.CryptoFailureLimit, httpclient.IsCircuitOpen(err):
				b = &domain.Banner{Kind: domain.KindNetwork, Message: msgPollLost, Retryable: true}
			}
			if b != nil {
				f.state.Crypto.Polling = false
				f.state.Banner = b
			}
			f.changedLocked()
			f.mu.Unlock()
			return b != nil
		}

		cryptoPolls.WithLabelValues(string(charge.Status)).Inc()
		f.state.Crypto.ConsecutiveFailures = 0
		f.state.Crypto.Status = string(charge.Status)
		if charge.Status == provider.ChargePending && !f.state.IsProcessing {
			// funds are on their way: the order is locked from here on
			f.log.Info("crypto payment detected", slog.String("charge_id", chargeID))
			f.setProcessingLocked()
		}
		f.changedLocked()

		switch charge.Status {
		case provider.ChargeCompleted:
			f.state.Crypto.Polling = false
			f.mu.Unlock()
			paymentOutcomes.WithLabelValues(string(domain.MethodCrypto), "settled").Inc()
			if _, err := f.settle(f.ctx, domain.MethodCrypto, chargeID); err != nil {
				f.log.Warn("crypto settlement not applied", slog.String("error", err.Error()))
			}
			return true
		case provider.ChargeExpired, provider.ChargeCanceled, provider.ChargeFailed:
			paymentOutcomes.WithLabelValues(string(domain.MethodCrypto), "failed").Inc()
			f.state.Crypto.Polling = false
			f.state.Crypto.Expired = charge.Status == provider.ChargeExpired
			f.state.IsProcessing = false
			f.cryptoCountdown.Cancel()
			f.state.Banner = &domain.Banner{Kind: domain.KindPayment, Message: msgChargeFailed, Retryable: true}
			f.mu.Unlock()
			return true
		}
		f.mu.Unlock()
		return false
	}
}

// pollClosedCharge follows a detected payment after its flow closed until
// the charge confirms or fails.
func (f *Flow) pollClosedCharge(chargeID string, charge *provider.Charge, err error) bool {
	switch {
	case err != nil:
		f.log.Warn("crypto charge status read failed after close",
			slog.String("charge_id", chargeID),
			slog.String("error", err.Error()),
		)
		return false
	case charge.Status == provider.ChargeCompleted:
		paymentOutcomes.WithLabelValues(string(domain.MethodCrypto), "settled").Inc()
		if _, serr := f.settle(f.ctx, domain.MethodCrypto, chargeID); serr != nil && !errors.Is(serr, errFlowClosed) {
			f.log.Warn("crypto settlement not applied", slog.String("error", serr.Error()))
		}
		return true
	case charge.Status.Terminal():
		f.log.Warn("crypto charge of a closed purchase did not complete",
			slog.String("charge_id", chargeID),
			slog.String("status", string(charge.Status)),
		)
		return true
	}
	return false
}

// awaitingCryptoLocked reports whether a crypto payment was detected but
// not yet confirmed.
func (f *Flow) awaitingCryptoLocked() bool {
	return !f.settling && f.state.Crypto.Polling &&
		provider.ChargeStatus(f.state.Crypto.Status) == provider.ChargePending
}

func (f *Flow) startCryptoCountdownLocked() {
	f.cryptoCountdown.Cancel()
	f.cryptoCountdown = nil
	expiresAt := f.state.Crypto.ExpiresAt
	if expiresAt.IsZero() {
		return
	}
	gen := f.cryptoGen
	f.state.Crypto.SecondsLeft = secondsLeft(expiresAt.Sub(f.deps.Clock.Now()))
	f.cryptoCountdown = timing.Countdown(f.deps.Clock, expiresAt, f.opts.CountdownInterval,
		func(remaining time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.destroyed || gen != f.cryptoGen {
				return
			}
			f.state.Crypto.SecondsLeft = secondsLeft(remaining)
			f.changedLocked()
		},
		func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.destroyed || gen != f.cryptoGen {
				return
			}
			f.state.Crypto.SecondsLeft = 0
			f.state.Crypto.Expired = true
			// a payment seen on chain keeps polling until it confirms
			if s := provider.ChargeStatus(f.state.Crypto.Status); s == provider.ChargeNew || s == "" {
				f.cryptoPoller.Cancel()
				f.state.Crypto.Polling = false
				if !f.settling {
					f.state.Banner = &domain.Banner{Kind: domain.KindExpired, Message: msgExpired, Retryable: true}
				}
			}
			f.changedLocked()
		},
	)
}

func secondsLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// RetryCryptoPolling restarts polling after a timeout or lost contact.
func (f *Flow) RetryCryptoPolling() (domain.FlowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.state.Crypto
	switch {
	case f.destroyed:
		return domain.FlowState{}, errFlowClosed
	case f.settling:
		return f.snapshotLocked(), notAllowed("the payment has already been received")
	case c.ChargeID == "":
		return f.snapshotLocked(), notAllowed("there is no crypto charge to check")
	case c.Polling:
		return f.snapshotLocked(), nil
	case provider.ChargeStatus(c.Status).Terminal():
		return f.snapshotLocked(), notAllowed("the crypto charge has already finished")
	case c.Expired && provider.ChargeStatus(c.Status) == provider.ChargeNew:
		return f.snapshotLocked(), apperrors.Gone(msgExpired)
	}
	f.touchLocked()
	f.cryptoGen++
	f.state.Banner = nil
	f.startCryptoCountdownLocked()
	f.startPollingLocked()
	f.changedLocked()
	return f.snapshotLocked(), nil
}

// CryptoQRCode returns the PNG QR code for the charge's hosted URL.
func (f *Flow) CryptoQRCode() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, errFlowClosed
	}
	if len(f.qr) == 0 {
		return nil, apperrors.NotFound("qr code", f.state.ID)
	}
	return append([]byte(nil), f.qr...), nil
}

// stopCryptoLocked cancels the poller and countdown without forgetting the
// charge.
func (f *Flow) stopCryptoLocked() {
	f.cryptoGen++
	f.cryptoPoller.Cancel()
	f.cryptoPoller = nil
	f.cryptoCountdown.Cancel()
	f.cryptoCountdown = nil
	f.state.Crypto.Polling = false
}

func (f *Flow) teardownCryptoLocked() {
	f.stopCryptoLocked()
	f.state.Crypto = domain.CryptoState{}
	f.state.ChargeID = ""
	f.qr = nil
}
