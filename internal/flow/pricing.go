package flow

import (
	"context"
	"log/slog"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
)

// recalculate runs on the debouncer goroutine once quantity changes have
// been quiet for the debounce delay. Each request carries a sequence number
// and only the newest response is applied.
func (f *Flow) recalculate() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.pricingSeq++
	seq := f.pricingSeq
	productID, quantity := f.state.ProductID, f.state.Quantity
	f.state.IsLoading = true
	f.changedLocked()
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(f.ctx, f.opts.CallTimeout)
	quote, err := f.deps.Pricing.Validate(ctx, productID, quantity)
	cancel()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	if seq != f.pricingSeq || quantity != f.state.Quantity {
		pricingRequests.WithLabelValues("stale").Inc()
		return
	}
	f.state.IsLoading = false
	f.state.PricingInFlight = false
	defer f.changedLocked()

	if err != nil {
		pricingRequests.WithLabelValues("error").Inc()
		f.log.WarnContext(ctx, "price calculation failed",
			slog.Int("quantity", quantity),
			slog.String("error", err.Error()),
		)
		// No client-side fallback: an unpriced quantity blocks progression.
		f.state.PricedQuantity = 0
		f.state.ValidationErrors = []string{msgPricing}
		f.state.Banner = classify(err)
		return
	}

	if len(quote.Errors) > 0 {
		pricingRequests.WithLabelValues("rejected").Inc()
		f.state.ValidationErrors = append([]string(nil), quote.Errors...)
	} else {
		pricingRequests.WithLabelValues("ok").Inc()
		f.state.ValidationErrors = nil
		if f.state.Banner != nil && f.state.Banner.Kind != domain.KindIssuance {
			f.state.Banner = nil
		}
	}
	f.applyPriceLocked(quote, quantity)

	if !f.paymentAttempted && f.state.ReservationID == "" && f.deps.Reservations != nil &&
		len(f.state.ValidationErrors) == 0 &&
		(f.state.Step == domain.StepReview || f.state.Step == domain.StepPayment) {
		go f.rereserve(quantity)
	}
}

// applyPriceLocked stores a server price and invalidates provider sessions
// created for a price that has since moved.
func (f *Flow) applyPriceLocked(quote *domain.PriceQuote, quantity int) {
	if quote.Currency != "" {
		f.state.Currency = quote.Currency
	}
	price := quote.CalculatedPrice
	if c := f.state.Card; c.IntentID != "" && domain.PriceMoved(c.Amount, price, f.state.Currency) {
		f.invalidateCardLocked("price changed")
	}
	if c := f.state.Crypto; c.ChargeID != "" && domain.PriceMoved(c.Amount, price, f.state.Currency) {
		f.teardownCryptoLocked()
		f.state.Notice = "The price changed. Please review the new total before paying."
	}
	f.state.CalculatedPrice = price
	f.state.TotalAmount = price
	f.state.PricedQuantity = quantity
}

// rereserve holds tickets again after a quantity change past the Quantity
// step released the previous reservation.
func (f *Flow) rereserve(quantity int) {
	f.mu.Lock()
	if f.destroyed || f.navigating || f.state.ReservationID != "" || f.state.Quantity != quantity {
		f.mu.Unlock()
		return
	}
	f.navigating = true
	house := f.state.HouseID
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(f.ctx, f.opts.CallTimeout)
	id, err := f.deps.Reservations.Create(ctx, house, quantity)
	cancel()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigating = false
	switch {
	case err != nil:
		f.log.Warn("reservation refresh failed", slog.String("error", err.Error()))
		f.state.Warnings = appendOnce(f.state.Warnings, msgReserveWarn)
	case f.destroyed || f.state.Quantity != quantity || f.state.ReservationID != "":
		if f.claimCancelLocked(id) {
			go f.cancelReservation(context.Background(), id)
		}
		return
	default:
		f.state.ReservationID = id
	}
	f.changedLocked()
}
