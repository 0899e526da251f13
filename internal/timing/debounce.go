// Package timing holds the cancellable timers the payment flow is built on:
// a debouncer for price recalculation, a bounded poller shared by status
// polling and expiry countdowns, and retry with exponential backoff.
package timing

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Debouncer runs the most recently triggered function once the quiet period
// has passed without another trigger.
type Debouncer struct {
	clock clockz.Clock
	delay time.Duration

	mu      sync.Mutex
	cancel  chan struct{}
	stopped bool
}

// NewDebouncer returns a debouncer with the given quiet period.
func NewDebouncer(clock clockz.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: clock, delay: delay}
}

// Trigger schedules fn, replacing any call still waiting. fn runs on its own
// goroutine.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.cancel != nil {
		close(d.cancel)
	}
	cancel := make(chan struct{})
	d.cancel = cancel

	after := d.clock.After(d.delay)
	go func() {
		select {
		case <-cancel:
			return
		case <-after:
		}

		d.mu.Lock()
		if d.cancel != cancel {
			d.mu.Unlock()
			return
		}
		d.cancel = nil
		d.mu.Unlock()

		fn()
	}()
}

// Pending reports whether a call is waiting for its quiet period.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Cancel drops the waiting call, if any, and reports whether there was one.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return false
	}
	close(d.cancel)
	d.cancel = nil
	return true
}

// Stop cancels the waiting call and ignores later triggers.
func (d *Debouncer) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
