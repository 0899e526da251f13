package timing

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// TickFunc is called with a 1-based attempt number. Returning true stops the
// poller without calling the timeout callback.
type TickFunc func(attempt int) (done bool)

// Handle controls one running poller.
type Handle struct {
	stop     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// Cancel stops the poller. It does not wait for a tick already running, so
// it is safe to call from inside a tick.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
}

// Done is closed once the poller goroutine has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.finished
}

func (h *Handle) cancelled() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Poll calls onTick every interval until it reports done, the handle is
// cancelled, or maxAttempts ticks have run. In the last case onTimeout is
// called. maxAttempts <= 0 polls until cancelled or done.
func Poll(clock clockz.Clock, interval time.Duration, maxAttempts int, onTick TickFunc, onTimeout func()) *Handle {
	h := &Handle{stop: make(chan struct{}), finished: make(chan struct{})}
	ticker := clock.NewTicker(interval)

	go func() {
		defer close(h.finished)
		defer ticker.Stop()

		for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
			select {
			case <-h.stop:
				return
			case <-ticker.C():
			}
			if h.cancelled() {
				return
			}
			if onTick(attempt) {
				return
			}
		}
		if !h.cancelled() && onTimeout != nil {
			onTimeout()
		}
	}()
	return h
}

// Countdown ticks every interval until expiresAt, reporting the remaining
// time, then calls onExpire once. Both callbacks run on the countdown
// goroutine.
func Countdown(clock clockz.Clock, expiresAt time.Time, interval time.Duration, onTick func(remaining time.Duration), onExpire func()) *Handle {
	return Poll(clock, interval, 0, func(int) bool {
		remaining := expiresAt.Sub(clock.Now())
		if remaining <= 0 {
			onExpire()
			return true
		}
		onTick(remaining)
		return false
	}, nil)
}
