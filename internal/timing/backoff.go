package timing

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
)

// Backoff describes an exponential delay sequence.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff is 100ms doubling up to 2s.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Sleep waits for d on clock or until ctx is done.
func Sleep(ctx context.Context, clock clockz.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// Retry calls fn up to attempts times, sleeping b.Delay between tries, while
// retryable reports the error as transient. The last error is returned.
func Retry(ctx context.Context, clock clockz.Clock, attempts int, b Backoff, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return err
		}
		if serr := Sleep(ctx, clock, b.Delay(attempt)); serr != nil {
			return fmt.Errorf("retry interrupted: %w", err)
		}
	}
	return err
}
