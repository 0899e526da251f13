package timing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

var clock = clockz.RealClock

func TestDebouncer_OnlyLastTriggerRuns(t *testing.T) {
	d := NewDebouncer(clock, 30*time.Millisecond)

	var mu sync.Mutex
	var ran []int
	for i := 1; i <= 4; i++ {
		v := i
		d.Trigger(func() {
			mu.Lock()
			ran = append(ran, v)
			mu.Unlock()
		})
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4}, ran)
	assert.False(t, d.Pending())
}

func TestDebouncer_CancelAndStop(t *testing.T) {
	d := NewDebouncer(clock, 20*time.Millisecond)
	var calls atomic.Int32

	d.Trigger(func() { calls.Add(1) })
	assert.True(t, d.Pending())
	assert.True(t, d.Cancel())
	assert.False(t, d.Cancel())

	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	assert.False(t, d.Pending())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestPoll_StopsWhenDone(t *testing.T) {
	var ticks atomic.Int32
	timedOut := make(chan struct{})
	h := Poll(clock, 5*time.Millisecond, 10, func(attempt int) bool {
		ticks.Add(1)
		return attempt == 3
	}, func() { close(timedOut) })

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not finish")
	}
	assert.Equal(t, int32(3), ticks.Load())
	select {
	case <-timedOut:
		t.Fatal("timeout must not fire when tick reports done")
	default:
	}
}

func TestPoll_TimesOutAfterMaxAttempts(t *testing.T) {
	var ticks atomic.Int32
	var timeouts atomic.Int32
	h := Poll(clock, 2*time.Millisecond, 5, func(int) bool {
		ticks.Add(1)
		return false
	}, func() { timeouts.Add(1) })

	<-h.Done()
	assert.Equal(t, int32(5), ticks.Load())
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestPoll_CancelStopsTicksAndTimeout(t *testing.T) {
	var ticks atomic.Int32
	var timeouts atomic.Int32
	h := Poll(clock, 5*time.Millisecond, 1000, func(int) bool {
		ticks.Add(1)
		return false
	}, func() { timeouts.Add(1) })

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	h.Cancel()
	h.Cancel()
	<-h.Done()

	seen := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, ticks.Load())
	assert.Equal(t, int32(0), timeouts.Load())
}

func TestHandle_NilCancel(t *testing.T) {
	var h *Handle
	assert.NotPanics(t, h.Cancel)
}

func TestCountdown_TicksThenExpires(t *testing.T) {
	var mu sync.Mutex
	var remaining []time.Duration
	expired := make(chan struct{})

	h := Countdown(clock, clock.Now().Add(40*time.Millisecond), 10*time.Millisecond,
		func(r time.Duration) {
			mu.Lock()
			remaining = append(remaining, r)
			mu.Unlock()
		},
		func() { close(expired) },
	)

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("countdown never expired")
	}
	<-h.Done()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, remaining)
	for i := 1; i < len(remaining); i++ {
		assert.Less(t, remaining[i], remaining[i-1])
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(10))

	assert.Equal(t, 40*time.Millisecond, Backoff{Base: 10 * time.Millisecond}.Delay(2))
}

var errTransient = errors.New("transient")

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), clock, 3, fastBackoff(),
		func(err error) bool { return errors.Is(err, errTransient) },
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("declined")
	calls := 0
	err := Retry(context.Background(), clock, 5, fastBackoff(),
		func(err error) bool { return errors.Is(err, errTransient) },
		func(context.Context) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), clock, 3, fastBackoff(),
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			return errTransient
		})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, clock, 5, Backoff{Base: time.Hour}, func(error) bool { return true },
		func(context.Context) error {
			calls++
			cancel()
			return errTransient
		})
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "retry interrupted")
	assert.Equal(t, 1, calls)
}
