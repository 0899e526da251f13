package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- MemoryIdempotencyStore ---

func TestMemoryIdempotencyStore_AddAndContains(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	ok, err := store.Contains(ctx, "pi_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Add(ctx, "pi_1"))
	ok, err = store.Contains(ctx, "pi_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Add(context.Background(), "pi_2"))
	now = now.Add(2 * time.Minute)

	ok, err := store.Contains(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

// --- RedisIdempotencyStore ---

func TestRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisIdempotencyStore(client, "payflow:reconciled:", time.Hour)
	ctx := context.Background()

	ok, err := store.Contains(ctx, "pi_3")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Add(ctx, "pi_3"))
	ok, err = store.Contains(ctx, "pi_3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("payflow:reconciled:pi_3"))

	mr.FastForward(2 * time.Hour)
	ok, err = store.Contains(ctx, "pi_3")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- IdempotentHandler ---

type failingStore struct{}

func (failingStore) Contains(context.Context, string) (bool, error) { return false, errors.New("redis down") }
func (failingStore) Add(context.Context, string) error              { return errors.New("redis down") }

func TestIdempotentHandler_SkipsDuplicates(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotentHandler(store, func(e *Event) string { return e.AggregateID },
		func(ctx context.Context, e *Event) error {
			calls++
			return nil
		}, testLogger())

	e1 := &Event{EventID: "e1", AggregateID: "pi_4"}
	e2 := &Event{EventID: "e2", AggregateID: "pi_4"}
	require.NoError(t, h(context.Background(), e1))
	require.NoError(t, h(context.Background(), e2))

	assert.Equal(t, 1, calls)
}

func TestIdempotentHandler_FailureNotRecorded(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	h := IdempotentHandler(store, ByEventID, func(ctx context.Context, e *Event) error {
		return errors.New("boom")
	}, testLogger())

	require.Error(t, h(context.Background(), &Event{EventID: "e3"}))
	assert.Equal(t, 0, store.Len())
}

func TestIdempotentHandler_StoreFailureProcessesAnyway(t *testing.T) {
	calls := 0
	h := IdempotentHandler(failingStore{}, ByEventID, func(ctx context.Context, e *Event) error {
		calls++
		return nil
	}, testLogger())

	require.NoError(t, h(context.Background(), &Event{EventID: "e4"}))
	assert.Equal(t, 1, calls)
}

func TestIdempotentHandler_EmptyKeyPassesThrough(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotentHandler(store, ByEventID, func(ctx context.Context, e *Event) error {
		calls++
		return nil
	}, testLogger())

	require.NoError(t, h(context.Background(), &Event{}))
	require.NoError(t, h(context.Background(), &Event{}))
	assert.Equal(t, 2, calls)
}
