package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records processed keys. Implementations must be safe for
// concurrent use.
type IdempotencyStore interface {
	Contains(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

// MemoryIdempotencyStore keeps keys in process memory with lazy expiry.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store with the given TTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Contains reports whether key was added within the TTL.
func (s *MemoryIdempotencyStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.now().Sub(ts) > s.ttl {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

// Add records key.
func (s *MemoryIdempotencyStore) Add(_ context.Context, key string) error {
	s.mu.Lock()
	s.entries[key] = s.now()
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisIdempotencyStore shares processed keys across replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed store. Keys are written as
// prefix+key with the given TTL.
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// Contains reports whether key has been recorded.
func (s *RedisIdempotencyStore) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Add records key with the store TTL.
func (s *RedisIdempotencyStore) Add(ctx context.Context, key string) error {
	return s.client.Set(ctx, s.prefix+key, 1, s.ttl).Err()
}

// KeyFunc derives the deduplication key of an event.
type KeyFunc func(event *Event) string

// ByEventID deduplicates on the envelope ID.
func ByEventID(event *Event) string { return event.EventID }

// IdempotentHandler skips events whose key is already in store and records
// the key only after inner succeeds. A store lookup failure processes the
// event anyway.
func IdempotentHandler(store IdempotencyStore, key KeyFunc, inner Handler, logger *slog.Logger) Handler {
	return func(ctx context.Context, event *Event) error {
		k := key(event)
		if k == "" {
			return inner(ctx, event)
		}

		seen, err := store.Contains(ctx, k)
		if err != nil {
			logger.WarnContext(ctx, "idempotency lookup failed, processing anyway",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)
			return inner(ctx, event)
		}
		if seen {
			consumerMessagesDuplicate.WithLabelValues(event.EventType).Inc()
			logger.DebugContext(ctx, "skipping duplicate event",
				slog.String("key", k),
				slog.String("event_type", event.EventType),
			)
			return nil
		}

		if err := inner(ctx, event); err != nil {
			return err
		}

		if err := store.Add(ctx, k); err != nil {
			logger.WarnContext(ctx, "failed to record idempotency key",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
}
