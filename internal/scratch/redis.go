package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

const keyPrefix = "payflow:recovery:"

// RedisStore implements Store on Redis; the key TTL follows the record's
// expiry.
type RedisStore struct {
	client *redis.Client
	clock  clockz.Clock
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, clock clockz.Clock) *RedisStore {
	return &RedisStore{client: client, clock: clock}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, rec *domain.RecoveryState) error {
	if rec.SettlementID == "" {
		return apperrors.InvalidInput("recovery record needs a settlement id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal recovery record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+rec.SettlementID, data, ttlFor(rec, s.clock.Now())).Err(); err != nil {
		return fmt.Errorf("redis set recovery record: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, settlementID string) (*domain.RecoveryState, error) {
	data, err := s.client.Get(ctx, keyPrefix+settlementID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("recovery record", settlementID)
		}
		return nil, fmt.Errorf("redis get recovery record: %w", err)
	}

	var rec domain.RecoveryState
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal recovery record: %w", err)
	}
	if rec.Expired(s.clock.Now()) {
		return nil, apperrors.Gone(fmt.Sprintf("recovery record %s expired", settlementID))
	}
	return &rec, nil
}

// Clear implements Store. DEL is atomic, so only one caller sees true.
func (s *RedisStore) Clear(ctx context.Context, settlementID string) (bool, error) {
	n, err := s.client.Del(ctx, keyPrefix+settlementID).Result()
	if err != nil {
		return false, fmt.Errorf("redis del recovery record: %w", err)
	}
	return n > 0, nil
}
