// Package scratch keeps the short-lived recovery records that carry a card
// payment across a 3-D Secure redirect.
package scratch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

// Store persists recovery records keyed by settlement id.
type Store interface {
	// Save writes rec, replacing any record for the same settlement.
	Save(ctx context.Context, rec *domain.RecoveryState) error

	// Load returns the record. Missing records are NotFound, expired ones Gone.
	Load(ctx context.Context, settlementID string) (*domain.RecoveryState, error)

	// Clear removes the record and reports whether this call removed it.
	Clear(ctx context.Context, settlementID string) (bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	clock clockz.Clock

	mu      sync.Mutex
	records map[string]domain.RecoveryState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(clock clockz.Clock) *MemoryStore {
	return &MemoryStore{clock: clock, records: make(map[string]domain.RecoveryState)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, rec *domain.RecoveryState) error {
	if rec.SettlementID == "" {
		return apperrors.InvalidInput("recovery record needs a settlement id")
	}
	s.mu.Lock()
	s.records[rec.SettlementID] = *rec
	s.mu.Unlock()
	return nil
}

// Load implements Store. Expired records are dropped on read.
func (s *MemoryStore) Load(_ context.Context, settlementID string) (*domain.RecoveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[settlementID]
	if !ok {
		return nil, apperrors.NotFound("recovery record", settlementID)
	}
	if rec.Expired(s.clock.Now()) {
		delete(s.records, settlementID)
		return nil, apperrors.Gone(fmt.Sprintf("recovery record %s expired", settlementID))
	}
	return &rec, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, settlementID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[settlementID]
	delete(s.records, settlementID)
	return ok, nil
}

// Sweep drops expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// ttlFor returns the time left on rec, floored at one second.
func ttlFor(rec *domain.RecoveryState, now time.Time) time.Duration {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
