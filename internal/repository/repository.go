package repository

import (
	"context"
	"time"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
)

// SettlementRepository persists the settlement ledger support staff and the
// reconciler work from.
type SettlementRepository interface {
	// RecordSettlement inserts a settlement. Recording the same id twice is
	// a no-op.
	RecordSettlement(ctx context.Context, s *domain.Settlement) error

	// UpdateIssuance stores the latest issuance outcome. A settlement whose
	// tickets were issued never moves back to another status.
	UpdateIssuance(ctx context.Context, s *domain.Settlement) error

	// GetByID retrieves a settlement by its provider settlement id.
	GetByID(ctx context.Context, id string) (*domain.Settlement, error)

	// ListUnissued returns pending or failed settlements last touched before
	// the given time, oldest first.
	ListUnissued(ctx context.Context, before time.Time, limit int) ([]domain.Settlement, error)

	// ListByUser returns one page of a buyer's settlements, newest first,
	// together with the buyer's total settlement count.
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Settlement, int, error)
}
