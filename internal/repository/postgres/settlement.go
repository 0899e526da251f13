package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/pkg/database"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

const settlementColumns = `id, flow_id, user_id, product_id, house_id, method,
	quantity, amount, currency, ticket_status, tickets_purchased,
	issuance_attempts, last_error, created_at, updated_at`

const insertSettlementSQL = `
	INSERT INTO settlements (` + settlementColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO NOTHING`

// A success status is sticky: later writes may add attempts but never undo
// an issued settlement.
const updateIssuanceSQL = `
	UPDATE settlements
	SET ticket_status = CASE WHEN ticket_status = 'success' THEN ticket_status ELSE $1 END,
		tickets_purchased = GREATEST(tickets_purchased, $2),
		issuance_attempts = GREATEST(issuance_attempts, $3),
		last_error = $4,
		updated_at = $5
	WHERE id = $6`

const getSettlementSQL = `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`

const listUnissuedSQL = `SELECT ` + settlementColumns + `
	FROM settlements
	WHERE ticket_status IN ('pending', 'failed') AND updated_at < $1
	ORDER BY updated_at ASC
	LIMIT $2`

const listByUserSQL = `SELECT ` + settlementColumns + `,
		count(*) OVER() AS total_count
	FROM settlements
	WHERE user_id = $1
	ORDER BY created_at DESC
	LIMIT $2 OFFSET $3`

// SettlementRepository implements repository.SettlementRepository using
// PostgreSQL.
type SettlementRepository struct {
	pool database.DBTX
}

// NewSettlementRepository creates a new PostgreSQL-backed settlement
// repository.
func NewSettlementRepository(pool database.DBTX) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

// RecordSettlement inserts s, ignoring a settlement already on file.
func (r *SettlementRepository) RecordSettlement(ctx context.Context, s *domain.Settlement) (err error) {
	ctx, end := database.TraceQuery(ctx, "InsertSettlement", insertSettlementSQL)
	defer func() { end(err) }()

	_, err = r.pool.Exec(ctx, insertSettlementSQL,
		s.ID,
		s.FlowID,
		s.UserID,
		s.ProductID,
		s.HouseID,
		string(s.Method),
		s.Quantity,
		s.Amount,
		s.Currency,
		string(s.TicketStatus),
		s.TicketsPurchased,
		s.IssuanceAttempts,
		nullableString(s.LastError),
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// UpdateIssuance stores the latest issuance outcome for s.
func (r *SettlementRepository) UpdateIssuance(ctx context.Context, s *domain.Settlement) (err error) {
	ctx, end := database.TraceQuery(ctx, "UpdateIssuance", updateIssuanceSQL)
	defer func() { end(err) }()

	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	ct, err := r.pool.Exec(ctx, updateIssuanceSQL,
		string(s.TicketStatus),
		s.TicketsPurchased,
		s.IssuanceAttempts,
		nullableString(s.LastError),
		updatedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update settlement issuance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("settlement", s.ID)
	}
	return nil
}

// GetByID retrieves a settlement by id.
func (r *SettlementRepository) GetByID(ctx context.Context, id string) (s *domain.Settlement, err error) {
	ctx, end := database.TraceQuery(ctx, "GetSettlement", getSettlementSQL)
	defer func() { end(err) }()

	s, err = scanSettlement(r.pool.QueryRow(ctx, getSettlementSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("settlement", id)
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

// ListUnissued returns settlements still waiting for tickets.
func (r *SettlementRepository) ListUnissued(ctx context.Context, before time.Time, limit int) (out []domain.Settlement, err error) {
	ctx, end := database.TraceQuery(ctx, "ListUnissued", listUnissuedSQL)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, listUnissuedSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list unissued settlements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement row: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement rows: %w", err)
	}
	if out == nil {
		out = []domain.Settlement{}
	}
	return out, nil
}

// ListByUser returns a page of the buyer's settlements and their total count.
func (r *SettlementRepository) ListByUser(ctx context.Context, userID string, offset, limit int) (out []domain.Settlement, total int, err error) {
	ctx, end := database.TraceQuery(ctx, "ListSettlementsByUser", listByUserSQL)
	defer func() { end(err) }()

	rows, err := r.pool.Query(ctx, listByUserSQL, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list settlements by user: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSettlement(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan settlement row: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate settlement rows: %w", err)
	}
	if out == nil {
		out = []domain.Settlement{}
	}
	return out, total, nil
}

// scanSettlement reads one settlement row. extra receives any trailing
// columns selected after settlementColumns.
func scanSettlement(row pgx.Row, extra ...any) (*domain.Settlement, error) {
	var (
		s         domain.Settlement
		method    string
		status    string
		lastError *string
	)
	dest := []any{
		&s.ID,
		&s.FlowID,
		&s.UserID,
		&s.ProductID,
		&s.HouseID,
		&method,
		&s.Quantity,
		&s.Amount,
		&s.Currency,
		&status,
		&s.TicketsPurchased,
		&s.IssuanceAttempts,
		&lastError,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	s.Method = domain.PaymentMethod(method)
	s.TicketStatus = domain.TicketStatus(status)
	if lastError != nil {
		s.LastError = *lastError
	}
	return &s, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
