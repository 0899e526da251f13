// Package reconciler finishes ticket issuance for settlements whose tickets
// were not created while the buyer was still in the flow.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zoobzio/clockz"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/event"
	"github.com/DrorGr/amesaFE-sub002/internal/gateway"
	"github.com/DrorGr/amesaFE-sub002/internal/repository"
	"github.com/DrorGr/amesaFE-sub002/internal/timing"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	pkgkafka "github.com/DrorGr/amesaFE-sub002/pkg/kafka"
	"github.com/DrorGr/amesaFE-sub002/pkg/logger"
)

var reconcileOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "payflow",
		Name:      "reconciler_issuance_total",
		Help:      "Total number of server-side issuance attempts by outcome",
	},
	[]string{"outcome"},
)

// Topics lists the events the reconciler consumes.
var Topics = []string{event.TopicTicketsPending, event.TopicTicketsFailed}

// Publisher announces tickets issued by the reconciler.
type Publisher interface {
	PublishTicketsIssued(ctx context.Context, s *domain.Settlement) error
}

// Config tunes retries and the periodic sweep.
type Config struct {
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"10"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	MinAge        time.Duration `env:"MIN_AGE" envDefault:"2m"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	CallTimeout   time.Duration `env:"CALL_TIMEOUT" envDefault:"15s"`
}

// Reconciler drives unissued settlements to success.
type Reconciler struct {
	repo    repository.SettlementRepository
	tickets gateway.TicketGateway
	events  Publisher
	clock   clockz.Clock
	cfg     Config
	logger  *slog.Logger
	sweeper *timing.Handle
}

// New creates a reconciler. events may be nil.
func New(repo repository.SettlementRepository, tickets gateway.TicketGateway, events Publisher, clock clockz.Clock, cfg Config, logger *slog.Logger) *Reconciler {
	if clock == nil {
		clock = clockz.RealClock
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		repo:    repo,
		tickets: tickets,
		events:  events,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Handler returns the consumer handler, deduplicated on the event id.
func (r *Reconciler) Handler(store pkgkafka.IdempotencyStore) pkgkafka.Handler {
	return pkgkafka.IdempotentHandler(store, pkgkafka.ByEventID, r.Handle, r.logger)
}

// Handle processes a tickets.pending or tickets.failed event.
func (r *Reconciler) Handle(ctx context.Context, evt *pkgkafka.Event) error {
	var data event.SettlementData
	if err := evt.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal %s data: %v: %w", evt.EventType, err, pkgkafka.ErrPermanent)
	}
	if data.SettlementID == "" {
		return fmt.Errorf("%s event %s has no settlement id: %w", evt.EventType, evt.EventID, pkgkafka.ErrPermanent)
	}

	if evt.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, evt.CorrelationID)
	}
	ctx = logger.WithFlowID(ctx, data.FlowID)

	s, err := r.load(ctx, data)
	if err != nil {
		return err
	}
	if s.Issued() {
		r.logger.DebugContext(ctx, "settlement already issued",
			slog.String("settlement_id", s.ID),
		)
		reconcileOutcomes.WithLabelValues("skipped").Inc()
		return nil
	}
	if s.IssuanceAttempts >= r.cfg.MaxAttempts {
		reconcileOutcomes.WithLabelValues("exhausted").Inc()
		return fmt.Errorf("settlement %s exhausted %d issuance attempts: %w", s.ID, s.IssuanceAttempts, pkgkafka.ErrPermanent)
	}
	return r.reconcile(ctx, s)
}

// load returns the stored settlement, recording the event payload when the
// ledger write from the flow never landed.
func (r *Reconciler) load(ctx context.Context, data event.SettlementData) (*domain.Settlement, error) {
	s, err := r.repo.GetByID(ctx, data.SettlementID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("load settlement %s: %w", data.SettlementID, err)
	}

	s = data.Settlement()
	now := r.clock.Now().UTC()
	s.CreatedAt = now
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if err := r.repo.RecordSettlement(ctx, s); err != nil {
		return nil, fmt.Errorf("record settlement %s: %w", s.ID, err)
	}
	r.logger.WarnContext(ctx, "settlement missing from ledger, recorded from event",
		slog.String("settlement_id", s.ID),
	)
	return s, nil
}

func (r *Reconciler) reconcile(ctx context.Context, s *domain.Settlement) error {
	s.IssuanceAttempts++

	callCtx := ctx
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}
	res, err := r.tickets.Purchase(callCtx, &gateway.PurchaseInput{
		HouseID:          s.HouseID,
		Quantity:         s.Quantity,
		PaymentMethodRef: gateway.PlaceholderPaymentMethod,
		SettlementID:     s.ID,
		IdempotencyKey:   s.ID,
	})
	s.UpdatedAt = r.clock.Now().UTC()

	if err != nil {
		s.TicketStatus = domain.TicketFailed
		s.LastError = err.Error()
		if uerr := r.repo.UpdateIssuance(ctx, s); uerr != nil {
			r.logger.ErrorContext(ctx, "failed to record issuance attempt",
				slog.String("settlement_id", s.ID),
				slog.String("error", uerr.Error()),
			)
		}
		reconcileOutcomes.WithLabelValues("failed").Inc()
		r.logger.WarnContext(ctx, "server-side issuance failed",
			slog.String("settlement_id", s.ID),
			slog.Int("attempt", s.IssuanceAttempts),
			slog.String("error", err.Error()),
		)
		if rejected(err) {
			return fmt.Errorf("issue tickets for %s: %v: %w", s.ID, err, pkgkafka.ErrPermanent)
		}
		return fmt.Errorf("issue tickets for %s: %w", s.ID, err)
	}

	s.TicketStatus = domain.TicketSuccess
	s.TicketsPurchased = res.TicketsPurchased
	s.LastError = ""
	if err := r.repo.UpdateIssuance(ctx, s); err != nil {
		return fmt.Errorf("store issuance for %s: %w", s.ID, err)
	}
	reconcileOutcomes.WithLabelValues("issued").Inc()
	r.logger.InfoContext(ctx, "tickets issued by reconciler",
		slog.String("settlement_id", s.ID),
		slog.Int("tickets", s.TicketsPurchased),
		slog.Int("attempt", s.IssuanceAttempts),
	)

	if r.events != nil {
		if err := r.events.PublishTicketsIssued(ctx, s); err != nil {
			r.logger.ErrorContext(ctx, "failed to publish tickets issued event",
				slog.String("settlement_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// rejected reports gateway answers that no retry will change.
func rejected(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInput) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrForbidden) ||
		errors.Is(err, apperrors.ErrGone) ||
		errors.Is(err, apperrors.ErrPaymentFailed)
}

// Sweep retries settlements the event path has not finished. It returns the
// number issued.
func (r *Reconciler) Sweep(ctx context.Context) int {
	before := r.clock.Now().UTC().Add(-r.cfg.MinAge)
	pending, err := r.repo.ListUnissued(ctx, before, r.cfg.BatchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to list unissued settlements",
			slog.String("error", err.Error()),
		)
		return 0
	}

	issued := 0
	for i := range pending {
		s := &pending[i]
		if s.IssuanceAttempts >= r.cfg.MaxAttempts {
			continue
		}
		if err := r.reconcile(ctx, s); err == nil {
			issued++
		}
	}
	if len(pending) > 0 {
		r.logger.InfoContext(ctx, "reconciler sweep finished",
			slog.Int("candidates", len(pending)),
			slog.Int("issued", issued),
		)
	}
	return issued
}

// Start runs Sweep every SweepInterval until Stop.
func (r *Reconciler) Start() {
	if r.cfg.SweepInterval <= 0 {
		return
	}
	r.sweeper = timing.Poll(r.clock, r.cfg.SweepInterval, 0, func(int) bool {
		r.Sweep(context.Background())
		return false
	}, nil)
}

// Stop halts the periodic sweep.
func (r *Reconciler) Stop() {
	r.sweeper.Cancel()
}
