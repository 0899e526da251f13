package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/provider"
	"github.com/DrorGr/amesaFE-sub002/internal/timing"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
)

// OpenInput opens a purchase panel for a product.
type OpenInput struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"omitempty,min=1"`
}

// Manager owns every open flow, addressable by id and scoped to its owner.
type Manager struct {
	deps Deps
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	flows map[string]*Flow

	resumes singleflight.Group
	sweeper *timing.Handle
}

// NewManager creates a manager. Call StartSweeper to evict idle flows.
func NewManager(deps Deps, opts Options) *Manager {
	deps.withDefaults()
	return &Manager{
		deps:  deps,
		opts:  opts,
		log:   deps.Logger,
		flows: make(map[string]*Flow),
	}
}

// Open loads product metadata and starts a flow at the Quantity step with
// an initial debounced price calculation.
func (m *Manager) Open(ctx context.Context, userID string, in OpenInput) (*Flow, error) {
	product, err := m.deps.Pricing.Product(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	quantity := in.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if product.MaxQuantity < 1 {
		return nil, apperrors.Conflict("this draw has no tickets left")
	}
	if quantity > product.MaxQuantity {
		return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must be between 1 and %d", product.MaxQuantity))
	}

	f := newFlow(&m.deps, m.opts, userID, product, quantity)
	m.mu.Lock()
	m.flows[f.ID()] = f
	m.mu.Unlock()
	flowsOpen.Inc()

	m.log.InfoContext(ctx, "flow opened",
		slog.String("flow_id", f.ID()),
		slog.String("product_id", product.ID),
		slog.Int("quantity", quantity),
	)
	return f, nil
}

// Get returns the caller's flow.
func (m *Manager) Get(userID, flowID string) (*Flow, error) {
	m.mu.RLock()
	f, ok := m.flows[flowID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("flow", flowID)
	}
	if f.UserID() != userID {
		return nil, apperrors.NotFound("flow", flowID)
	}
	return f, nil
}

// Close tears down and forgets the caller's flow.
func (m *Manager) Close(ctx context.Context, userID, flowID string) error {
	f, err := m.Get(userID, flowID)
	if err != nil {
		return err
	}
	m.remove(ctx, f)
	return nil
}

func (m *Manager) remove(ctx context.Context, f *Flow) {
	m.mu.Lock()
	cur, ok := m.flows[f.ID()]
	if ok && cur == f {
		delete(m.flows, f.ID())
	}
	m.mu.Unlock()
	if !ok || cur != f {
		return
	}
	flowsOpen.Dec()
	f.Close(ctx)
	if c, ok := m.deps.Surface.(*Containers); ok {
		c.Forget(f.ID())
	}
}

// Len returns the number of open flows.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flows)
}

// ResumeStepUp finishes a card payment after the browser returns from 3-D
// Secure. The recovery record is consumed once the provider reports a
// definitive status; concurrent returns for the same settlement share one
// resolution.
func (m *Manager) ResumeStepUp(ctx context.Context, userID, settlementID string) (domain.FlowState, error) {
	v, err, _ := m.resumes.Do(userID+":"+settlementID, func() (any, error) {
		return m.resume(ctx, userID, settlementID)
	})
	if err != nil {
		return domain.FlowState{}, err
	}
	return v.(domain.FlowState), nil
}

func (m *Manager) resume(ctx context.Context, userID, settlementID string) (domain.FlowState, error) {
	rec, err := m.deps.Scratch.Load(ctx, settlementID)
	if err != nil {
		if errors.Is(err, apperrors.ErrGone) {
			if _, cerr := m.deps.Scratch.Clear(ctx, settlementID); cerr != nil {
				m.log.ErrorContext(ctx, "failed to clear expired recovery record",
					slog.String("settlement_id", settlementID),
					slog.String("error", cerr.Error()),
				)
			}
		}
		return domain.FlowState{}, err
	}
	if rec.UserID != userID {
		return domain.FlowState{}, apperrors.NotFound("payment", settlementID)
	}

	var status provider.IntentStatus
	err = timing.Retry(ctx, m.deps.Clock, m.opts.StatusRetries, timing.DefaultBackoff, provider.IsTransient,
		func(ctx context.Context) error {
			s, err := m.deps.Card.IntentStatus(ctx, settlementID)
			status = s
			return err
		})
	if err != nil {
		m.log.WarnContext(ctx, "payment status unavailable after authentication",
			slog.String("settlement_id", settlementID),
			slog.String("error", err.Error()),
		)
		return domain.FlowState{}, appError(classify(err), err)
	}

	if status.Definitive() {
		cleared, err := m.deps.Scratch.Clear(ctx, settlementID)
		if err != nil {
			return domain.FlowState{}, apperrors.ServiceUnavailable("couldn't finish the payment, please try again")
		}
		if !cleared {
			if f := m.lookup(rec.FlowID); f != nil {
				return f.State(), nil
			}
			return domain.FlowState{}, apperrors.Conflict("this payment was already completed")
		}
	}

	m.log.InfoContext(ctx, "resuming payment after authentication",
		slog.String("settlement_id", settlementID),
		slog.String("status", string(status)),
	)
	return m.flowFor(rec).completeStepUp(ctx, settlementID, status)
}

func (m *Manager) lookup(flowID string) *Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[flowID]
	if !ok || f.Closed() {
		return nil
	}
	return f
}

// flowFor returns the live flow for rec or restores one.
func (m *Manager) flowFor(rec *domain.RecoveryState) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[rec.FlowID]; ok && !f.Closed() {
		return f
	}
	f := restoreFlow(&m.deps, m.opts, rec)
	if _, ok := m.flows[rec.FlowID]; !ok {
		flowsOpen.Inc()
	}
	m.flows[rec.FlowID] = f
	return f
}

// Sweep closes flows idle for longer than IdleTimeout, or RecoveryTTL while
// a payment is processing, and returns how many it closed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.deps.Clock.Now()
	m.mu.RLock()
	var stale []*Flow
	for _, f := range m.flows {
		idle, processing := f.idle(now)
		limit := m.opts.IdleTimeout
		if processing {
			limit = m.opts.RecoveryTTL
		}
		if idle > limit || f.Closed() {
			stale = append(stale, f)
		}
	}
	m.mu.RUnlock()

	for _, f := range stale {
		m.remove(ctx, f)
	}
	if s, ok := m.deps.Scratch.(interface{ Sweep() int }); ok {
		s.Sweep()
	}
	if len(stale) > 0 {
		m.log.InfoContext(ctx, "idle flows closed", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// StartSweeper runs Sweep every SweepInterval until Stop.
func (m *Manager) StartSweeper() {
	if m.opts.SweepInterval <= 0 {
		return
	}
	m.sweeper = timing.Poll(m.deps.Clock, m.opts.SweepInterval, 0, func(int) bool {
		m.Sweep(context.Background())
		return false
	}, nil)
}

// Stop halts the sweeper and closes every open flow.
func (m *Manager) Stop(ctx context.Context) {
	m.sweeper.Cancel()

	m.mu.RLock()
	all := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		all = append(all, f)
	}
	m.mu.RUnlock()

	for _, f := range all {
		m.remove(ctx, f)
	}
}
