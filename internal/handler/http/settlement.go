package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/httputil"
	"github.com/DrorGr/amesaFE-sub002/pkg/middleware"
	"github.com/DrorGr/amesaFE-sub002/pkg/pagination"
)

// SettlementReader looks up recorded settlements.
type SettlementReader interface {
	GetByID(ctx context.Context, id string) (*domain.Settlement, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Settlement, int, error)
}

// SettlementHandler lets a buyer check on a payment after leaving the flow.
type SettlementHandler struct {
	settlements SettlementReader
	logger      *slog.Logger
}

// NewSettlementHandler creates a new settlement HTTP handler.
func NewSettlementHandler(settlements SettlementReader, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settlements: settlements, logger: logger}
}

// Get handles GET /api/v1/settlements/{id}. Only the buyer may read it.
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.settlements.GetByID(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if s.UserID != middleware.UserIDFromContext(r.Context()) {
		httputil.WriteError(w, r, apperrors.NotFound("settlement", id), h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, s)
}

// List handles GET /api/v1/settlements?page=&per_page= for the caller.
func (h *SettlementHandler) List(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)
	userID := middleware.UserIDFromContext(r.Context())

	items, total, err := h.settlements.ListByUser(r.Context(), userID, params.Offset, params.PerPage)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pagination.NewResult(items, total, params))
}
