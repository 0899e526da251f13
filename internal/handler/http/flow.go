package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	"github.com/DrorGr/amesaFE-sub002/internal/flow"
	apperrors "github.com/DrorGr/amesaFE-sub002/pkg/errors"
	"github.com/DrorGr/amesaFE-sub002/pkg/httputil"
	"github.com/DrorGr/amesaFE-sub002/pkg/middleware"
	"github.com/DrorGr/amesaFE-sub002/pkg/validator"
)

// FlowHandler exposes the purchase flow to the browser.
type FlowHandler struct {
	manager    *flow.Manager
	containers *flow.Containers
	logger     *slog.Logger
}

// NewFlowHandler creates a new flow HTTP handler. containers may be nil when
// the manager was built with another Surface.
func NewFlowHandler(manager *flow.Manager, containers *flow.Containers, logger *slog.Logger) *FlowHandler {
	return &FlowHandler{
		manager:    manager,
		containers: containers,
		logger:     logger,
	}
}

// --- Request DTOs ---

// OpenFlowRequest is the JSON body for opening a purchase flow.
type OpenFlowRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"omitempty,min=1"`
}

// SetQuantityRequest changes the ticket quantity.
type SetQuantityRequest struct {
	Quantity int `json:"quantity" validate:"required,min=1"`
}

// SelectMethodRequest picks card or crypto.
type SelectMethodRequest struct {
	Method string `json:"method" validate:"required,oneof=card crypto"`
}

// ContainerRequest reports the card form container visibility.
type ContainerRequest struct {
	ContainerID string `json:"container_id" validate:"required"`
	Visible     *bool  `json:"visible"`
}

// SubmitCardRequest is the card form submission.
type SubmitCardRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// ResumeRequest carries the settlement id the browser came back with after
// card authentication.
type ResumeRequest struct {
	SettlementID string `json:"settlement_id" validate:"required"`
}

// --- Handlers ---

// Open handles POST /api/v1/flows
func (h *FlowHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenFlowRequest
	if !h.decode(w, r, &req) {
		return
	}

	f, err := h.manager.Open(r.Context(), middleware.UserIDFromContext(r.Context()), flow.OpenInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusCreated, f.State())
}

// Get handles GET /api/v1/flows/{id}
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	httputil.WriteData(w, http.StatusOK, f.State())
}

// Close handles DELETE /api/v1/flows/{id}
func (h *FlowHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if err := h.manager.Close(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetQuantity handles PUT /api/v1/flows/{id}/quantity
func (h *FlowHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req SetQuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	state, err := f.SetQuantity(req.Quantity)
	h.respond(w, r, state, err)
}

// Next handles POST /api/v1/flows/{id}/next
func (h *FlowHandler) Next(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.Next(r.Context())
	h.respond(w, r, state, err)
}

// Back handles POST /api/v1/flows/{id}/back
func (h *FlowHandler) Back(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.Back()
	h.respond(w, r, state, err)
}

// SelectMethod handles PUT /api/v1/flows/{id}/method
func (h *FlowHandler) SelectMethod(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req SelectMethodRequest
	if !h.decode(w, r, &req) {
		return
	}
	state, err := f.SelectMethod(domain.PaymentMethod(req.Method))
	h.respond(w, r, state, err)
}

// DismissBanner handles DELETE /api/v1/flows/{id}/banner
func (h *FlowHandler) DismissBanner(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	httputil.WriteData(w, http.StatusOK, f.DismissBanner())
}

// InitCard handles POST /api/v1/flows/{id}/card/intent
func (h *FlowHandler) InitCard(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.InitCard(r.Context())
	h.respond(w, r, state, err)
}

// RefreshCard handles POST /api/v1/flows/{id}/card/refresh
func (h *FlowHandler) RefreshCard(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.RefreshCard(r.Context())
	h.respond(w, r, state, err)
}

// ReportContainer handles PUT /api/v1/flows/{id}/card/container. A visible
// container triggers a form mount.
func (h *FlowHandler) ReportContainer(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req ContainerRequest
	if !h.decode(w, r, &req) {
		return
	}
	visible := req.Visible == nil || *req.Visible
	if h.containers != nil {
		h.containers.Set(f.ID(), req.ContainerID, visible)
	}
	if !visible {
		httputil.WriteData(w, http.StatusOK, f.State())
		return
	}
	state, err := f.MountCard()
	h.respond(w, r, state, err)
}

// SubmitCard handles POST /api/v1/flows/{id}/card/submit
func (h *FlowHandler) SubmitCard(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	var req SubmitCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	state, err := f.SubmitCard(r.Context(), flow.SubmitCardInput{PaymentMethodID: req.PaymentMethodID})
	h.respond(w, r, state, err)
}

// CreateCharge handles POST /api/v1/flows/{id}/crypto/charge
func (h *FlowHandler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.CreateCharge(r.Context())
	h.respond(w, r, state, err)
}

// RetryCryptoPolling handles POST /api/v1/flows/{id}/crypto/poll
func (h *FlowHandler) RetryCryptoPolling(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.RetryCryptoPolling()
	h.respond(w, r, state, err)
}

// CryptoQRCode handles GET /api/v1/flows/{id}/crypto/qr and serves the
// hosted checkout link as a PNG.
func (h *FlowHandler) CryptoQRCode(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	png, err := f.CryptoQRCode()
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// RetryIssuance handles POST /api/v1/flows/{id}/tickets/retry
func (h *FlowHandler) RetryIssuance(w http.ResponseWriter, r *http.Request) {
	f, ok := h.flow(w, r)
	if !ok {
		return
	}
	state, err := f.RetryIssuance(r.Context())
	h.respond(w, r, state, err)
}

// Resume handles POST /api/v1/flows/return after the card provider sends
// the browser back from authentication.
func (h *FlowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	state, err := h.manager.ResumeStepUp(r.Context(), userID, req.SettlementID)
	h.respond(w, r, state, err)
}

// flow resolves the {id} path parameter to the caller's flow, writing the
// error response itself.
func (h *FlowHandler) flow(w http.ResponseWriter, r *http.Request) (*flow.Flow, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("flow id is required"), h.logger)
		return nil, false
	}
	f, err := h.manager.Get(middleware.UserIDFromContext(r.Context()), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return nil, false
	}
	return f, true
}

// decode reads and validates the request body, writing the 400 itself.
func (h *FlowHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := httputil.DecodeJSON(w, r, dst)
	if err == nil {
		return true
	}
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		httputil.WriteValidationError(w, err)
		return false
	}
	httputil.WriteError(w, r, err, h.logger)
	return false
}

// respond writes the flow state, or the error when the command was rejected.
func (h *FlowHandler) respond(w http.ResponseWriter, r *http.Request, state domain.FlowState, err error) {
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, state)
}
