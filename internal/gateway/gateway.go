// Package gateway holds the lottery backend collaborators the payment flow
// depends on: pricing, reservations, ticket issuance and idempotency keys.
package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
)

// PricingGateway returns product metadata and server-validated prices.
type PricingGateway interface {
	Product(ctx context.Context, productID string) (*domain.Product, error)
	Validate(ctx context.Context, productID string, quantity int) (*domain.PriceQuote, error)
}

// ReservationGateway holds inventory for a bounded time.
type ReservationGateway interface {
	Create(ctx context.Context, houseID string, quantity int) (string, error)
	Cancel(ctx context.Context, reservationID string) error
}

// PurchaseInput converts a confirmed settlement into tickets.
type PurchaseInput struct {
	HouseID          string `json:"house_id"`
	Quantity         int    `json:"quantity"`
	PaymentMethodRef string `json:"payment_method_id"`
	SettlementID     string `json:"settlement_id"`
	// IdempotencyKey is sent as a header, never in the body.
	IdempotencyKey string `json:"-"`
}

// PurchaseResult is the ticket gateway's answer.
type PurchaseResult struct {
	TicketsPurchased int      `json:"tickets_purchased"`
	TicketIDs        []string `json:"ticket_ids,omitempty"`
}

// TicketGateway issues tickets. Calls may be retried with the same key.
type TicketGateway interface {
	Purchase(ctx context.Context, in *PurchaseInput) (*PurchaseResult, error)
}

// PlaceholderPaymentMethod is sent to the ticket gateway, which resolves the
// real payment attribution from the settlement id.
const PlaceholderPaymentMethod = "00000000-0000-0000-0000-000000000000"

// KeyGenerator produces one idempotency key per submission attempt.
type KeyGenerator interface {
	Generate() string
}

// UUIDKeys generates random UUIDv4 keys.
type UUIDKeys struct{}

// Generate implements KeyGenerator.
func (UUIDKeys) Generate() string { return uuid.NewString() }

// KeyFunc adapts a function to KeyGenerator.
type KeyFunc func() string

// Generate implements KeyGenerator.
func (f KeyFunc) Generate() string { return f() }
