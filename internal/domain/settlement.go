package domain

import "time"

// Settlement is the ledger entry written once a provider confirms payment.
// ID is the provider settlement id (intent or charge).
type Settlement struct {
	ID               string        `json:"settlement_id"`
	FlowID           string        `json:"flow_id"`
	UserID           string        `json:"user_id"`
	ProductID        string        `json:"product_id"`
	HouseID          string        `json:"house_id"`
	Method           PaymentMethod `json:"method"`
	Quantity         int           `json:"quantity"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	TicketStatus     TicketStatus  `json:"ticket_status"`
	TicketsPurchased int           `json:"tickets_purchased"`
	IssuanceAttempts int           `json:"issuance_attempts"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Issued reports whether tickets were created for the settlement.
func (s *Settlement) Issued() bool {
	return s.TicketStatus == TicketSuccess
}
