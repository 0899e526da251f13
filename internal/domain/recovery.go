package domain

import "time"

// RecoveryState is what survives a 3-D Secure redirect. It is written before
// the browser leaves and consumed exactly once on return.
type RecoveryState struct {
	FlowID       string        `json:"flow_id"`
	UserID       string        `json:"user_id"`
	ProductID    string        `json:"product_id"`
	HouseID      string        `json:"house_id"`
	Quantity     int           `json:"quantity"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	Method       PaymentMethod `json:"method"`
	SettlementID string        `json:"settlement_id"`
	ReturnURL    string        `json:"return_url"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Expired reports whether the record can no longer be resumed at now.
func (r *RecoveryState) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
