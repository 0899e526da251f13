package domain

import "time"

// Step is a position in the purchase flow.
type Step string

const (
	StepQuantity     Step = "quantity"
	StepReview       Step = "review"
	StepPayment      Step = "payment"
	StepProcessing   Step = "processing"
	StepConfirmation Step = "confirmation"
)

// PaymentMethod selects the settlement rail.
type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodCrypto PaymentMethod = "crypto"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	return m == MethodCard || m == MethodCrypto
}

// TicketStatus tracks issuance after a provider confirms settlement.
type TicketStatus string

const (
	TicketIdle     TicketStatus = "idle"
	TicketCreating TicketStatus = "creating"
	TicketSuccess  TicketStatus = "success"
	TicketPending  TicketStatus = "pending"
	TicketFailed   TicketStatus = "failed"
)

// ErrorKind classifies a user-visible failure.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindValidation  ErrorKind = "validation"
	KindPayment     ErrorKind = "payment"
	KindStepUp      ErrorKind = "step_up"
	KindExpired     ErrorKind = "expired"
	KindTimeout     ErrorKind = "timeout"
	KindIssuance    ErrorKind = "issuance"
	KindInternal    ErrorKind = "internal"
)

// Banner is a translated, dismissible error shown to the user.
type Banner struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	Retryable    bool      `json:"retryable"`
	SettlementID string    `json:"settlement_id,omitempty"`
}

// Product is the immutable metadata a flow is opened for.
type Product struct {
	ID          string `json:"id"`
	HouseID     string `json:"house_id"`
	HouseTitle  string `json:"house_title"`
	BasePrice   int64  `json:"base_price"`
	Currency    string `json:"currency"`
	MaxQuantity int    `json:"max_quantity"`
}

// PriceQuote is the pricing gateway's answer for a quantity.
type PriceQuote struct {
	CalculatedPrice int64    `json:"calculated_price"`
	Currency        string   `json:"currency"`
	Errors          []string `json:"errors"`
}

// CardState is the live card sub-flow.
type CardState struct {
	IntentID         string    `json:"intent_id,omitempty"`
	ClientSecret     string    `json:"client_secret,omitempty"`
	Amount           int64     `json:"amount,omitempty"`
	Quantity         int       `json:"quantity,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	SecondsLeft      int       `json:"seconds_left,omitempty"`
	CountdownVisible bool      `json:"countdown_visible"`
	Expired          bool      `json:"expired"`
	ContainerID      string    `json:"container_id,omitempty"`
	Mounting         bool      `json:"mounting"`
	Mounted          bool      `json:"mounted"`
	InitAttempts     int       `json:"init_attempts"`
	Exhausted        bool      `json:"exhausted"`
	RedirectURL      string    `json:"redirect_url,omitempty"`
}

// Ready reports whether a payment may be submitted against this intent.
func (c CardState) Ready() bool {
	return c.IntentID != "" && c.Mounted && !c.Expired
}

// CryptoState is the live crypto sub-flow.
type CryptoState struct {
	ChargeID            string    `json:"charge_id,omitempty"`
	HostedURL           string    `json:"hosted_url,omitempty"`
	Status              string    `json:"status,omitempty"`
	Amount              int64     `json:"amount,omitempty"`
	Quantity            int       `json:"quantity,omitempty"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	SecondsLeft         int       `json:"seconds_left,omitempty"`
	Expired             bool      `json:"expired"`
	Polling             bool      `json:"polling"`
	PollAttempts        int       `json:"poll_attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HasQRCode           bool      `json:"has_qr_code"`
}

// FlowState is the single record describing one open purchase panel.
type FlowState struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	Step          Step          `json:"step"`
	Quantity      int           `json:"quantity"`
	MaxQuantity   int           `json:"max_quantity"`
	PaymentMethod PaymentMethod `json:"payment_method"`

	ProductID  string `json:"product_id"`
	HouseID    string `json:"house_id"`
	HouseTitle string `json:"house_title"`
	Currency   string `json:"currency"`
	BasePrice  int64  `json:"base_price"`

	CalculatedPrice int64 `json:"calculated_price"`
	TotalAmount     int64 `json:"total_amount"`
	// PricedQuantity is the quantity CalculatedPrice was computed for. Zero
	// means no accepted price.
	PricedQuantity  int  `json:"priced_quantity"`
	PricingInFlight bool `json:"pricing_in_flight"`

	ReservationID string `json:"reservation_id,omitempty"`

	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`

	ValidationErrors []string `json:"validation_errors"`
	Warnings         []string `json:"warnings,omitempty"`
	Banner           *Banner  `json:"banner,omitempty"`
	Notice           string   `json:"notice,omitempty"`

	IsLoading              bool `json:"is_loading"`
	IsProcessing           bool `json:"is_processing"`
	QuantityAtPaymentStart int  `json:"quantity_at_payment_start,omitempty"`

	Card   CardState   `json:"card"`
	Crypto CryptoState `json:"crypto"`

	TicketStatus     TicketStatus `json:"ticket_status"`
	TicketsPurchased int          `json:"tickets_purchased,omitempty"`
	IssuanceAttempts int          `json:"issuance_attempts"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriceCurrent reports whether the accepted price belongs to the live
// quantity and no recalculation is outstanding.
func (s *FlowState) PriceCurrent() bool {
	return s.PricedQuantity == s.Quantity && s.PricedQuantity > 0 && !s.PricingInFlight
}

// SettlementID returns the identifier of whichever rail settled.
func (s *FlowState) SettlementID() string {
	switch {
	case s.PaymentIntentID != "":
		return s.PaymentIntentID
	case s.ChargeID != "":
		return s.ChargeID
	default:
		return s.TransactionID
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *FlowState) Clone() FlowState {
	out := *s
	out.ValidationErrors = append([]string(nil), s.ValidationErrors...)
	out.Warnings = append([]string(nil), s.Warnings...)
	if s.Banner != nil {
		b := *s.Banner
		out.Banner = &b
	}
	return out
}
