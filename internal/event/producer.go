// Package event publishes settlement and ticket issuance events to Kafka.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	pkgkafka "github.com/DrorGr/amesaFE-sub002/pkg/kafka"
	"github.com/DrorGr/amesaFE-sub002/pkg/logger"
)

// Kafka topics for the payment flow.
var (
	TopicPaymentSettled = pkgkafka.Topic("payment", "settled")
	TopicTicketsIssued  = pkgkafka.Topic("tickets", "issued")
	TopicTicketsPending = pkgkafka.Topic("tickets", "pending")
	TopicTicketsFailed  = pkgkafka.Topic("tickets", "failed")
)

// AggregateTypeSettlement is the aggregate every event is keyed by.
const AggregateTypeSettlement = "settlement"

// SourcePayflow identifies events published by this service.
const SourcePayflow = "payflow"

// SettlementData is the payload shared by every payment flow event.
type SettlementData struct {
	SettlementID     string               `json:"settlement_id"`
	FlowID           string               `json:"flow_id"`
	UserID           string               `json:"user_id"`
	ProductID        string               `json:"product_id"`
	HouseID          string               `json:"house_id"`
	Method           domain.PaymentMethod `json:"method"`
	Quantity         int                  `json:"quantity"`
	Amount           int64                `json:"amount"`
	Currency         string               `json:"currency"`
	TicketStatus     domain.TicketStatus  `json:"ticket_status"`
	TicketsPurchased int                  `json:"tickets_purchased,omitempty"`
	IssuanceAttempts int                  `json:"issuance_attempts"`
	LastError        string               `json:"last_error,omitempty"`
	OccurredAt       time.Time            `json:"occurred_at"`
}

func dataFrom(s *domain.Settlement) SettlementData {
	return SettlementData{
		SettlementID:     s.ID,
		FlowID:           s.FlowID,
		UserID:           s.UserID,
		ProductID:        s.ProductID,
		HouseID:          s.HouseID,
		Method:           s.Method,
		Quantity:         s.Quantity,
		Amount:           s.Amount,
		Currency:         s.Currency,
		TicketStatus:     s.TicketStatus,
		TicketsPurchased: s.TicketsPurchased,
		IssuanceAttempts: s.IssuanceAttempts,
		LastError:        s.LastError,
		OccurredAt:       s.UpdatedAt,
	}
}

// Settlement rebuilds the domain settlement carried by an event payload.
func (d SettlementData) Settlement() *domain.Settlement {
	return &domain.Settlement{
		ID:               d.SettlementID,
		FlowID:           d.FlowID,
		UserID:           d.UserID,
		ProductID:        d.ProductID,
		HouseID:          d.HouseID,
		Method:           d.Method,
		Quantity:         d.Quantity,
		Amount:           d.Amount,
		Currency:         d.Currency,
		TicketStatus:     d.TicketStatus,
		TicketsPurchased: d.TicketsPurchased,
		IssuanceAttempts: d.IssuanceAttempts,
		LastError:        d.LastError,
		UpdatedAt:        d.OccurredAt,
	}
}

// Producer publishes payment flow events.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishPaymentSettled publishes a lottery.payment.settled event.
func (p *Producer) PublishPaymentSettled(ctx context.Context, s *domain.Settlement) error {
	return p.publish(ctx, TopicPaymentSettled, s)
}

// PublishTicketsIssued publishes a lottery.tickets.issued event.
func (p *Producer) PublishTicketsIssued(ctx context.Context, s *domain.Settlement) error {
	return p.publish(ctx, TopicTicketsIssued, s)
}

// PublishTicketsPending publishes a lottery.tickets.pending event. The
// reconciler picks these up and issues the tickets server-side.
func (p *Producer) PublishTicketsPending(ctx context.Context, s *domain.Settlement) error {
	return p.publish(ctx, TopicTicketsPending, s)
}

// PublishTicketsFailed publishes a lottery.tickets.failed event.
func (p *Producer) PublishTicketsFailed(ctx context.Context, s *domain.Settlement) error {
	return p.publish(ctx, TopicTicketsFailed, s)
}

func (p *Producer) publish(ctx context.Context, topic string, s *domain.Settlement) error {
	event, err := pkgkafka.NewEvent(topic, s.ID, AggregateTypeSettlement, SourcePayflow, dataFrom(s))
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}
	event.WithMetadata("flow_id", s.FlowID).WithMetadata("method", string(s.Method))

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published payment flow event",
		slog.String("topic", topic),
		slog.String("settlement_id", s.ID),
		slog.String("ticket_status", string(s.TicketStatus)),
	)
	return nil
}
