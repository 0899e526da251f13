package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrorGr/amesaFE-sub002/internal/domain"
	pkgkafka "github.com/DrorGr/amesaFE-sub002/pkg/kafka"
	"github.com/DrorGr/amesaFE-sub002/pkg/logger"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func newTestProducer(w *recordingWriter) *Producer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProducer(pkgkafka.NewProducerWithWriter(w, []string{"localhost:9092"}, log), log)
}

func sampleSettlement() *domain.Settlement {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Settlement{
		ID:               "pi_123",
		FlowID:           "flow-1",
		UserID:           "user-1",
		ProductID:        "prod-1",
		HouseID:          "house-1",
		Method:           domain.MethodCard,
		Quantity:         3,
		Amount:           7500,
		Currency:         "USD",
		TicketStatus:     domain.TicketSuccess,
		TicketsPurchased: 3,
		IssuanceAttempts: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestProducer_PublishesToTopics(t *testing.T) {
	w := &recordingWriter{}
	p := newTestProducer(w)
	ctx := context.Background()
	s := sampleSettlement()

	require.NoError(t, p.PublishPaymentSettled(ctx, s))
	require.NoError(t, p.PublishTicketsIssued(ctx, s))
	require.NoError(t, p.PublishTicketsPending(ctx, s))
	require.NoError(t, p.PublishTicketsFailed(ctx, s))

	require.Len(t, w.msgs, 4)
	topics := make([]string, 0, len(w.msgs))
	for _, m := range w.msgs {
		topics = append(topics, m.Topic)
		assert.Equal(t, "pi_123", string(m.Key))
	}
	assert.Equal(t, []string{
		"lottery.payment.settled",
		"lottery.tickets.issued",
		"lottery.tickets.pending",
		"lottery.tickets.failed",
	}, topics)
}

func TestProducer_PayloadCarriesSettlement(t *testing.T) {
	w := &recordingWriter{}
	p := newTestProducer(w)
	ctx := logger.WithCorrelationID(context.Background(), "corr-9")

	require.NoError(t, p.PublishTicketsPending(ctx, sampleSettlement()))
	require.Len(t, w.msgs, 1)

	event, err := pkgkafka.UnmarshalEvent(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, AggregateTypeSettlement, event.AggregateType)
	assert.Equal(t, SourcePayflow, event.Source)
	assert.Equal(t, "corr-9", event.CorrelationID)
	assert.Equal(t, "flow-1", event.Metadata["flow_id"])

	var data SettlementData
	require.NoError(t, event.UnmarshalData(&data))
	got := data.Settlement()
	assert.Equal(t, "pi_123", got.ID)
	assert.Equal(t, 3, got.Quantity)
	assert.Equal(t, int64(7500), got.Amount)
	assert.Equal(t, domain.MethodCard, got.Method)
}

func TestProducer_PublishError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := newTestProducer(w)

	err := p.PublishTicketsFailed(context.Background(), sampleSettlement())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lottery.tickets.failed")
}
