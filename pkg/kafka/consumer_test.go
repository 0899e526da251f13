package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventMessage(t *testing.T, topic, aggregateID string) kafka.Message {
	t.Helper()
	event, err := NewEvent("tickets.pending", aggregateID, "settlement", "payflow", map[string]string{"id": aggregateID})
	require.NoError(t, err)
	raw, err := event.Marshal()
	require.NoError(t, err)
	return kafka.Message{Topic: topic, Key: []byte(aggregateID), Value: raw}
}

func runConsumer(t *testing.T, c *Consumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestConsumer_ProcessesAndCommits(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		eventMessage(t, "lottery.tickets.pending", "pi_1"),
		eventMessage(t, "lottery.tickets.pending", "pi_2"),
	}}
	var seen atomic.Int32
	c := NewConsumerWithReader(r, ConsumerConfig{GroupID: "g"}, func(ctx context.Context, e *Event) error {
		seen.Add(1)
		return nil
	}, nil, testLogger())

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return r.commits() == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(2), seen.Load())
}

func TestConsumer_RetriesThenSucceeds(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{eventMessage(t, "lottery.tickets.failed", "pi_3")}}
	var calls atomic.Int32
	c := NewConsumerWithReader(r, ConsumerConfig{GroupID: "g", MaxRetries: 3, Backoff: time.Millisecond},
		func(ctx context.Context, e *Event) error {
			if calls.Add(1) < 3 {
				return errors.New("ticket service busy")
			}
			return nil
		}, nil, testLogger())

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(3), calls.Load())
}

func TestConsumer_ExhaustedGoesToDLQ(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{eventMessage(t, "lottery.tickets.pending", "pi_4")}}
	w := &fakeWriter{}
	c := NewConsumerWithReader(r, ConsumerConfig{GroupID: "g", MaxRetries: 2, Backoff: time.Millisecond},
		func(ctx context.Context, e *Event) error { return errors.New("still failing") },
		NewDLQProducerWithWriter(w, testLogger()), testLogger())

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lottery.dlq.lottery.tickets.pending", msgs[0].Topic)
}

func TestConsumer_PermanentErrorSkipsRetries(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{eventMessage(t, "lottery.tickets.pending", "pi_5")}}
	var calls atomic.Int32
	c := NewConsumerWithReader(r, ConsumerConfig{GroupID: "g", MaxRetries: 5, Backoff: time.Millisecond},
		func(ctx context.Context, e *Event) error {
			calls.Add(1)
			return fmt.Errorf("bad payload: %w", ErrPermanent)
		}, nil, testLogger())

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumer_UndecodableMessageIsCommitted(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{{Topic: "lottery.tickets.pending", Value: []byte("garbage")}}}
	w := &fakeWriter{}
	c := NewConsumerWithReader(r, ConsumerConfig{GroupID: "g"},
		func(ctx context.Context, e *Event) error {
			t.Fatal("handler must not run")
			return nil
		}, NewDLQProducerWithWriter(w, testLogger()), testLogger())

	stop := runConsumer(t, c)
	require.Eventually(t, func() bool { return r.commits() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Len(t, w.written(), 1)
}

func TestConsumer_CloseIsIdempotent(t *testing.T) {
	r := &fakeReader{}
	c := NewConsumerWithReader(r, ConsumerConfig{}, nil, nil, testLogger())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, r.closed)
}
