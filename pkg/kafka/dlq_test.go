package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQTopic(t *testing.T) {
	assert.Equal(t, "lottery.dlq.lottery.tickets.pending", DLQTopic("lottery.tickets.pending"))
	assert.Equal(t, "lottery.dlq.", DLQTopic(""))
}

func TestDLQProducer_PublishAddsProvenance(t *testing.T) {
	w := &fakeWriter{}
	d := NewDLQProducerWithWriter(w, testLogger())

	orig := kafka.Message{
		Topic:     "lottery.tickets.pending",
		Partition: 2,
		Offset:    41,
		Key:       []byte("pi_1"),
		Value:     []byte(`{"event_id":"e"}`),
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte("tickets.pending")}},
	}
	require.NoError(t, d.Publish(context.Background(), orig, errors.New("sold out"), "payflow-reconciler"))

	msgs := w.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lottery.dlq.lottery.tickets.pending", msgs[0].Topic)
	assert.Equal(t, orig.Key, msgs[0].Key)
	assert.Equal(t, orig.Value, msgs[0].Value)

	hdr := map[string]string{}
	for _, h := range msgs[0].Headers {
		hdr[h.Key] = string(h.Value)
	}
	assert.Equal(t, "tickets.pending", hdr["event_type"])
	assert.Equal(t, "2", hdr["dlq.original_partition"])
	assert.Equal(t, "41", hdr["dlq.original_offset"])
	assert.Equal(t, "payflow-reconciler", hdr["dlq.consumer_group"])
	assert.Equal(t, "sold out", hdr["dlq.error"])
}

func TestDLQProducer_WriteError(t *testing.T) {
	d := NewDLQProducerWithWriter(&fakeWriter{err: errors.New("down")}, testLogger())
	err := d.Publish(context.Background(), kafka.Message{Topic: "t"}, nil, "g")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lottery.dlq.t")
}
