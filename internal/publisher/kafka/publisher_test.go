package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/publisher"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishWritesKeyedMessage(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer, "rank-results")

	id, err := pub.Publish(context.Background(), "batch-9", rank.Success("123", json.RawMessage(`{"text":"x"}`)))
	require.NoError(t, err)
	require.Equal(t, "rank-results/123", id)
	require.Len(t, writer.msgs, 1)
	require.Equal(t, "123", string(writer.msgs[0].Key))

	var decoded publisher.Message
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
	require.Equal(t, "batch-9", decoded.BatchID)
	require.JSONEq(t, `{"text":"x"}`, string(decoded.Payload))

	headers := map[string]string{}
	for _, h := range writer.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "succeeded", headers["outcome"])

	require.NoError(t, pub.Close())
	require.True(t, writer.closed)
}

func TestPublishWrapsWriterError(t *testing.T) {
	t.Parallel()

	pub := NewWithWriter(&fakeWriter{err: errors.New("leader not available")}, "t")
	_, err := pub.Publish(context.Background(), "b", rank.Success("1", nil))
	require.ErrorContains(t, err, "write kafka message")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "t"})
	require.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
	pub, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}
