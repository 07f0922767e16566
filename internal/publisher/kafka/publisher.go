// Package kafka publishes item results to a Kafka topic keyed by item ID.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/rankgrid/internal/publisher"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Config captures the writer parameters.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher wraps a Kafka writer.
type Publisher struct {
	writer messageWriter
	topic  string
}

// New creates a publisher writing to cfg.Topic on cfg.Brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           batchTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		},
		topic: cfg.Topic,
	}, nil
}

// NewWithWriter builds a publisher around a custom writer (tests).
func NewWithWriter(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Publish writes the result keyed by item ID so one item's results stay on
// one partition. The returned ID is topic/item.
func (p *Publisher) Publish(ctx context.Context, batchID string, res rank.Result) (string, error) {
	payload, err := publisher.Encode(batchID, res)
	if err != nil {
		return "", err
	}
	attrs := publisher.Attributes(batchID, res)
	headers := make([]kafka.Header, 0, len(attrs))
	for k, v := range attrs {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	msg := kafka.Message{
		Key:     []byte(res.ItemID.String()),
		Value:   payload,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return p.topic + "/" + res.ItemID.String(), nil
}
