// Package pubsub receives batch requests from a Google Cloud Pub/Sub subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/intake"
)

// Source adapts a subscription to intake.Source.
type Source struct {
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewSource wraps sub. maxOutstanding caps unacked messages held by the
// client; it should not be lower than the consumer's batch concurrency.
func NewSource(sub *pubsub.Subscription, maxOutstanding int, logger *zap.Logger) (*Source, error) {
	if sub == nil {
		return nil, fmt.Errorf("pubsub subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	return &Source{sub: sub, logger: logger}, nil
}

// Receive decodes each message into an intake.Request. Undecodable messages
// are acked and dropped so they do not loop forever.
func (s *Source) Receive(ctx context.Context, fn func(context.Context, intake.Delivery)) error {
	err := s.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		msgCtx = otel.GetTextMapPropagator().Extract(msgCtx, &attrCarrier{attrs: msg.Attributes})
		var req intake.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("dropping undecodable request", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		if req.BatchID == "" {
			req.BatchID = msg.Attributes["batch_id"]
		}
		if req.EnqueuedAt.IsZero() {
			req.EnqueuedAt = msg.PublishTime
		}
		d := intake.NewDelivery(req, msg.Ack, msg.Nack)
		// Only set when the subscription has a dead-letter policy.
		if msg.DeliveryAttempt != nil {
			d.Attempt = *msg.DeliveryAttempt
		}
		fn(msgCtx, d)
	})
	if err != nil {
		return fmt.Errorf("receive subscription: %w", err)
	}
	return nil
}

// Enqueuer publishes requests onto the topic feeding the subscription.
type Enqueuer struct {
	topic *pubsub.Topic
}

// NewEnqueuer wraps topic.
func NewEnqueuer(topic *pubsub.Topic) *Enqueuer {
	return &Enqueuer{topic: topic}
}

// Enqueue publishes req and waits for the server acknowledgement.
func (e *Enqueuer) Enqueue(ctx context.Context, req intake.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	attrs := map[string]string{"batch_id": req.BatchID}
	otel.GetTextMapPropagator().Inject(ctx, &attrCarrier{attrs: attrs})
	if _, err := e.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

type attrCarrier struct {
	attrs map[string]string
}

func (c *attrCarrier) Get(key string) string { return c.attrs[key] }

func (c *attrCarrier) Set(key, value string) { c.attrs[key] = value }

func (c *attrCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
