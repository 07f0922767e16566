package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/progress"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// PublishSink forwards terminal item results to a rank.Publisher so
// downstream consumers see each (item, result) pair once it is final.
type PublishSink struct {
	publisher rank.Publisher
	logger    *zap.Logger
}

// NewPublishSink wraps publisher as a progress sink.
func NewPublishSink(publisher rank.Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, logger: logger}
}

// Consume publishes every ITEM_RESULT event. It keeps going after a failed
// publish and returns the joined errors.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageItemResult || evt.Result == nil {
			continue
		}
		batchID := evt.BatchUUID().String()
		msgID, err := s.publisher.Publish(ctx, batchID, *evt.Result)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish result %s: %w", evt.Result.ItemID, err))
			continue
		}
		s.logger.Debug("result published",
			zap.String("batch_id", batchID),
			zap.String("item_id", evt.Result.ItemID.String()),
			zap.String("message_id", msgID),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
