package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("batch_id", evt.BatchUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.ItemID != "" {
			fields = append(fields, zap.String("item_id", evt.ItemID.String()))
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", string(evt.State)))
		}
		if evt.SessionID != "" {
			fields = append(fields, zap.String("session_id", evt.SessionID))
		}
		if evt.Result != nil {
			fields = append(fields,
				zap.String("outcome", string(evt.Result.Outcome)),
				zap.String("kind", string(evt.Result.Kind)),
			)
		}
		if evt.Summary != nil {
			fields = append(fields,
				zap.String("status", string(evt.Summary.Status)),
				zap.Int("total", evt.Summary.Counts.Total),
				zap.Int("pending", evt.Summary.Counts.Pending),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
