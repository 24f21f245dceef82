package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/progress"
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
			zap.String("kind", string(evt.Kind)),
			zap.String("run_id", evt.RunID.String()),
			zap.String("stage", evt.Stage),
			zap.String("partition", evt.Partition),
			zap.String("status", evt.Status),
			zap.Float64("cost", evt.Cost),
			zap.Int64("tokens", evt.Tokens),
			zap.Int("items", evt.Items),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
