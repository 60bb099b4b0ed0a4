// Package sinks provides Sink implementations for the events hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/events"
)

// LogSink emits structured logs for debugging outcome event streams. It is
// useful during development or audits where a durable store is unavailable.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("fingerprint", evt.Fingerprint),
			zap.String("domain", evt.Domain),
			zap.String("strategy_id", evt.StrategyID),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("ticket_state", string(evt.TicketState)),
			zap.Int("retry_count", evt.RetryCount),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("pipeline event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
