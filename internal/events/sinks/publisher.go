package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/events"
)

// PublisherSink forwards events to an external topic for downstream
// analytics consumers. Each event is published individually so consumers
// can filter by kind without unpacking batches.
type PublisherSink struct {
	publisher apply.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink targeting the given topic.
func NewPublisherSink(publisher apply.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Consume publishes each event. It respects ctx deadlines and returns the
// first publish error so the hub can log the failed flush.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish %s event: %w", evt.Kind, err)
		}
		s.logger.Debug("event published",
			zap.String("kind", string(evt.Kind)),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
