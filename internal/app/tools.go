package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/consumer"
	"eventflow/internal/events"

	"go.uber.org/zap"
)

// PublishRequest describes an event to produce from the command line.
type PublishRequest struct {
	Topic         events.Topic
	Discriminator events.Discriminator
	CorrelationID string
	PartitionKey  string
	Payload       json.RawMessage
}

// Publish validates req against the shared schema and produces it.
func (c *Container) Publish(ctx context.Context, req PublishRequest) (events.Envelope, error) {
	env, err := events.NewEnvelope(req.Topic, req.Discriminator, req.CorrelationID, req.PartitionKey, req.Payload)
	if err != nil {
		return events.Envelope{}, err
	}
	if err := events.Schemas.Validate(env); err != nil {
		return events.Envelope{}, err
	}
	msg, err := events.ToMessage(env)
	if err != nil {
		return events.Envelope{}, err
	}
	if err := c.producer.WriteMessage(ctx, msg); err != nil {
		return events.Envelope{}, fmt.Errorf("publish %s: %w", env.Topic, err)
	}
	c.logger.Info("Event published",
		zap.String("topic", string(env.Topic)),
		zap.String("event_id", env.EventID),
		zap.String("correlation_id", env.CorrelationID),
	)
	return env, nil
}

// ReplayDeadLetters moves up to limit messages from the dead-letter topic of topic
// back to topic.
func (c *Container) ReplayDeadLetters(ctx context.Context, topic string, limit int, idle time.Duration) (int, error) {
	source := c.Consumer(config.DeadLetterTopic(topic), config.ServiceName+"-dlq-replay")
	return consumer.NewReplayer(source, c.producer, c.logger, idle).Replay(ctx, limit)
}
