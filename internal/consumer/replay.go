package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/events"
	"eventflow/internal/platform/kafka"
	"eventflow/internal/platform/observability"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Replayer republishes dead-lettered messages to their source topic. Replaying is
// safe because every consuming workflow is idempotent.
type Replayer struct {
	source   kafka.Consumer
	producer kafka.Producer
	logger   observability.Logger
	idle     time.Duration
}

// NewReplayer creates a replayer reading from source. Replay stops once no message
// arrives for idle.
func NewReplayer(source kafka.Consumer, producer kafka.Producer, logger observability.Logger, idle time.Duration) *Replayer {
	if idle <= 0 {
		idle = 5 * time.Second
	}
	return &Replayer{source: source, producer: producer, logger: logger, idle: idle}
}

// Replay moves up to limit messages (all when limit is 0) and returns how many were
// republished.
func (r *Replayer) Replay(ctx context.Context, limit int) (int, error) {
	replayed := 0
	for limit <= 0 || replayed < limit {
		fetchCtx, cancel := context.WithTimeout(ctx, r.idle)
		msg, err := r.source.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return replayed, fmt.Errorf("fetch dead-lettered message: %w", err)
		}

		out := ReplayMessage(msg)
		if err := r.producer.WriteMessage(ctx, out); err != nil {
			return replayed, fmt.Errorf("republish to %s: %w", out.Topic, err)
		}
		if err := r.source.CommitMessages(ctx, msg); err != nil {
			return replayed, fmt.Errorf("commit dead-lettered message: %w", err)
		}
		replayed++
		r.logger.Info("Replayed dead-lettered message",
			zap.String("dlq_topic", msg.Topic),
			zap.String("topic", out.Topic),
			zap.Int64("offset", msg.Offset),
			zap.String("event_id", events.Header(msg, events.HeaderEventID)),
		)
	}
	return replayed, nil
}

// ReplayMessage rebuilds the original message from its dead-letter record.
func ReplayMessage(msg kafkago.Message) kafkago.Message {
	topic := events.Header(msg, HeaderSourceTopic)
	if topic == "" {
		topic = strings.TrimSuffix(msg.Topic, config.DeadLetterSuffix)
	}
	return kafkago.Message{
		Topic:   topic,
		Key:     append([]byte(nil), msg.Key...),
		Value:   append([]byte(nil), msg.Value...),
		Headers: StripDeadLetterHeaders(msg.Headers),
	}
}
