package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Producer publishes messages to Kafka.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Consumer reads messages under a consumer group with explicit offset commits.
// *kafka.Reader satisfies it.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
