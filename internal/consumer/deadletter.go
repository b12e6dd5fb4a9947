package consumer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/platform/kafka"
	"eventflow/internal/platform/observability"
	"eventflow/internal/workflow"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Dead-letter headers added to the original message.
const (
	HeaderErrorClass      = "dlq-error-class"
	HeaderError           = "dlq-error"
	HeaderAttempts        = "dlq-attempts"
	HeaderSourceTopic     = "dlq-source-topic"
	HeaderSourcePartition = "dlq-source-partition"
	HeaderSourceOffset    = "dlq-source-offset"
	HeaderFailedAt        = "dlq-failed-at"

	dlqHeaderPrefix = "dlq-"
	maxErrorHeader  = 2048
)

// DeadLetterPublisher copies failed messages, bytes and headers intact, to
// <topic>.dlq with the failure recorded in dlq-* headers.
type DeadLetterPublisher struct {
	producer kafka.Producer
	logger   observability.Logger
	metrics  *observability.Metrics
	retries  uint64
	now      func() time.Time
}

// NewDeadLetterPublisher creates a publisher. producer must accept messages for any
// topic.
func NewDeadLetterPublisher(producer kafka.Producer, logger observability.Logger, metrics *observability.Metrics) *DeadLetterPublisher {
	return &DeadLetterPublisher{
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		retries:  3,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish writes msg to its dead-letter topic, retrying briefly. A non-nil error
// means no dead-letter record exists and the source offset must not be committed.
func (d *DeadLetterPublisher) Publish(ctx context.Context, msg kafkago.Message, cause error, attempts int) error {
	class := workflow.Classify(cause)
	dlq := DeadLetterMessage(msg, cause, attempts, d.now())

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.retries), ctx)
	err := backoff.Retry(func() error {
		return d.producer.WriteMessage(ctx, dlq)
	}, b)
	if err != nil {
		return fmt.Errorf("dead-letter %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	d.metrics.RecordDeadLetter(ctx, msg.Topic, string(class))
	d.logger.Error("Message dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("dlq_topic", dlq.Topic),
		zap.String("error_class", string(class)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return nil
}

// DeadLetterMessage builds the dead-letter record of msg.
func DeadLetterMessage(msg kafkago.Message, cause error, attempts int, failedAt time.Time) kafkago.Message {
	errText := cause.Error()
	if len(errText) > maxErrorHeader {
		errText = errText[:maxErrorHeader]
	}

	headers := StripDeadLetterHeaders(msg.Headers)
	headers = append(headers,
		kafkago.Header{Key: HeaderErrorClass, Value: []byte(workflow.Classify(cause))},
		kafkago.Header{Key: HeaderError, Value: []byte(errText)},
		kafkago.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
		kafkago.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kafkago.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafkago.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafkago.Header{Key: HeaderFailedAt, Value: []byte(failedAt.Format(time.RFC3339Nano))},
	)

	return kafkago.Message{
		Topic:   config.DeadLetterTopic(msg.Topic),
		Key:     append([]byte(nil), msg.Key...),
		Value:   append([]byte(nil), msg.Value...),
		Headers: headers,
	}
}

// StripDeadLetterHeaders returns a copy of headers without dlq-* entries.
func StripDeadLetterHeaders(headers []kafkago.Header) []kafkago.Header {
	out := make([]kafkago.Header, 0, len(headers)+7)
	for _, h := range headers {
		if strings.HasPrefix(h.Key, dlqHeaderPrefix) {
			continue
		}
		out = append(out, kafkago.Header{Key: h.Key, Value: append([]byte(nil), h.Value...)})
	}
	return out
}
