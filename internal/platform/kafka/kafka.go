package kafka

import (
	"time"

	"eventflow/internal/config"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// NewConsumer creates a group reader for topic. Offsets are only committed through
// CommitMessages, never on read.
func NewConsumer(brokers []string, topic, groupID string) Consumer {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        500 * time.Millisecond,
	})
}

// NewProducer creates a traced writer. An empty topic lets every message choose its
// own destination.
func NewProducer(brokers []string, topic string, tp trace.TracerProvider) (Producer, error) {
	baseWriter := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		BatchSize:    config.BatchSize,
		RequiredAcks: kafka.RequireAll,
	}

	destination := topic
	if destination == "" {
		destination = "dynamic"
	}
	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(destination),
				attribute.String("messaging.kafka.client_id", config.ServiceName),
			},
		),
	)
	if err != nil {
		return nil, err
	}
	return writer, nil
}
