package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Kafka header names stamped on every envelope message.
const (
	HeaderEventID       = "event-id"
	HeaderTopic         = "event-topic"
	HeaderDiscriminator = "event-discriminator"
	HeaderSchemaVersion = "schema-version"
	HeaderCorrelationID = "correlation-id"
)

// ToMessage encodes env as a Kafka message keyed by its partition key.
func ToMessage(env Envelope) (kafka.Message, error) {
	value, err := env.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	key := env.PartitionKey
	if key == "" {
		key = env.CorrelationID
	}
	return kafka.Message{
		Topic: string(env.Topic),
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(env.EventID)},
			{Key: HeaderTopic, Value: []byte(env.Topic)},
			{Key: HeaderDiscriminator, Value: []byte(env.Discriminator)},
			{Key: HeaderSchemaVersion, Value: []byte(strconv.Itoa(env.SchemaVersion))},
			{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)},
		},
	}, nil
}

// FromMessage decodes the envelope carried by msg. The topic the message was read
// from wins over the topic written inside the envelope.
func FromMessage(msg kafka.Message) (Envelope, error) {
	env, err := Unmarshal(msg.Value)
	if err != nil {
		var se *SchemaError
		if errors.As(err, &se) && msg.Topic != "" {
			se.Topic = Topic(msg.Topic)
		}
		return Envelope{}, err
	}
	if msg.Topic != "" {
		env.Topic = Topic(msg.Topic)
	}
	if env.PartitionKey == "" && len(msg.Key) > 0 {
		env.PartitionKey = string(msg.Key)
	}
	return env, nil
}

// Header returns the value of the named header, or "" when absent.
func Header(msg kafka.Message, name string) string {
	for _, h := range msg.Headers {
		if h.Key == name {
			return string(h.Value)
		}
	}
	return ""
}

// ExtractTraceContext extracts OpenTelemetry trace context from Kafka message headers
func ExtractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[header.Key] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
