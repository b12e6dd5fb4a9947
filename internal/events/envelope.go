package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names an event stream on the bus.
type Topic string

// Discriminator selects the strategy that processes an envelope.
type Discriminator string

// Envelope is the wire-level unit exchanged between services. Envelopes are values:
// constructors copy the payload and nothing in this module mutates one after it is
// built.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Topic         Topic           `json:"topic"`
	Discriminator Discriminator   `json:"discriminator,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	PartitionKey  string          `json:"partition_key,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope for topic stamped with the current schema version
// of the shared registry. partitionKey should be the origin identifier so that every
// delivery for one workflow instance lands on the same partition.
func NewEnvelope(topic Topic, disc Discriminator, correlationID, partitionKey string, payload any) (Envelope, error) {
	schema, ok := Schemas.Lookup(topic)
	if !ok {
		return Envelope{}, fmt.Errorf("no schema registered for topic %q", topic)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return Envelope{
		EventID:       uuid.NewString(),
		Topic:         topic,
		Discriminator: disc,
		CorrelationID: correlationID,
		PartitionKey:  partitionKey,
		SchemaVersion: schema.Version,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Fields returns a copy of the payload as a generic field mapping.
func (e Envelope) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if len(e.Payload) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Marshal encodes the envelope in its JSON wire format.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from its JSON wire format. The payload bytes are
// copied so the envelope does not alias the caller's buffer.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &SchemaError{Reason: fmt.Sprintf("invalid envelope json: %v", err)}
	}
	env.Payload = append(json.RawMessage(nil), env.Payload...)
	return env, nil
}
