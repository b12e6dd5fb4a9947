package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Implicit is the schema key of topics that carry a single payload shape and no
// discriminator on the wire.
const Implicit Discriminator = ""

// SchemaError reports an envelope whose payload does not satisfy its schema.
type SchemaError struct {
	Topic         Topic
	Discriminator Discriminator
	Fields        []string
	Reason        string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("malformed event")
	if e.Topic != "" {
		fmt.Fprintf(&b, " on %s", e.Topic)
	}
	if e.Discriminator != "" {
		fmt.Fprintf(&b, " (%s)", e.Discriminator)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, ": invalid fields [%s]", strings.Join(e.Fields, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// UnknownDiscriminatorError reports a discriminator outside the closed set of a
// topic, which means producer and consumer disagree on the schema version.
type UnknownDiscriminatorError struct {
	Topic         Topic
	Discriminator Discriminator
}

func (e *UnknownDiscriminatorError) Error() string {
	return fmt.Sprintf("discriminator %q is not part of the %s schema", e.Discriminator, e.Topic)
}

// Schema describes one topic: its version window and the payload shape for each
// discriminator in its closed set.
type Schema struct {
	Topic      Topic
	Version    int
	MinVersion int
	// Default is used when an envelope carries no discriminator.
	Default  Discriminator
	Payloads map[Discriminator]func() any
}

// Discriminators returns the closed set of the topic, sorted.
func (s Schema) Discriminators() []Discriminator {
	out := make([]Discriminator, 0, len(s.Payloads))
	for d := range s.Payloads {
		if d != Implicit {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SchemaRegistry is the single definition of every event shape, shared by producers
// and consumers.
type SchemaRegistry struct {
	schemas  map[Topic]Schema
	validate *validator.Validate
}

func NewSchemaRegistry(schemas ...Schema) *SchemaRegistry {
	r := &SchemaRegistry{
		schemas:  make(map[Topic]Schema, len(schemas)),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	r.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return jsonName(f.Tag.Get("json"), f.Name)
	})
	for _, s := range schemas {
		r.schemas[s.Topic] = s
	}
	return r
}

// Discriminators returns the closed set of topic, or nil for an unknown topic.
func (r *SchemaRegistry) Discriminators(topic Topic) []Discriminator {
	s, ok := r.schemas[topic]
	if !ok {
		return nil
	}
	return s.Discriminators()
}

// Lookup returns the schema registered for topic.
func (r *SchemaRegistry) Lookup(topic Topic) (Schema, bool) {
	s, ok := r.schemas[topic]
	return s, ok
}

// Resolve returns the effective discriminator of env under its topic schema.
func (r *SchemaRegistry) Resolve(env Envelope) (Discriminator, error) {
	schema, ok := r.schemas[env.Topic]
	if !ok {
		return "", &SchemaError{Topic: env.Topic, Reason: "unknown topic"}
	}
	disc := env.Discriminator
	if disc == "" {
		disc = schema.Default
	}
	if _, ok := schema.Payloads[disc]; !ok {
		if disc == "" {
			return "", &SchemaError{Topic: env.Topic, Reason: "discriminator is required"}
		}
		return "", &UnknownDiscriminatorError{Topic: env.Topic, Discriminator: disc}
	}
	return disc, nil
}

// Decode checks the schema version of env, decodes its payload into the typed shape of
// its discriminator and validates the required fields. The returned value is a
// pointer to one of the payload types in this package.
func (r *SchemaRegistry) Decode(env Envelope) (any, Discriminator, error) {
	disc, err := r.Resolve(env)
	if err != nil {
		return nil, "", err
	}
	schema := r.schemas[env.Topic]

	if env.SchemaVersion < schema.MinVersion || env.SchemaVersion > schema.Version {
		return nil, disc, &SchemaError{
			Topic:         env.Topic,
			Discriminator: disc,
			Reason: fmt.Sprintf("schema version %d outside supported range [%d, %d]",
				env.SchemaVersion, schema.MinVersion, schema.Version),
		}
	}
	if len(bytes.TrimSpace(env.Payload)) == 0 {
		return nil, disc, &SchemaError{Topic: env.Topic, Discriminator: disc, Reason: "payload is empty"}
	}

	payload := schema.Payloads[disc]()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, disc, &SchemaError{Topic: env.Topic, Discriminator: disc, Fields: typeErrorFields(err), Reason: err.Error()}
	}
	if err := r.validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, trimNamespace(fe.Namespace()))
			}
			return nil, disc, &SchemaError{Topic: env.Topic, Discriminator: disc, Fields: fields}
		}
		return nil, disc, &SchemaError{Topic: env.Topic, Discriminator: disc, Reason: err.Error()}
	}
	return payload, disc, nil
}

// Validate reports whether env satisfies its schema.
func (r *SchemaRegistry) Validate(env Envelope) error {
	_, _, err := r.Decode(env)
	return err
}

// Schemas is the shared, versioned definition of every topic in the system.
var Schemas = NewSchemaRegistry(
	Schema{
		Topic:      TopicOrderCompleted,
		Version:    1,
		MinVersion: 1,
		Default:    Productos,
		Payloads: map[Discriminator]func() any{
			Productos: func() any { return &OrderCompleted{} },
			Cita:      func() any { return &AppointmentCharge{} },
		},
	},
	Schema{
		Topic:      TopicAppointmentCompleted,
		Version:    1,
		MinVersion: 1,
		Payloads: map[Discriminator]func() any{
			Implicit: func() any { return &AppointmentCompleted{} },
		},
	},
	Schema{
		Topic:      TopicUserRegistered,
		Version:    1,
		MinVersion: 1,
		Payloads: map[Discriminator]func() any{
			Implicit: func() any { return &UserRegistered{} },
		},
	},
	Schema{
		Topic:      TopicNotificationRequest,
		Version:    1,
		MinVersion: 1,
		Payloads: map[Discriminator]func() any{
			Email:            func() any { return &EmailRequest{} },
			SMS:              func() any { return &SMSRequest{} },
			InAppPush:        func() any { return &PushRequest{} },
			Factura:          func() any { return &InvoiceNotice{} },
			CitaConfirmacion: func() any { return &AppointmentConfirmation{} },
			Bienvenida:       func() any { return &WelcomeRequest{} },
		},
	},
)

func jsonName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fallback
	}
	return name
}

// trimNamespace drops the root type name from a validator namespace,
// e.g. "OrderCompleted.items[0].cantidad" becomes "items[0].cantidad".
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func typeErrorFields(err error) []string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return []string{typeErr.Field}
	}
	return nil
}
