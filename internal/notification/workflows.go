package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/workflow"

	"github.com/google/uuid"
)

// Workflow names.
const (
	RequestWorkflow      = "notification-request"
	AppointmentWorkflow  = "appointment-notification"
	RegistrationWorkflow = "user-registered-notification"
)

// Origin types of notification keys.
const (
	OriginAppointment  = "appointment_confirmation"
	OriginRegistration = "user_welcome"
	originRequest      = "notification_request"
)

// Channels holds the delivery channels available to a process. A nil channel leaves
// the notification types it serves unregistered.
type Channels struct {
	Email Channel
	SMS   Channel
	Push  Channel
}

// ChannelStrategy renders the payload and sends it through one channel.
type ChannelStrategy struct {
	channel Channel
	now     func() time.Time
}

func NewChannelStrategy(channel Channel) *ChannelStrategy {
	return &ChannelStrategy{channel: channel, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ChannelStrategy) Execute(ctx context.Context, in workflow.Input) (workflow.Artifact, error) {
	msg, err := Render(in.Payload)
	if err != nil {
		return nil, err
	}
	if msg.Recipient == "" {
		return nil, &workflow.MalformedEventError{Cause: fmt.Errorf("%s notification has no recipient", in.Discriminator)}
	}

	receipt := &Receipt{
		ID:            uuid.NewString(),
		OriginType:    in.Key.OriginType,
		OriginID:      in.Key.OriginID,
		Tipo:          string(in.Discriminator),
		Channel:       s.channel.Name(),
		Recipient:     msg.Recipient,
		Subject:       msg.Subject,
		CorrelationID: in.Envelope.CorrelationID,
		SentAt:        s.now(),
	}
	ref, err := s.channel.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("send %s via %s: %w", in.Discriminator, s.channel.Name(), err)
	}
	receipt.ProviderRef = ref
	return receipt, nil
}

// NewRequestRegistry binds every notification-request tipo whose channel is
// available.
func NewRequestRegistry(ch Channels) (*workflow.Registry, error) {
	r := workflow.NewRegistry(events.Schemas.Discriminators(events.TopicNotificationRequest)...)
	bind := func(channel Channel, tipos ...events.Discriminator) error {
		if channel == nil {
			return nil
		}
		strategy := NewChannelStrategy(channel)
		for _, tipo := range tipos {
			if err := r.Register(tipo, strategy); err != nil {
				return err
			}
		}
		return nil
	}
	err := errors.Join(
		bind(ch.Email, events.Email, events.Factura, events.CitaConfirmacion, events.Bienvenida),
		bind(ch.SMS, events.SMS),
		bind(ch.Push, events.InAppPush),
	)
	if err != nil {
		return nil, err
	}
	return r.Seal(), nil
}

// RequestKey keys a notification request by what it announces: the invoice for
// FACTURA, the appointment for CITA_CONFIRMACION and the recipient for BIENVENIDA.
// Free-form requests are keyed by their event id.
func RequestKey(in workflow.Input) (idempotency.Key, error) {
	var originID string
	switch p := in.Payload.(type) {
	case *events.InvoiceNotice:
		originID = p.FacturaID
	case *events.AppointmentConfirmation:
		originID = p.CitaID
	case *events.WelcomeRequest:
		originID = strings.ToLower(p.Correo)
	default:
		originID = in.Envelope.EventID
	}
	if strings.TrimSpace(originID) == "" {
		return idempotency.Key{}, fmt.Errorf("notification request %s: no origin identifier", in.Discriminator)
	}
	return idempotency.Key{
		OriginID:   originID,
		OriginType: originRequest + ":" + strings.ToLower(string(in.Discriminator)),
	}, nil
}

// RequestDefinition describes the notification-request workflow.
func RequestDefinition(registry *workflow.Registry, timeout time.Duration) workflow.Definition {
	return workflow.Definition{
		Name:       RequestWorkflow,
		Topic:      events.TopicNotificationRequest,
		Key:        RequestKey,
		Strategies: registry,
		Timeout:    timeout,
	}
}

// NewAppointmentRegistry binds the appointment confirmation to the email channel.
func NewAppointmentRegistry(email Channel) *workflow.Registry {
	r := workflow.NewRegistry(events.CitaConfirmacion)
	if email != nil {
		r.MustRegister(events.CitaConfirmacion, NewChannelStrategy(email))
	}
	return r.Seal()
}

// AppointmentDefinition describes the appointment-completed to notification
// workflow.
func AppointmentDefinition(registry *workflow.Registry, timeout time.Duration) workflow.Definition {
	return workflow.Definition{
		Name:  AppointmentWorkflow,
		Topic: events.TopicAppointmentCompleted,
		Key: func(in workflow.Input) (idempotency.Key, error) {
			appt, ok := in.Payload.(*events.AppointmentCompleted)
			if !ok {
				return idempotency.Key{}, fmt.Errorf("appointment notification key: unexpected payload %T", in.Payload)
			}
			return idempotency.Key{OriginID: strconv.FormatInt(*appt.CitaID, 10), OriginType: OriginAppointment}, nil
		},
		Discriminator: func(events.Discriminator) events.Discriminator { return events.CitaConfirmacion },
		Strategies:    registry,
		Timeout:       timeout,
	}
}

// NewRegistrationRegistry binds the welcome message to the email channel.
func NewRegistrationRegistry(email Channel) *workflow.Registry {
	r := workflow.NewRegistry(events.Bienvenida)
	if email != nil {
		r.MustRegister(events.Bienvenida, NewChannelStrategy(email))
	}
	return r.Seal()
}

// RegistrationDefinition describes the user-registered to notification workflow.
func RegistrationDefinition(registry *workflow.Registry, timeout time.Duration) workflow.Definition {
	return workflow.Definition{
		Name:  RegistrationWorkflow,
		Topic: events.TopicUserRegistered,
		Key: func(in workflow.Input) (idempotency.Key, error) {
			user, ok := in.Payload.(*events.UserRegistered)
			if !ok {
				return idempotency.Key{}, fmt.Errorf("welcome key: unexpected payload %T", in.Payload)
			}
			return idempotency.Key{OriginID: strings.ToLower(user.Correo), OriginType: OriginRegistration}, nil
		},
		Discriminator: func(events.Discriminator) events.Discriminator { return events.Bienvenida },
		Strategies:    registry,
		Timeout:       timeout,
	}
}

func Models() []any {
	return []any{&Receipt{}}
}
