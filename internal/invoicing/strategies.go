package invoicing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/workflow"

	"github.com/google/uuid"
)

// Origin types of invoice idempotency keys.
const (
	OriginOrder       = "order"
	OriginAppointment = "appointment_charge"
)

// WorkflowName is the name of the order-completed to invoice workflow.
const WorkflowName = "order-invoice"

// ProductsStrategy bills a product order, one line per item. The total is the one
// sent by the ordering service.
type ProductsStrategy struct {
	now func() time.Time
}

func NewProductsStrategy() *ProductsStrategy {
	return &ProductsStrategy{now: func() time.Time { return time.Now().UTC() }}
}

func (s *ProductsStrategy) Execute(ctx context.Context, in workflow.Input) (workflow.Artifact, error) {
	order, ok := in.Payload.(*events.OrderCompleted)
	if !ok {
		return nil, fmt.Errorf("products invoice: unexpected payload %T", in.Payload)
	}

	inv := &Invoice{
		ID:            uuid.NewString(),
		OriginType:    in.Key.OriginType,
		OriginID:      in.Key.OriginID,
		Kind:          string(events.Productos),
		UsuarioID:     order.UsuarioID,
		ClienteNombre: order.ClienteNombre,
		ClienteEmail:  order.ClienteEmail,
		Total:         *order.TotalPedido,
		OrderedAt:     order.FechaCreacion.Time,
		IssuedAt:      s.now(),
		CorrelationID: in.Envelope.CorrelationID,
		Lines:         itemLines(order.Items),
	}
	return inv, nil
}

// AppointmentStrategy bills an appointment charged through the ordering flow. Without
// items a single service line carries the whole amount.
type AppointmentStrategy struct {
	now func() time.Time
}

func NewAppointmentStrategy() *AppointmentStrategy {
	return &AppointmentStrategy{now: func() time.Time { return time.Now().UTC() }}
}

func (s *AppointmentStrategy) Execute(ctx context.Context, in workflow.Input) (workflow.Artifact, error) {
	charge, ok := in.Payload.(*events.AppointmentCharge)
	if !ok {
		return nil, fmt.Errorf("appointment invoice: unexpected payload %T", in.Payload)
	}

	lines := itemLines(charge.Items)
	if len(lines) == 0 {
		lines = []InvoiceLine{{
			Position:       1,
			Description:    fmt.Sprintf("Cita %d", *charge.CitaID),
			Cantidad:       1,
			PrecioUnitario: *charge.TotalPedido,
			Subtotal:       *charge.TotalPedido,
		}}
	}

	return &Invoice{
		ID:            uuid.NewString(),
		OriginType:    in.Key.OriginType,
		OriginID:      in.Key.OriginID,
		Kind:          string(events.Cita),
		UsuarioID:     charge.UsuarioID,
		ClienteNombre: charge.ClienteNombre,
		ClienteEmail:  charge.ClienteEmail,
		Total:         *charge.TotalPedido,
		OrderedAt:     charge.FechaCreacion.Time,
		IssuedAt:      s.now(),
		CorrelationID: in.Envelope.CorrelationID,
		Lines:         lines,
	}, nil
}

func itemLines(items []events.OrderItem) []InvoiceLine {
	lines := make([]InvoiceLine, 0, len(items))
	for i, item := range items {
		lines = append(lines, InvoiceLine{
			Position:       i + 1,
			ProductoID:     item.ProductoID,
			Cantidad:       item.Cantidad,
			PrecioUnitario: *item.PrecioUnitario,
			Subtotal:       float64(item.Cantidad) * *item.PrecioUnitario,
		})
	}
	return lines
}

// Key derives the invoice key: the order id for PRODUCTOS, the appointment id for CITA.
func Key(in workflow.Input) (idempotency.Key, error) {
	switch p := in.Payload.(type) {
	case *events.OrderCompleted:
		return idempotency.Key{OriginID: strconv.FormatInt(*p.PedidoID, 10), OriginType: OriginOrder}, nil
	case *events.AppointmentCharge:
		return idempotency.Key{OriginID: strconv.FormatInt(*p.CitaID, 10), OriginType: OriginAppointment}, nil
	default:
		return idempotency.Key{}, fmt.Errorf("invoice key: unexpected payload %T", in.Payload)
	}
}

// FollowOn announces the invoice to the customer with a FACTURA notification request.
func FollowOn(in workflow.Input, artifact workflow.Artifact) ([]events.Envelope, error) {
	inv, ok := artifact.(*Invoice)
	if !ok {
		return nil, fmt.Errorf("invoice follow-on: unexpected artifact %T", artifact)
	}
	notice := events.InvoiceNotice{
		FacturaID: inv.ID,
		Nombre:    inv.ClienteNombre,
		Correo:    inv.ClienteEmail,
		Total:     strconv.FormatFloat(inv.Total, 'f', 2, 64),
		Items:     inv.ItemsSummary(),
		Fecha:     inv.OrderedAt.Format(time.RFC3339),
	}
	env, err := events.NewEnvelope(events.TopicNotificationRequest, events.Factura, in.Envelope.CorrelationID, inv.ClienteEmail, notice)
	if err != nil {
		return nil, err
	}
	return []events.Envelope{env}, nil
}

// NewRegistry returns the invoice strategies keyed by order-completed discriminator.
func NewRegistry() *workflow.Registry {
	return workflow.NewRegistry(events.Schemas.Discriminators(events.TopicOrderCompleted)...).
		MustRegister(events.Productos, NewProductsStrategy()).
		MustRegister(events.Cita, NewAppointmentStrategy()).
		Seal()
}

// Definition describes the order-completed to invoice workflow.
func Definition(registry *workflow.Registry, timeout time.Duration) workflow.Definition {
	return workflow.Definition{
		Name:       WorkflowName,
		Topic:      events.TopicOrderCompleted,
		Key:        Key,
		Strategies: registry,
		Timeout:    timeout,
		FollowOn:   FollowOn,
	}
}

// Models lists the tables owned by the invoice role.
func Models() []any {
	return []any{&Invoice{}, &InvoiceLine{}}
}
