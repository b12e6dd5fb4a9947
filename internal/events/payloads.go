package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topics
const (
	TopicOrderCompleted       Topic = "order-completed"
	TopicAppointmentCompleted Topic = "appointment-completed"
	TopicUserRegistered       Topic = "user-registered"
	TopicNotificationRequest  Topic = "notification-request"
)

// Invoicing discriminators carried by order-completed.
const (
	Productos Discriminator = "PRODUCTOS"
	Cita      Discriminator = "CITA"
)

// Medical-record discriminator applied to appointment-completed.
const (
	Consulta Discriminator = "CONSULTA"
)

// Notification discriminators carried by notification-request as "tipo".
const (
	Email            Discriminator = "EMAIL"
	SMS              Discriminator = "SMS"
	InAppPush        Discriminator = "IN_APP_PUSH"
	Factura          Discriminator = "FACTURA"
	CitaConfirmacion Discriminator = "CITA_CONFIRMACION"
	Bienvenida       Discriminator = "BIENVENIDA"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp accepts RFC 3339 as well as zone-less local date-times, which several
// producers emit. Zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// OrderItem is one line of a completed order.
type OrderItem struct {
	ProductoID     *int64   `json:"productoId" validate:"required"`
	Cantidad       int      `json:"cantidad" validate:"gt=0"`
	PrecioUnitario *float64 `json:"precioUnitario" validate:"required,gte=0"`
}

// OrderCompleted is the order-completed payload for discriminator PRODUCTOS.
type OrderCompleted struct {
	PedidoID      *int64      `json:"pedidoId" validate:"required"`
	UsuarioID     *int64      `json:"usuarioId,omitempty"`
	ClienteNombre string      `json:"clienteNombre" validate:"required"`
	ClienteEmail  string      `json:"clienteEmail" validate:"required,email"`
	TotalPedido   *float64    `json:"totalPedido" validate:"required,gte=0"`
	FechaCreacion *Timestamp  `json:"fechaCreacion" validate:"required"`
	Items         []OrderItem `json:"items" validate:"required,min=1,dive"`
}

// AppointmentCharge is the order-completed payload for discriminator CITA: an
// appointment billed through the ordering flow.
type AppointmentCharge struct {
	CitaID        *int64      `json:"citaId" validate:"required"`
	UsuarioID     *int64      `json:"usuarioId,omitempty"`
	ClienteNombre string      `json:"clienteNombre" validate:"required"`
	ClienteEmail  string      `json:"clienteEmail" validate:"required,email"`
	TotalPedido   *float64    `json:"totalPedido" validate:"required,gte=0"`
	FechaCreacion *Timestamp  `json:"fechaCreacion" validate:"required"`
	Items         []OrderItem `json:"items,omitempty" validate:"omitempty,dive"`
}

// AppointmentCompleted is the appointment-completed payload.
type AppointmentCompleted struct {
	CitaID                 *int64     `json:"citaId" validate:"required"`
	PetID                  *int64     `json:"petId" validate:"required"`
	VeterinarianID         *int64     `json:"veterinarianId" validate:"required"`
	Fecha                  *Timestamp `json:"fecha" validate:"required"`
	Diagnostico            string     `json:"diagnostico" validate:"required"`
	Tratamiento            string     `json:"tratamiento" validate:"required"`
	Observaciones          *string    `json:"observaciones" validate:"required"`
	Peso                   *float64   `json:"peso" validate:"required,gt=0"`
	Temperatura            *float64   `json:"temperatura" validate:"required,gt=0"`
	FrecuenciaCardiaca     *int       `json:"frecuenciaCardiaca" validate:"required,gt=0"`
	FrecuenciaRespiratoria *int       `json:"frecuenciaRespiratoria" validate:"required,gt=0"`
	EstadoGeneral          string     `json:"estadoGeneral" validate:"required"`
	ExamenesRealizados     *string    `json:"examenesRealizados" validate:"required"`
	MedicamentosRecetados  *string    `json:"medicamentosRecetados" validate:"required"`
	ProximaCita            *Timestamp `json:"proximaCita" validate:"required"`

	// Optional contact details used by the confirmation notification.
	ClienteEmail string `json:"clienteEmail,omitempty" validate:"omitempty,email"`
}

// UserRegistered is the user-registered payload.
type UserRegistered struct {
	Nombre string `json:"nombre" validate:"required"`
	Correo string `json:"correo" validate:"required,email"`
}

// Notification-request payloads. On the wire every notification request is a
// string-to-string mapping; each tipo requires its own subset of keys.

type EmailRequest struct {
	Nombre  string `json:"nombre" validate:"required"`
	Correo  string `json:"correo" validate:"required,email"`
	Asunto  string `json:"asunto,omitempty"`
	Mensaje string `json:"mensaje,omitempty"`
}

type SMSRequest struct {
	Telefono string `json:"telefono" validate:"required,e164"`
	Mensaje  string `json:"mensaje" validate:"required"`
}

type PushRequest struct {
	UsuarioID string `json:"usuarioId" validate:"required"`
	Titulo    string `json:"titulo" validate:"required"`
	Mensaje   string `json:"mensaje" validate:"required"`
}

type InvoiceNotice struct {
	FacturaID string `json:"facturaId" validate:"required"`
	Nombre    string `json:"nombre,omitempty"`
	Correo    string `json:"correo" validate:"required,email"`
	Total     string `json:"total" validate:"required,numeric"`
	Items     string `json:"items" validate:"required"`
	Fecha     string `json:"fecha" validate:"required"`
}

type AppointmentConfirmation struct {
	CitaID string `json:"citaId" validate:"required"`
	Correo string `json:"correo" validate:"required,email"`
	Fecha  string `json:"fecha" validate:"required"`
}

type WelcomeRequest struct {
	Nombre string `json:"nombre" validate:"required"`
	Correo string `json:"correo" validate:"required,email"`
}
