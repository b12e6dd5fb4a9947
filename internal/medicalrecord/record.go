package medicalrecord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/workflow"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OriginAppointment is the origin type of medical-record keys.
const OriginAppointment = "appointment"

// WorkflowName is the name of the appointment-completed to medical-record workflow.
const WorkflowName = "appointment-medical-record"

// Entry is one consultation appended to a pet's medical history.
type Entry struct {
	ID                     string     `gorm:"column:id;primaryKey;size:36"`
	CitaID                 int64      `gorm:"column:cita_id;not null;uniqueIndex"`
	PetID                  int64      `gorm:"column:pet_id;not null;index"`
	PetNombre              string     `gorm:"column:pet_nombre;size:255"`
	PetEspecie             string     `gorm:"column:pet_especie;size:64"`
	VeterinarianID         int64      `gorm:"column:veterinarian_id;not null"`
	Fecha                  time.Time  `gorm:"column:fecha;not null"`
	Diagnostico            string     `gorm:"column:diagnostico;type:text;not null"`
	Tratamiento            string     `gorm:"column:tratamiento;type:text;not null"`
	Observaciones          string     `gorm:"column:observaciones;type:text"`
	Peso                   float64    `gorm:"column:peso;not null"`
	Temperatura            float64    `gorm:"column:temperatura;not null"`
	FrecuenciaCardiaca     int        `gorm:"column:frecuencia_cardiaca;not null"`
	FrecuenciaRespiratoria int        `gorm:"column:frecuencia_respiratoria;not null"`
	EstadoGeneral          string     `gorm:"column:estado_general;size:255;not null"`
	ExamenesRealizados     string     `gorm:"column:examenes_realizados;type:text"`
	MedicamentosRecetados  string     `gorm:"column:medicamentos_recetados;type:text"`
	ProximaCita            *time.Time `gorm:"column:proxima_cita"`
	CorrelationID          string     `gorm:"column:correlation_id;size:255"`
	CreatedAt              time.Time  `gorm:"column:created_at;not null"`
}

func (Entry) TableName() string { return "medical_record_entries" }

func (e *Entry) Persist(ctx context.Context, tx *gorm.DB) error {
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("insert medical record for cita %d: %w", e.CitaID, err)
	}
	return nil
}

// ConsultationStrategy turns a completed appointment into a medical-record entry.
// When a pet directory is configured the pet must exist.
type ConsultationStrategy struct {
	pets PetDirectory
	now  func() time.Time
}

func NewConsultationStrategy(pets PetDirectory) *ConsultationStrategy {
	return &ConsultationStrategy{pets: pets, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ConsultationStrategy) Execute(ctx context.Context, in workflow.Input) (workflow.Artifact, error) {
	appt, ok := in.Payload.(*events.AppointmentCompleted)
	if !ok {
		return nil, fmt.Errorf("consultation: unexpected payload %T", in.Payload)
	}

	entry := &Entry{
		ID:                     uuid.NewString(),
		CitaID:                 *appt.CitaID,
		PetID:                  *appt.PetID,
		VeterinarianID:         *appt.VeterinarianID,
		Fecha:                  appt.Fecha.Time,
		Diagnostico:            appt.Diagnostico,
		Tratamiento:            appt.Tratamiento,
		Observaciones:          *appt.Observaciones,
		Peso:                   *appt.Peso,
		Temperatura:            *appt.Temperatura,
		FrecuenciaCardiaca:     *appt.FrecuenciaCardiaca,
		FrecuenciaRespiratoria: *appt.FrecuenciaRespiratoria,
		EstadoGeneral:          appt.EstadoGeneral,
		ExamenesRealizados:     *appt.ExamenesRealizados,
		MedicamentosRecetados:  *appt.MedicamentosRecetados,
		CorrelationID:          in.Envelope.CorrelationID,
		CreatedAt:              s.now(),
	}
	if !appt.ProximaCita.IsZero() {
		next := appt.ProximaCita.Time
		entry.ProximaCita = &next
	}

	if s.pets != nil {
		pet, err := s.pets.Pet(ctx, *appt.PetID)
		if err != nil {
			if errors.Is(err, ErrPetNotFound) {
				return nil, fmt.Errorf("cita %d references unknown pet: %w", *appt.CitaID, err)
			}
			return nil, err
		}
		entry.PetNombre = pet.Nombre
		entry.PetEspecie = pet.Especie
	}
	return entry, nil
}

// Key derives the medical-record key from the appointment id.
func Key(in workflow.Input) (idempotency.Key, error) {
	appt, ok := in.Payload.(*events.AppointmentCompleted)
	if !ok {
		return idempotency.Key{}, fmt.Errorf("medical record key: unexpected payload %T", in.Payload)
	}
	return idempotency.Key{OriginID: strconv.FormatInt(*appt.CitaID, 10), OriginType: OriginAppointment}, nil
}

// NewRegistry returns the medical-record strategies.
func NewRegistry(pets PetDirectory) *workflow.Registry {
	return workflow.NewRegistry(events.Consulta).
		MustRegister(events.Consulta, NewConsultationStrategy(pets)).
		Seal()
}

// Definition describes the appointment-completed to medical-record workflow. The
// topic carries no discriminator; every delivery is a CONSULTA.
func Definition(registry *workflow.Registry, timeout time.Duration) workflow.Definition {
	return workflow.Definition{
		Name:          WorkflowName,
		Topic:         events.TopicAppointmentCompleted,
		Key:           Key,
		Discriminator: func(events.Discriminator) events.Discriminator { return events.Consulta },
		Strategies:    registry,
		Timeout:       timeout,
	}
}

func Models() []any {
	return []any{&Entry{}}
}
