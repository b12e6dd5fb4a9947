package medicalrecord_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/medicalrecord"
	"eventflow/internal/platform/httpclient"
	"eventflow/internal/testutil"
	"eventflow/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type stubPets map[int64]medicalrecord.Pet

func (s stubPets) Pet(_ context.Context, id int64) (medicalrecord.Pet, error) {
	pet, ok := s[id]
	if !ok {
		return medicalrecord.Pet{}, medicalrecord.ErrPetNotFound
	}
	return pet, nil
}

func newOrchestrator(t *testing.T, pets medicalrecord.PetDirectory) (*workflow.Orchestrator, *gorm.DB) {
	t.Helper()
	gdb := testutil.NewDB(t, append([]any{&idempotency.Claim{}}, medicalrecord.Models()...)...)
	orch, err := workflow.NewOrchestrator(
		medicalrecord.Definition(medicalrecord.NewRegistry(pets), time.Second),
		gdb, idempotency.NewGuard(gdb), zaptest.NewLogger(t), otel.Tracer("test"),
	)
	require.NoError(t, err)
	return orch, gdb
}

func appointmentCompleted(t *testing.T, mutate func(map[string]any)) events.Envelope {
	t.Helper()
	p := map[string]any{
		"citaId": 77, "petId": 5, "veterinarianId": 3,
		"fecha":       "2024-05-02T09:00:00Z",
		"diagnostico": "Otitis", "tratamiento": "Gotas óticas", "observaciones": "",
		"peso": 12.4, "temperatura": 38.6, "frecuenciaCardiaca": 110, "frecuenciaRespiratoria": 24,
		"estadoGeneral": "Bueno", "examenesRealizados": "Otoscopia", "medicamentosRecetados": "Otomax",
		"proximaCita": "2024-05-16",
	}
	if mutate != nil {
		mutate(p)
	}
	env, err := events.NewEnvelope(events.TopicAppointmentCompleted, "", "", "77", p)
	require.NoError(t, err)
	return env
}

func TestAppointmentCompleted_AppendsEntryOnce(t *testing.T) {
	orch, gdb := newOrchestrator(t, stubPets{5: {ID: 5, Nombre: "Firulais", Especie: "Perro"}})
	env := appointmentCompleted(t, nil)

	out, err := orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, out.Status)
	assert.Equal(t, events.Consulta, out.Discriminator)

	var entry medicalrecord.Entry
	require.NoError(t, gdb.First(&entry, "cita_id = ?", 77).Error)
	assert.Equal(t, "Firulais", entry.PetNombre)
	assert.Equal(t, 38.6, entry.Temperatura)
	require.NotNil(t, entry.ProximaCita)

	out, err = orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAlreadyProcessed, out.Status)
	assert.Equal(t, int64(1), testutil.Count(t, gdb, &medicalrecord.Entry{}))
}

func TestAppointmentCompleted_UnknownPetRollsBack(t *testing.T) {
	orch, gdb := newOrchestrator(t, stubPets{})

	_, err := orch.Handle(context.Background(), appointmentCompleted(t, nil))
	var se *workflow.StrategyExecutionError
	require.ErrorAs(t, err, &se)
	assert.True(t, errors.Is(err, medicalrecord.ErrPetNotFound))
	assert.Zero(t, testutil.Count(t, gdb, &idempotency.Claim{}))
	assert.Zero(t, testutil.Count(t, gdb, &medicalrecord.Entry{}))
}

func TestAppointmentCompleted_MissingFieldLeavesClaimsUntouched(t *testing.T) {
	orch, gdb := newOrchestrator(t, nil)

	_, err := orch.Handle(context.Background(), appointmentCompleted(t, func(p map[string]any) { delete(p, "diagnostico") }))
	var me *workflow.MalformedEventError
	require.ErrorAs(t, err, &me)
	assert.Zero(t, testutil.Count(t, gdb, &idempotency.Claim{}))
}

func TestHTTPPetDirectory_CachesLookups(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/pets/5" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":5,"nombre":"Firulais","especie":"Perro"}`))
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	dir := medicalrecord.NewHTTPPetDirectory(httpclient.New("pets", time.Second, 3, logger), srv.URL+"/", time.Minute, logger)

	for i := 0; i < 3; i++ {
		pet, err := dir.Pet(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, "Firulais", pet.Nombre)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := dir.Pet(context.Background(), 6)
	assert.ErrorIs(t, err, medicalrecord.ErrPetNotFound)
}
