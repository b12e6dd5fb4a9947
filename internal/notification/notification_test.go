package notification_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/consumer"
	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/notification"
	"eventflow/internal/platform/httpclient"
	"eventflow/internal/testutil"
	"eventflow/internal/workflow"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingChannel struct {
	name string
	mu   sync.Mutex
	sent []notification.Message
	err  error
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, msg notification.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.sent = append(c.sent, msg)
	return "ref-1", nil
}

func (c *recordingChannel) Sent() []notification.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notification.Message(nil), c.sent...)
}

func newDB(t *testing.T) *gorm.DB {
	return testutil.NewDB(t, append([]any{&idempotency.Claim{}}, notification.Models()...)...)
}

func newOrchestrator(t *testing.T, gdb *gorm.DB, def workflow.Definition) *workflow.Orchestrator {
	t.Helper()
	orch, err := workflow.NewOrchestrator(def, gdb, idempotency.NewGuard(gdb), zaptest.NewLogger(t), otel.Tracer("test"))
	require.NoError(t, err)
	return orch
}

func request(t *testing.T, tipo events.Discriminator, correlationID string, payload map[string]string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TopicNotificationRequest, tipo, correlationID, correlationID, payload)
	require.NoError(t, err)
	return env
}

func TestRequest_FacturaSentOnce(t *testing.T) {
	gdb := newDB(t)
	email := &recordingChannel{name: "email"}
	registry, err := notification.NewRequestRegistry(notification.Channels{Email: email})
	require.NoError(t, err)
	orch := newOrchestrator(t, gdb, notification.RequestDefinition(registry, time.Second))

	env := request(t, events.Factura, "corr-501", map[string]string{
		"facturaId": "f-501", "correo": "ana@example.com", "total": "150.00", "items": "2 x 12", "fecha": "2024-05-01",
	})
	out, err := orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, out.Status)

	out, err = orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAlreadyProcessed, out.Status)

	sent := email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ana@example.com", sent[0].Recipient)
	assert.Contains(t, sent[0].Body, "150.00")

	var receipt notification.Receipt
	require.NoError(t, gdb.First(&receipt).Error)
	assert.Equal(t, "FACTURA", receipt.Tipo)
	assert.Equal(t, "ref-1", receipt.ProviderRef)
}

func TestRequest_ChannelFailureRollsBack(t *testing.T) {
	gdb := newDB(t)
	email := &recordingChannel{name: "email", err: errors.New("gateway 503")}
	registry, err := notification.NewRequestRegistry(notification.Channels{Email: email})
	require.NoError(t, err)
	orch := newOrchestrator(t, gdb, notification.RequestDefinition(registry, time.Second))

	_, err = orch.Handle(context.Background(), request(t, events.Email, "corr-1", map[string]string{"nombre": "Ana", "correo": "ana@example.com"}))
	assert.True(t, workflow.Retryable(err))
	assert.Zero(t, testutil.Count(t, gdb, &idempotency.Claim{}))
	assert.Zero(t, testutil.Count(t, gdb, &notification.Receipt{}))
}

func TestRequest_UnregisteredSMSIsDeadLettered(t *testing.T) {
	gdb := newDB(t)
	registry, err := notification.NewRequestRegistry(notification.Channels{Email: &recordingChannel{name: "email"}})
	require.NoError(t, err)
	orch := newOrchestrator(t, gdb, notification.RequestDefinition(registry, time.Second))

	logger := zaptest.NewLogger(t)
	source := testutil.NewMemoryConsumer()
	producer := &testutil.MemoryProducer{}
	loop := consumer.NewLoop(string(events.TopicNotificationRequest), source, orch,
		consumer.NewDeadLetterPublisher(producer, logger, nil), logger, otel.Tracer("test"), nil,
		config.ConsumerConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	msg, err := events.ToMessage(request(t, events.SMS, "corr-sms", map[string]string{"telefono": "+5215512345678", "mensaje": "Hola"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	source.Push(msg)

	require.Eventually(t, func() bool { return len(source.Committed()) == 1 }, testutil.WaitTimeout, testutil.Tick)
	cancel()
	require.NoError(t, <-done)

	dlq := producer.MessagesFor("notification-request.dlq")
	require.Len(t, dlq, 1)
	assert.Equal(t, "unsupported", events.Header(dlq[0], consumer.HeaderErrorClass))
	assert.Equal(t, "1", events.Header(dlq[0], consumer.HeaderAttempts))
	assert.Zero(t, testutil.Count(t, gdb, &idempotency.Claim{}))
	assert.Zero(t, testutil.Count(t, gdb, &notification.Receipt{}))
}

func TestRequest_SameCorrelationDifferentTipos(t *testing.T) {
	gdb := newDB(t)
	email := &recordingChannel{name: "email"}
	sms := &recordingChannel{name: "sms"}
	registry, err := notification.NewRequestRegistry(notification.Channels{Email: email, SMS: sms})
	require.NoError(t, err)
	orch := newOrchestrator(t, gdb, notification.RequestDefinition(registry, time.Second))

	_, err = orch.Handle(context.Background(), request(t, events.Email, "corr-9", map[string]string{"nombre": "Ana", "correo": "ana@example.com"}))
	require.NoError(t, err)
	_, err = orch.Handle(context.Background(), request(t, events.SMS, "corr-9", map[string]string{"telefono": "+5215512345678", "mensaje": "Hola"}))
	require.NoError(t, err)

	assert.Len(t, email.Sent(), 1)
	assert.Len(t, sms.Sent(), 1)
}

func TestRequestKey_IdentifiesWhatIsAnnounced(t *testing.T) {
	gdb := newDB(t)
	email := &recordingChannel{name: "email"}
	registry, err := notification.NewRequestRegistry(notification.Channels{Email: email})
	require.NoError(t, err)
	orch := newOrchestrator(t, gdb, notification.RequestDefinition(registry, time.Second))
	ctx := context.Background()

	factura := func(id string) events.Envelope {
		return request(t, events.Factura, "checkout-1", map[string]string{
			"facturaId": id, "correo": "ana@example.com", "total": "10.00", "items": "1 x 3", "fecha": "2024-05-01",
		})
	}
	first := factura("f-1")
	for _, env := range []events.Envelope{first, factura("f-2"), first} {
		_, err := orch.Handle(ctx, env)
		require.NoError(t, err)
	}
	assert.Len(t, email.Sent(), 2)

	free := map[string]string{"nombre": "Ana", "correo": "ana@example.com", "mensaje": "Hola"}
	a, b := request(t, events.Email, "checkout-1", free), request(t, events.Email, "checkout-1", free)
	outA, err := orch.Handle(ctx, a)
	require.NoError(t, err)
	_, err = orch.Handle(ctx, b)
	require.NoError(t, err)
	assert.Len(t, email.Sent(), 4)
	assert.Equal(t, a.EventID, outA.Key.OriginID)

	out, err := orch.Handle(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAlreadyProcessed, out.Status)
	assert.Len(t, email.Sent(), 4)
}

func TestAppointmentNotification(t *testing.T) {
	base := map[string]any{
		"citaId": 77, "petId": 5, "veterinarianId": 3, "fecha": "2024-05-02T09:00:00Z",
		"diagnostico": "Otitis", "tratamiento": "Gotas", "observaciones": "",
		"peso": 12.4, "temperatura": 38.6, "frecuenciaCardiaca": 110, "frecuenciaRespiratoria": 24,
		"estadoGeneral": "Bueno", "examenesRealizados": "", "medicamentosRecetados": "", "proximaCita": "2024-05-16",
	}

	t.Run("with contact", func(t *testing.T) {
		gdb := newDB(t)
		email := &recordingChannel{name: "email"}
		orch := newOrchestrator(t, gdb, notification.AppointmentDefinition(notification.NewAppointmentRegistry(email), time.Second))

		p := map[string]any{"clienteEmail": "ana@example.com"}
		for k, v := range base {
			p[k] = v
		}
		env, err := events.NewEnvelope(events.TopicAppointmentCompleted, "", "", "77", p)
		require.NoError(t, err)

		out, err := orch.Handle(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, events.CitaConfirmacion, out.Discriminator)
		require.Len(t, email.Sent(), 1)
		assert.Contains(t, email.Sent()[0].Body, "Próxima cita: 2024-05-16")
	})

	t.Run("without contact", func(t *testing.T) {
		gdb := newDB(t)
		email := &recordingChannel{name: "email"}
		orch := newOrchestrator(t, gdb, notification.AppointmentDefinition(notification.NewAppointmentRegistry(email), time.Second))

		env, err := events.NewEnvelope(events.TopicAppointmentCompleted, "", "", "77", base)
		require.NoError(t, err)

		_, err = orch.Handle(context.Background(), env)
		var me *workflow.MalformedEventError
		require.ErrorAs(t, err, &me)
		assert.ErrorContains(t, err, "no recipient")
		assert.False(t, workflow.Retryable(err))
		assert.Empty(t, email.Sent())
		assert.Zero(t, testutil.Count(t, gdb, &idempotency.Claim{}))
		assert.Zero(t, testutil.Count(t, gdb, &notification.Receipt{}))
	})
}

func TestRegistrationNotification_KeyedByEmail(t *testing.T) {
	gdb := newDB(t)
	email := &recordingChannel{name: "email"}
	orch := newOrchestrator(t, gdb, notification.RegistrationDefinition(notification.NewRegistrationRegistry(email), time.Second))

	for _, correo := range []string{"Ana@Example.com", "ana@example.com"} {
		env, err := events.NewEnvelope(events.TopicUserRegistered, "", "", correo, events.UserRegistered{Nombre: "Ana", Correo: correo})
		require.NoError(t, err)
		_, err = orch.Handle(context.Background(), env)
		require.NoError(t, err)
	}
	require.Len(t, email.Sent(), 1)
	assert.Equal(t, "Bienvenido", email.Sent()[0].Subject)
}

func TestEmailChannel_PostsToGateway(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"mail-42"}`))
	}))
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	ch := notification.NewEmailChannel(httpclient.New("email", time.Second, 3, logger), srv.URL, "secret", "no-reply@vet.local")
	ref, err := ch.Send(context.Background(), notification.Message{Recipient: "ana@example.com", Subject: "Hola", Body: "Texto"})
	require.NoError(t, err)
	assert.Equal(t, "mail-42", ref)
	assert.Equal(t, "ana@example.com", got["to"])
	assert.Equal(t, "no-reply@vet.local", got["from"])
}

type fakePublisher struct {
	channel string
	message []byte
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	p.channel = channel
	p.message = message.([]byte)
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestPushChannel_PublishesOnRedis(t *testing.T) {
	pub := &fakePublisher{}
	ch := notification.NewPushChannel(pub, "in-app-push")

	ref, err := ch.Send(context.Background(), notification.Message{Recipient: "9", Subject: "Pedido", Body: "Listo"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, "in-app-push", pub.channel)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(pub.message, &payload))
	assert.Equal(t, "9", payload["usuarioId"])
	assert.Equal(t, "Pedido", payload["titulo"])
}
