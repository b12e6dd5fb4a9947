package invoicing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/invoicing"
	"eventflow/internal/notification"
	"eventflow/internal/outbox"
	"eventflow/internal/testutil"
	"eventflow/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"pgregory.net/rapid"
)

type fixture struct {
	db       *gorm.DB
	producer *testutil.MemoryProducer
	orch     *workflow.Orchestrator
}

func newFixture(t testutil.TB, logger *zap.Logger) *fixture {
	t.Helper()
	models := append([]any{&idempotency.Claim{}, &outbox.Message{}}, invoicing.Models()...)
	gdb := testutil.NewDB(t, models...)
	producer := &testutil.MemoryProducer{}
	relay := outbox.NewRelay(gdb, producer, logger, otel.Tracer("test"), nil, config.OutboxConfig{})

	orch, err := workflow.NewOrchestrator(
		invoicing.Definition(invoicing.NewRegistry(), time.Second),
		gdb, idempotency.NewGuard(gdb), logger, otel.Tracer("test"),
		workflow.WithOutbox(outbox.NewStore(), relay),
		workflow.WithKeyLock(idempotency.NewKeyLock()),
	)
	require.NoError(t, err)
	return &fixture{db: gdb, producer: producer, orch: orch}
}

func orderCompleted(t testutil.TB, pedidoID int64) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TopicOrderCompleted, events.Productos, "", "", map[string]any{
		"pedidoId":      pedidoID,
		"usuarioId":     9,
		"clienteNombre": "Ana Torres",
		"clienteEmail":  "ana@example.com",
		"totalPedido":   150.00,
		"fechaCreacion": "2024-05-01T10:15:00",
		"items":         []map[string]any{{"productoId": 12, "cantidad": 2, "precioUnitario": 75.00}},
	})
	require.NoError(t, err)
	return env
}

func TestOrderCompleted_CreatesInvoiceWithLines(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))

	out, err := f.orch.Handle(context.Background(), orderCompleted(t, 501))
	require.NoError(t, err)
	require.Equal(t, workflow.StatusProcessed, out.Status)
	assert.Equal(t, idempotency.Key{OriginID: "501", OriginType: invoicing.OriginOrder}, out.Key)

	var invoices []invoicing.Invoice
	require.NoError(t, f.db.Preload("Lines").Where("origin_id = ?", "501").Find(&invoices).Error)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.Equal(t, 150.00, inv.Total)
	assert.Equal(t, int64(9), *inv.UsuarioID)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, int64(12), *inv.Lines[0].ProductoID)
	assert.Equal(t, 2, inv.Lines[0].Cantidad)
	assert.Equal(t, 150.00, inv.Lines[0].Subtotal)
}

func TestOrderCompleted_PublishesInvoiceNotice(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	env := orderCompleted(t, 501)

	_, err := f.orch.Handle(context.Background(), env)
	require.NoError(t, err)

	msgs := f.producer.MessagesFor(string(events.TopicNotificationRequest))
	require.Len(t, msgs, 1)
	notice, err := events.FromMessage(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, events.Factura, notice.Discriminator)
	assert.Equal(t, env.CorrelationID, notice.CorrelationID)

	payload, _, err := events.Schemas.Decode(notice)
	require.NoError(t, err)
	inv := payload.(*events.InvoiceNotice)
	assert.Equal(t, "150.00", inv.Total)
	assert.Equal(t, "2 x 12", inv.Items)
	assert.Equal(t, "ana@example.com", inv.Correo)
}

func TestOrderCompleted_RedeliveryDoesNotReemit(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	env := orderCompleted(t, 501)

	_, err := f.orch.Handle(context.Background(), env)
	require.NoError(t, err)

	out, err := f.orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAlreadyProcessed, out.Status)

	assert.Equal(t, int64(1), testutil.Count(t, f.db, &invoicing.Invoice{}))
	assert.Len(t, f.producer.MessagesFor(string(events.TopicNotificationRequest)), 1)
}

type inbox struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (i *inbox) Name() string { return "email" }

func (i *inbox) Send(_ context.Context, msg notification.Message) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent = append(i.sent, msg)
	return "ref", nil
}

func TestInvoiceNotices_SharedCorrelationAreEachSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t))
	for _, pedido := range []int64{501, 502} {
		env := orderCompleted(t, pedido)
		env.CorrelationID = "checkout-1"
		_, err := f.orch.Handle(ctx, env)
		require.NoError(t, err)
	}
	notices := f.producer.MessagesFor(string(events.TopicNotificationRequest))
	require.Len(t, notices, 2)

	gdb := testutil.NewDB(t, &idempotency.Claim{}, &notification.Receipt{})
	email := &inbox{}
	registry, err := notification.NewRequestRegistry(notification.Channels{Email: email})
	require.NoError(t, err)
	notify, err := workflow.NewOrchestrator(notification.RequestDefinition(registry, time.Second),
		gdb, idempotency.NewGuard(gdb), zaptest.NewLogger(t), otel.Tracer("test"))
	require.NoError(t, err)

	for _, msg := range notices {
		env, err := events.FromMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, "checkout-1", env.CorrelationID)
		out, err := notify.Handle(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusProcessed, out.Status)
	}
	require.Len(t, email.sent, 2)

	env, err := events.FromMessage(notices[0])
	require.NoError(t, err)
	out, err := notify.Handle(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAlreadyProcessed, out.Status)
	assert.Len(t, email.sent, 2)
}

func TestCita_SingleServiceLine(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	env, err := events.NewEnvelope(events.TopicOrderCompleted, events.Cita, "", "77", map[string]any{
		"citaId":        77,
		"clienteNombre": "Luis",
		"clienteEmail":  "luis@example.com",
		"totalPedido":   40.0,
		"fechaCreacion": "2024-05-02T09:00:00Z",
	})
	require.NoError(t, err)

	out, err := f.orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Key{OriginID: "77", OriginType: invoicing.OriginAppointment}, out.Key)

	inv := out.Artifact.(*invoicing.Invoice)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "Cita 77", inv.Lines[0].Description)
	assert.Equal(t, 40.0, inv.Lines[0].Subtotal)
}

func TestOrderAndAppointmentWithSameIDAreDistinct(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	_, err := f.orch.Handle(context.Background(), orderCompleted(t, 77))
	require.NoError(t, err)

	env, err := events.NewEnvelope(events.TopicOrderCompleted, events.Cita, "", "77", map[string]any{
		"citaId": 77, "clienteNombre": "Luis", "clienteEmail": "luis@example.com",
		"totalPedido": 40.0, "fechaCreacion": "2024-05-02T09:00:00Z",
	})
	require.NoError(t, err)
	out, err := f.orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, out.Status)
	assert.Equal(t, int64(2), testutil.Count(t, f.db, &invoicing.Invoice{}))
}

// Delivering the same order N times yields one invoice and N-1 already-processed
// outcomes.
func TestOrderCompleted_IdempotentUnderRedelivery(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt, zap.NewNop())
		pedido := rapid.Int64Range(1, 1_000_000).Draw(rt, "pedidoId")
		n := rapid.IntRange(1, 6).Draw(rt, "deliveries")
		env := orderCompleted(rt, pedido)

		already := 0
		for i := 0; i < n; i++ {
			out, err := f.orch.Handle(context.Background(), env)
			if err != nil {
				rt.Fatalf("delivery %d: %v", i, err)
			}
			if out.Status == workflow.StatusAlreadyProcessed {
				already++
			}
		}
		if already != n-1 {
			rt.Fatalf("got %d already-processed outcomes for %d deliveries", already, n)
		}
		if c := testutil.Count(rt, f.db, &invoicing.Invoice{}); c != 1 {
			rt.Fatalf("got %d invoices", c)
		}
		if c := len(f.producer.Messages()); c != 1 {
			rt.Fatalf("got %d follow-on messages", c)
		}
	})
}
