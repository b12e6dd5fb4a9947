package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/events"
	"eventflow/internal/outbox"
	"eventflow/internal/testutil"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func invoiceNotice(t *testing.T) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TopicNotificationRequest, events.Factura, "corr-501", "ana@example.com",
		events.InvoiceNotice{FacturaID: "f-1", Correo: "ana@example.com", Total: "150.00", Items: "2 x 12", Fecha: "2024-05-01"})
	require.NoError(t, err)
	return env
}

func newRelay(t *testing.T, gdb *gorm.DB, producer *testutil.MemoryProducer) *outbox.Relay {
	return outbox.NewRelay(gdb, producer, zaptest.NewLogger(t), otel.Tracer("test"), nil, config.OutboxConfig{BatchSize: 10})
}

func TestAppend_RolledBackWithTransaction(t *testing.T) {
	gdb := testutil.NewDB(t, &outbox.Message{})
	store := outbox.NewStore()
	boom := errors.New("rollback")

	err := gdb.Transaction(func(tx *gorm.DB) error {
		ids, err := store.Append(context.Background(), tx, invoiceNotice(t))
		require.NoError(t, err)
		require.Len(t, ids, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, testutil.Count(t, gdb, &outbox.Message{}))
}

func TestAppend_RejectsInvalidEnvelope(t *testing.T) {
	gdb := testutil.NewDB(t, &outbox.Message{})
	env := invoiceNotice(t)
	env.Payload = []byte(`{"correo":"ana@example.com"}`)

	_, err := outbox.NewStore().Append(context.Background(), gdb, env)
	var se *events.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Zero(t, testutil.Count(t, gdb, &outbox.Message{}))
}

func TestFlush_PublishesOnceAndMarksPublished(t *testing.T) {
	gdb := testutil.NewDB(t, &outbox.Message{})
	producer := &testutil.MemoryProducer{}
	relay := newRelay(t, gdb, producer)
	ctx := context.Background()

	env := invoiceNotice(t)
	ids, err := outbox.NewStore().Append(ctx, gdb, env)
	require.NoError(t, err)

	require.NoError(t, relay.Flush(ctx, ids...))
	require.NoError(t, relay.Flush(ctx))

	msgs := producer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "notification-request", msgs[0].Topic)
	assert.Equal(t, []byte("ana@example.com"), msgs[0].Key)
	assert.Equal(t, "FACTURA", events.Header(msgs[0], events.HeaderDiscriminator))

	decoded, err := events.FromMessage(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)

	pending, err := relay.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFlush_FailureLeavesRowPending(t *testing.T) {
	gdb := testutil.NewDB(t, &outbox.Message{})
	producer := &testutil.MemoryProducer{Fail: func(kafka.Message) error { return errors.New("broker down") }}
	relay := newRelay(t, gdb, producer)
	ctx := context.Background()

	_, err := outbox.NewStore().Append(ctx, gdb, invoiceNotice(t))
	require.NoError(t, err)

	require.Error(t, relay.Flush(ctx))

	var row outbox.Message
	require.NoError(t, gdb.First(&row).Error)
	assert.Nil(t, row.PublishedAt)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.LastError, "broker down")
	require.NotNil(t, row.NextAttemptAt)
	assert.True(t, row.NextAttemptAt.After(row.CreatedAt))

	// not due yet, so the poll pass leaves it alone
	producer.Fail = nil
	require.NoError(t, relay.Flush(ctx))
	assert.Empty(t, producer.Messages())

	require.NoError(t, relay.Flush(ctx, row.ID))
	pending, err := relay.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Len(t, producer.Messages(), 1)
}

func TestFlush_FailingRowDoesNotStarveNewerRows(t *testing.T) {
	gdb := testutil.NewDB(t, &outbox.Message{})
	ctx := context.Background()
	store := outbox.NewStore()

	poisoned := invoiceNotice(t)
	_, err := store.Append(ctx, gdb, poisoned)
	require.NoError(t, err)
	next := invoiceNotice(t)
	_, err = store.Append(ctx, gdb, next)
	require.NoError(t, err)

	producer := &testutil.MemoryProducer{Fail: func(m kafka.Message) error {
		if events.Header(m, events.HeaderEventID) == poisoned.EventID {
			return errors.New("message too large")
		}
		return nil
	}}
	relay := outbox.NewRelay(gdb, producer, zaptest.NewLogger(t), otel.Tracer("test"), nil,
		config.OutboxConfig{BatchSize: 1, RetryBackoff: time.Minute, MaxRetryBackoff: time.Hour})

	for range 3 {
		_ = relay.Flush(ctx)
	}

	msgs := producer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, next.EventID, events.Header(msgs[0], events.HeaderEventID))

	var row outbox.Message
	require.NoError(t, gdb.Where("event_id = ?", poisoned.EventID).First(&row).Error)
	assert.Nil(t, row.PublishedAt)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.NextAttemptAt)
	assert.True(t, row.NextAttemptAt.After(time.Now().Add(30*time.Second)))
}

func TestRun_StopsOnCancel(t *testing.T) {
	gdb := testutil.NewDB(t, &outbox.Message{})
	producer := &testutil.MemoryProducer{}
	relay := newRelay(t, gdb, producer)

	_, err := outbox.NewStore().Append(context.Background(), gdb, invoiceNotice(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(producer.Messages()) == 1 }, testutil.WaitTimeout, testutil.Tick)
	cancel()
	require.NoError(t, <-done)
}
