package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/events"
	"eventflow/internal/platform/kafka"
	"eventflow/internal/platform/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Relay publishes committed outbox rows to the bus and marks them published.
// Publishing is at-least-once: a crash between write and mark republishes the row,
// which consumers absorb through their idempotency guard.
type Relay struct {
	db       *gorm.DB
	producer kafka.Producer
	logger   observability.Logger
	tracer   observability.Tracer
	metrics  *observability.Metrics
	cfg      config.OutboxConfig
	now      func() time.Time

	// serializes publishing so Flush and the poll loop do not race on one row
	mu sync.Mutex
}

// NewRelay creates a relay. producer must accept messages for any topic.
func NewRelay(db *gorm.DB, producer kafka.Producer, logger observability.Logger, tracer observability.Tracer, metrics *observability.Metrics, cfg config.OutboxConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 5 * time.Minute
	}
	return &Relay{
		db:       db,
		producer: producer,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Flush publishes the pending rows with the given ids, or up to one batch of the
// oldest due rows when no ids are given. A row that failed is due again once its
// retry delay has passed. Rows already published are skipped.
func (r *Relay) Flush(ctx context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "outbox.flush")
	defer span.End()

	var rows []Message
	q := r.db.WithContext(ctx).Where("published_at IS NULL")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids).Order("created_at").Order("id")
	} else {
		q = q.Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", r.now()).
			Order("created_at").Order("id").
			Limit(r.cfg.BatchSize)
	}
	if err := q.Find(&rows).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load pending rows")
		return fmt.Errorf("load pending outbox rows: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.pending", len(rows)))

	var errs []error
	published := 0
	for _, row := range rows {
		if err := r.publish(ctx, row); err != nil {
			errs = append(errs, err)
			r.recordFailure(ctx, row, err)
			continue
		}
		published++
	}
	if published > 0 {
		r.logger.Debug("Published follow-on events", zap.Int("count", published))
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	span.SetStatus(codes.Ok, "flushed")
	return nil
}

func (r *Relay) publish(ctx context.Context, row Message) error {
	env, err := events.Unmarshal(row.Envelope)
	if err != nil {
		return fmt.Errorf("decode outbox row %s: %w", row.ID, err)
	}
	msg, err := events.ToMessage(env)
	if err != nil {
		return fmt.Errorf("encode outbox row %s: %w", row.ID, err)
	}
	if err := r.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("publish outbox row %s to %s: %w", row.ID, row.Topic, err)
	}

	now := r.now()
	err = r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"published_at": now, "attempts": gorm.Expr("attempts + 1"), "last_error": "", "next_attempt_at": nil}).
		Error
	if err != nil {
		return fmt.Errorf("mark outbox row %s published: %w", row.ID, err)
	}
	r.metrics.RecordPublished(ctx, row.Topic, 1)
	return nil
}

func (r *Relay) recordFailure(ctx context.Context, row Message, cause error) {
	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	next := r.now().Add(r.retryDelay(row.Attempts + 1))
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": msg, "next_attempt_at": next}).
		Error
	if err != nil {
		r.logger.Error("Failed to record outbox publish failure", zap.String("outbox_id", row.ID), zap.Error(err))
	}
	r.logger.Warn("Outbox publish failed",
		zap.String("outbox_id", row.ID),
		zap.String("topic", row.Topic),
		zap.String("event_id", row.EventID),
		zap.Int("attempts", row.Attempts+1),
		zap.Time("next_attempt_at", next),
		zap.Error(cause),
	)
}

// retryDelay doubles the base delay per failed attempt, capped at MaxRetryBackoff.
func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxRetryBackoff {
			return r.cfg.MaxRetryBackoff
		}
	}
	return min(d, r.cfg.MaxRetryBackoff)
}

// Run polls for pending rows until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Outbox relay started", zap.Duration("poll_interval", r.cfg.PollInterval))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Outbox relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Pending returns the number of rows not yet published.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).Where("published_at IS NULL").Count(&n).Error
	return n, err
}
