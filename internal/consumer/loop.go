package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventflow/internal/config"
	"eventflow/internal/events"
	"eventflow/internal/platform/kafka"
	"eventflow/internal/platform/observability"
	"eventflow/internal/workflow"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one envelope. *workflow.Orchestrator satisfies it.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env events.Envelope) (workflow.Outcome, error)
}

const partitionBuffer = 64

// Loop consumes one topic for one workflow. Messages of a partition are handled in
// order by a dedicated worker; offsets are committed only once a message was
// processed, found already processed or dead-lettered.
type Loop struct {
	topic      string
	consumer   kafka.Consumer
	handler    Handler
	deadLetter *DeadLetterPublisher
	logger     observability.Logger
	tracer     observability.Tracer
	metrics    *observability.Metrics
	cfg        config.ConsumerConfig
}

// NewLoop creates a consumer loop for topic.
func NewLoop(topic string, consumer kafka.Consumer, handler Handler, deadLetter *DeadLetterPublisher, logger observability.Logger, tracer observability.Tracer, metrics *observability.Metrics, cfg config.ConsumerConfig) *Loop {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Loop{
		topic:      topic,
		consumer:   consumer,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// Run consumes until ctx is cancelled or a worker fails to dead-letter a message.
// In-flight messages are finished or abandoned uncommitted before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Kafka consumer started. Waiting for messages...",
		zap.String("topic", l.topic),
		zap.String("workflow", l.handler.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	workers := make(map[int]chan kafkago.Message)

	g.Go(func() error {
		defer func() {
			for _, ch := range workers {
				close(ch)
			}
		}()
		for {
			msg, err := l.consumer.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				l.logger.Error("Error reading from Kafka", zap.String("topic", l.topic), zap.Error(err))
				return fmt.Errorf("fetch from %s: %w", l.topic, err)
			}

			ch, ok := workers[msg.Partition]
			if !ok {
				ch = make(chan kafkago.Message, partitionBuffer)
				workers[msg.Partition] = ch
				partition := msg.Partition
				g.Go(func() error { return l.work(gctx, partition, ch) })
			}
			select {
			case ch <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	l.logger.Info("Consumer loop finished", zap.String("topic", l.topic), zap.Error(err))
	return err
}

func (l *Loop) work(ctx context.Context, partition int, msgs <-chan kafkago.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := l.process(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.logger.Error("Partition worker stopped",
					zap.String("topic", l.topic),
					zap.Int("partition", partition),
					zap.Error(err),
				)
				return err
			}
		}
	}
}

// process handles one message end to end and commits its offset. A returned error
// means the offset was not committed.
func (l *Loop) process(ctx context.Context, msg kafkago.Message) error {
	ctx = events.ExtractTraceContext(ctx, msg.Headers)
	ctx, span := l.tracer.Start(ctx, l.topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationNameKey.String(msg.Topic),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.String("workflow.name", l.handler.Name()),
		))
	defer span.End()

	attempts := 1
	env, err := events.FromMessage(msg)
	if err != nil {
		err = &workflow.MalformedEventError{
			Workflow: l.handler.Name(),
			Topic:    events.Topic(msg.Topic),
			EventID:  events.Header(msg, events.HeaderEventID),
			Cause:    err,
		}
	} else {
		span.SetAttributes(attribute.String("event.id", env.EventID))
		attempts, err = l.handleWithRetry(ctx, env)
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(workflow.Classify(err)))
		if dlqErr := l.deadLetter.Publish(ctx, msg, err, attempts); dlqErr != nil {
			return fmt.Errorf("message %s[%d]@%d left uncommitted: %w", msg.Topic, msg.Partition, msg.Offset, dlqErr)
		}
	} else {
		span.SetStatus(codes.Ok, "processed")
	}

	if err := l.consumer.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// handleWithRetry re-invokes the handler with exponential backoff while the failure
// is retryable, up to the configured number of attempts.
func (l *Loop) handleWithRetry(ctx context.Context, env events.Envelope) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.cfg.InitialBackoff
	if l.cfg.MaxBackoff > 0 {
		eb.MaxInterval = l.cfg.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		_, err := l.safeHandle(ctx, env)
		if err != nil && !workflow.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.metrics.RecordRetry(ctx, l.topic)
		l.logger.Warn("Retrying event",
			zap.String("workflow", l.handler.Name()),
			zap.String("event_id", env.EventID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return attempts, err
}

func (l *Loop) safeHandle(ctx context.Context, env events.Envelope) (outcome workflow.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &workflow.StrategyExecutionError{
				Workflow:      l.handler.Name(),
				Discriminator: env.Discriminator,
				Cause:         fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return l.handler.Handle(ctx, env)
}

// Topic returns the topic the loop consumes.
func (l *Loop) Topic() string { return l.topic }
