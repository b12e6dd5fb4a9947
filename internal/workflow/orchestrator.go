package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"
	"eventflow/internal/platform/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Status is the result of a successful Handle.
type Status string

const (
	StatusProcessed        Status = "processed"
	StatusAlreadyProcessed Status = "already_processed"
)

// Outcome describes what Handle did with an envelope.
type Outcome struct {
	Status        Status
	Workflow      string
	Key           idempotency.Key
	Discriminator events.Discriminator
	Artifact      Artifact
	// FollowOns holds the outbox ids of the follow-on events written with the artifact.
	FollowOns []string
}

// Definition configures the orchestrator for one workflow.
type Definition struct {
	Name  string
	Topic events.Topic
	// Key derives the idempotency key from the decoded input. Errors are treated as a
	// malformed event.
	Key func(in Input) (idempotency.Key, error)
	// Discriminator maps the schema discriminator of the envelope to the strategy
	// discriminator of this workflow. Nil keeps it unchanged.
	Discriminator func(events.Discriminator) events.Discriminator
	Strategies    *Registry
	// Timeout bounds a single strategy execution. Zero means no bound.
	Timeout time.Duration
	// FollowOn builds the events to publish once the artifact is committed.
	FollowOn func(in Input, artifact Artifact) ([]events.Envelope, error)
}

func (d Definition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("workflow definition: name is required")
	case d.Topic == "":
		return fmt.Errorf("workflow %s: topic is required", d.Name)
	case d.Key == nil:
		return fmt.Errorf("workflow %s: key function is required", d.Name)
	case d.Strategies == nil:
		return fmt.Errorf("workflow %s: strategy registry is required", d.Name)
	}
	return nil
}

// OutboxWriter stores follow-on events inside the caller's transaction.
type OutboxWriter interface {
	Append(ctx context.Context, tx *gorm.DB, envs ...events.Envelope) ([]string, error)
}

// OutboxFlusher publishes committed outbox rows.
type OutboxFlusher interface {
	Flush(ctx context.Context, ids ...string) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithOutbox enables follow-on events: w stores them with the artifact and f, when
// non-nil, publishes them right after commit.
func WithOutbox(w OutboxWriter, f OutboxFlusher) Option {
	return func(o *Orchestrator) {
		o.outbox = w
		o.flusher = f
	}
}

// WithKeyLock serializes local deliveries of the same key before they reach the guard.
func WithKeyLock(l *idempotency.KeyLock) Option {
	return func(o *Orchestrator) { o.locks = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithSchemas(s *events.SchemaRegistry) Option {
	return func(o *Orchestrator) { o.schemas = s }
}

// Orchestrator runs one workflow: validate, claim, dispatch, persist and hand off
// follow-on events.
type Orchestrator struct {
	def     Definition
	db      *gorm.DB
	guard   *idempotency.Guard
	schemas *events.SchemaRegistry
	outbox  OutboxWriter
	flusher OutboxFlusher
	locks   *idempotency.KeyLock
	logger  observability.Logger
	tracer  observability.Tracer
	metrics *observability.Metrics
}

// NewOrchestrator creates the orchestrator for def.
func NewOrchestrator(def Definition, db *gorm.DB, guard *idempotency.Guard, logger observability.Logger, tracer observability.Tracer, opts ...Option) (*Orchestrator, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if db == nil || guard == nil {
		return nil, fmt.Errorf("workflow %s: database and guard are required", def.Name)
	}
	o := &Orchestrator{
		def:     def,
		db:      db,
		guard:   guard,
		schemas: events.Schemas,
		logger:  logger,
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) Name() string        { return o.def.Name }
func (o *Orchestrator) Topic() events.Topic { return o.def.Topic }

var errAlreadyClaimed = errors.New("already claimed")

// Handle processes one delivery of env. A redelivery of work that already committed
// returns StatusAlreadyProcessed and a nil error. Errors are one of
// *MalformedEventError, *UnsupportedStrategyError or *StrategyExecutionError, or an
// infrastructure error, which callers treat like an execution failure.
func (o *Orchestrator) Handle(ctx context.Context, env events.Envelope) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "workflow."+o.def.Name,
		trace.WithAttributes(
			attribute.String("workflow.name", o.def.Name),
			attribute.String("event.id", env.EventID),
			attribute.String("event.topic", string(env.Topic)),
			attribute.String("event.correlation_id", env.CorrelationID),
		))
	defer span.End()

	outcome, err := o.handle(ctx, span, env)
	if err != nil {
		class := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		o.metrics.RecordOutcome(ctx, o.def.Name, string(class))

		fields := []zap.Field{
			zap.String("workflow", o.def.Name),
			zap.String("event_id", env.EventID),
			zap.String("correlation_id", env.CorrelationID),
			zap.String("error_class", string(class)),
			zap.Error(err),
		}
		if class == ClassUnsupported {
			o.logger.Error("No strategy registered for event", fields...)
		} else {
			o.logger.Warn("Workflow failed", fields...)
		}
		return outcome, err
	}

	span.SetAttributes(attribute.String("workflow.status", string(outcome.Status)))
	span.SetStatus(codes.Ok, string(outcome.Status))
	o.metrics.RecordOutcome(ctx, o.def.Name, string(outcome.Status))
	return outcome, nil
}

func (o *Orchestrator) handle(ctx context.Context, span trace.Span, env events.Envelope) (Outcome, error) {
	outcome := Outcome{Workflow: o.def.Name}

	if env.Topic != o.def.Topic {
		return outcome, o.malformed(env, fmt.Errorf("envelope topic %s, workflow consumes %s", env.Topic, o.def.Topic))
	}
	payload, disc, err := o.schemas.Decode(env)
	if err != nil {
		var unknown *events.UnknownDiscriminatorError
		if errors.As(err, &unknown) {
			return outcome, o.unsupported(unknown.Discriminator)
		}
		return outcome, o.malformed(env, err)
	}
	if o.def.Discriminator != nil {
		disc = o.def.Discriminator(disc)
	}

	in := Input{Envelope: env, Payload: payload, Discriminator: disc}
	key, err := o.def.Key(in)
	if err == nil {
		err = key.Validate()
	}
	if err != nil {
		return outcome, o.malformed(env, err)
	}
	in.Key = key
	outcome.Key = key
	outcome.Discriminator = disc
	span.SetAttributes(
		attribute.String("workflow.discriminator", string(disc)),
		attribute.String("idempotency.key", key.String()),
	)

	if o.locks != nil {
		unlock := o.locks.Lock(key)
		defer unlock()
	}

	var outboxIDs []string
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := o.guard.TryClaim(ctx, tx, key)
		if err != nil {
			return err
		}
		if res == idempotency.AlreadyClaimed {
			return errAlreadyClaimed
		}

		strategy, err := o.def.Strategies.Resolve(disc)
		if err != nil {
			return o.unsupported(disc)
		}

		artifact, err := o.execute(ctx, strategy, in)
		if err != nil {
			return err
		}
		if artifact == nil {
			return o.executionError(in, errors.New("strategy produced no artifact"), false)
		}
		if err := artifact.Persist(ctx, tx); err != nil {
			return o.executionError(in, fmt.Errorf("persist artifact: %w", err), false)
		}
		outcome.Artifact = artifact

		if o.def.FollowOn == nil {
			return nil
		}
		followOns, err := o.def.FollowOn(in, artifact)
		if err != nil {
			return o.executionError(in, fmt.Errorf("build follow-on events: %w", err), false)
		}
		if len(followOns) == 0 {
			return nil
		}
		if o.outbox == nil {
			return o.executionError(in, errors.New("follow-on events produced but no outbox configured"), false)
		}
		outboxIDs, err = o.outbox.Append(ctx, tx, followOns...)
		return err
	})

	if errors.Is(err, errAlreadyClaimed) {
		o.logger.Info("Event already processed, skipping",
			zap.String("workflow", o.def.Name),
			zap.String("event_id", env.EventID),
			zap.String("key", key.String()),
		)
		outcome.Status = StatusAlreadyProcessed
		return outcome, nil
	}
	if err != nil {
		outcome.Artifact = nil
		return outcome, err
	}

	outcome.Status = StatusProcessed
	outcome.FollowOns = outboxIDs
	o.logger.Info("Workflow completed",
		zap.String("workflow", o.def.Name),
		zap.String("event_id", env.EventID),
		zap.String("discriminator", string(disc)),
		zap.String("key", key.String()),
		zap.Int("follow_ons", len(outboxIDs)),
	)

	if o.flusher != nil && len(outboxIDs) > 0 {
		// The periodic relay picks up whatever this flush misses.
		if err := o.flusher.Flush(ctx, outboxIDs...); err != nil {
			o.logger.Warn("Immediate follow-on publish failed, left for relay",
				zap.String("workflow", o.def.Name),
				zap.Strings("outbox_ids", outboxIDs),
				zap.Error(err),
			)
		}
	}
	return outcome, nil
}

// execute runs the strategy under the workflow timeout. Panics become execution
// errors so the surrounding transaction rolls back normally. A strategy that finds
// the event unusable reports a *MalformedEventError, which is returned as is.
func (o *Orchestrator) execute(ctx context.Context, strategy Strategy, in Input) (Artifact, error) {
	ctx, span := o.tracer.Start(ctx, "strategy."+string(in.Discriminator))
	defer span.End()

	if o.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.def.Timeout)
		defer cancel()
	}

	type result struct {
		artifact Artifact
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("strategy panic: %v", r)}
			}
		}()
		a, err := strategy.Execute(ctx, in)
		done <- result{artifact: a, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "strategy failed")
		var malformed *MalformedEventError
		if errors.As(res.err, &malformed) {
			return nil, o.malformed(in.Envelope, malformed.Cause)
		}
		timedOut := errors.Is(res.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded)
		return nil, o.executionError(in, res.err, timedOut)
	}
	span.SetStatus(codes.Ok, "strategy succeeded")
	return res.artifact, nil
}

func (o *Orchestrator) malformed(env events.Envelope, cause error) error {
	return &MalformedEventError{Workflow: o.def.Name, Topic: env.Topic, EventID: env.EventID, Cause: cause}
}

func (o *Orchestrator) unsupported(disc events.Discriminator) error {
	return &UnsupportedStrategyError{Workflow: o.def.Name, Topic: o.def.Topic, Discriminator: disc}
}

func (o *Orchestrator) executionError(in Input, cause error, timeout bool) error {
	return &StrategyExecutionError{
		Workflow:      o.def.Name,
		Discriminator: in.Discriminator,
		Key:           in.Key,
		Timeout:       timeout,
		Cause:         cause,
	}
}
