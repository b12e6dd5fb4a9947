package workflow

import (
	"context"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"

	"gorm.io/gorm"
)

// Input is what a strategy receives: the envelope, its decoded payload (a pointer to
// one of the events payload types) and the key the work was claimed under.
type Input struct {
	Envelope      events.Envelope
	Payload       any
	Discriminator events.Discriminator
	Key           idempotency.Key
}

// Artifact is the downstream record a strategy produces. Persist runs inside the
// transaction that holds the idempotency claim.
type Artifact interface {
	Persist(ctx context.Context, tx *gorm.DB) error
}

// Strategy processes one discriminator value of a workflow. Strategies do not touch
// the database directly; they return an Artifact and the orchestrator persists it.
type Strategy interface {
	Execute(ctx context.Context, in Input) (Artifact, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, in Input) (Artifact, error)

func (f StrategyFunc) Execute(ctx context.Context, in Input) (Artifact, error) {
	return f(ctx, in)
}
