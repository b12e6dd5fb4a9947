package workflow

import (
	"errors"
	"fmt"

	"eventflow/internal/events"
	"eventflow/internal/idempotency"
)

// ErrorClass groups failures by how the consumer loop reacts to them.
type ErrorClass string

const (
	ClassMalformed   ErrorClass = "malformed"
	ClassUnsupported ErrorClass = "unsupported"
	ClassExecution   ErrorClass = "execution"
)

// MalformedEventError reports an envelope whose payload misses required fields, has
// fields of the wrong type or carries an unsupported schema version. It is never
// retried.
type MalformedEventError struct {
	Workflow string
	Topic    events.Topic
	EventID  string
	Cause    error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("workflow %s: malformed event %s on %s: %v", e.Workflow, e.EventID, e.Topic, e.Cause)
}

func (e *MalformedEventError) Unwrap() error { return e.Cause }

// UnsupportedStrategyError reports a discriminator with no registered strategy. It
// means deployed code and event producers disagree and is never retried.
type UnsupportedStrategyError struct {
	Workflow      string
	Topic         events.Topic
	Discriminator events.Discriminator
}

func (e *UnsupportedStrategyError) Error() string {
	if e.Workflow == "" {
		return fmt.Sprintf("no strategy registered for discriminator %q", e.Discriminator)
	}
	return fmt.Sprintf("workflow %s: no strategy registered for discriminator %q on %s", e.Workflow, e.Discriminator, e.Topic)
}

// StrategyExecutionError reports a strategy that failed, timed out or panicked. The
// claim it ran under was rolled back, so the delivery may be retried.
type StrategyExecutionError struct {
	Workflow      string
	Discriminator events.Discriminator
	Key           idempotency.Key
	Timeout       bool
	Cause         error
}

func (e *StrategyExecutionError) Error() string {
	verb := "failed"
	if e.Timeout {
		verb = "timed out"
	}
	return fmt.Sprintf("workflow %s: strategy %s for %s %s: %v", e.Workflow, e.Discriminator, e.Key, verb, e.Cause)
}

func (e *StrategyExecutionError) Unwrap() error { return e.Cause }

// Classify maps err to its class. Errors outside the taxonomy are treated as
// execution failures.
func Classify(err error) ErrorClass {
	var malformed *MalformedEventError
	if errors.As(err, &malformed) {
		return ClassMalformed
	}
	var unsupported *UnsupportedStrategyError
	if errors.As(err, &unsupported) {
		return ClassUnsupported
	}
	return ClassExecution
}

// Retryable reports whether redelivering the same envelope could succeed.
func Retryable(err error) bool {
	return err != nil && Classify(err) == ClassExecution
}
