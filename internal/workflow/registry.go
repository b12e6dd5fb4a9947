package workflow

import (
	"errors"
	"fmt"
	"sort"

	"eventflow/internal/events"
)

var (
	ErrAlreadyRegistered = errors.New("strategy already registered")
	ErrOutsideClosedSet  = errors.New("discriminator outside closed set")
	ErrRegistrySealed    = errors.New("registry is sealed")
)

// Registry maps the discriminators of one workflow to their strategies. Strategies
// are registered at startup, then the registry is sealed and only read.
type Registry struct {
	allowed    map[events.Discriminator]struct{}
	strategies map[events.Discriminator]Strategy
	sealed     bool
}

// NewRegistry creates a registry accepting only the given discriminators.
func NewRegistry(allowed ...events.Discriminator) *Registry {
	r := &Registry{
		allowed:    make(map[events.Discriminator]struct{}, len(allowed)),
		strategies: make(map[events.Discriminator]Strategy, len(allowed)),
	}
	for _, d := range allowed {
		r.allowed[d] = struct{}{}
	}
	return r
}

// Register binds strategy to disc. Binding a discriminator twice or one outside the
// closed set is a configuration error.
func (r *Registry) Register(disc events.Discriminator, strategy Strategy) error {
	if r.sealed {
		return fmt.Errorf("register %s: %w", disc, ErrRegistrySealed)
	}
	if strategy == nil {
		return fmt.Errorf("register %s: nil strategy", disc)
	}
	if _, ok := r.allowed[disc]; !ok {
		return fmt.Errorf("register %s: %w", disc, ErrOutsideClosedSet)
	}
	if _, ok := r.strategies[disc]; ok {
		return fmt.Errorf("register %s: %w", disc, ErrAlreadyRegistered)
	}
	r.strategies[disc] = strategy
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(disc events.Discriminator, strategy Strategy) *Registry {
	if err := r.Register(disc, strategy); err != nil {
		panic(err)
	}
	return r
}

// Seal stops further registration. Resolve is safe for concurrent use afterwards.
func (r *Registry) Seal() *Registry {
	r.sealed = true
	return r
}

// Resolve returns the strategy bound to disc or an *UnsupportedStrategyError.
func (r *Registry) Resolve(disc events.Discriminator) (Strategy, error) {
	s, ok := r.strategies[disc]
	if !ok {
		return nil, &UnsupportedStrategyError{Discriminator: disc}
	}
	return s, nil
}

// Registered lists the bound discriminators, sorted.
func (r *Registry) Registered() []events.Discriminator {
	out := make([]events.Discriminator, 0, len(r.strategies))
	for d := range r.strategies {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
