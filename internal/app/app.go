package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"eventflow/internal/consumer"
	"eventflow/internal/outbox"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	role      string
	container *Container
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context, role string) (*Application, error) {
	// Set up signal handling
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	app := &Application{
		ctx:    appCtx,
		cancel: cancel,
		role:   role,
	}

	// Initialize container (expensive singletons)
	container, err := NewContainer(app.ctx, role)
	if err != nil {
		cancel() // Clean up context if initialization fails
		return nil, err
	}
	app.container = container

	app.container.Logger().Info("Application initialized successfully", zap.String("role", role))
	return app, nil
}

// Serve runs the consumer loops of the role and the outbox relay until the process
// is interrupted or a loop fails.
func (app *Application) Serve() error {
	models, err := roleModels(app.role)
	if err != nil {
		return err
	}
	c := app.container
	gdb, err := c.OpenDatabase(app.ctx, models...)
	if err != nil {
		return err
	}

	relay := app.newRelay()
	bindings, err := c.buildWorkflows(app.ctx, gdb, relay)
	if err != nil {
		return err
	}
	deadLetter := consumer.NewDeadLetterPublisher(c.MessageProducer(), c.Logger(), c.Metrics())

	g, ctx := errgroup.WithContext(app.ctx)
	for _, b := range bindings {
		loop := consumer.NewLoop(b.topic, c.Consumer(b.topic, b.groupID), b.orch, deadLetter,
			c.Logger(), c.Tracer(), c.Metrics(), c.Config().Consumer)
		g.Go(func() error { return loop.Run(ctx) })
	}
	g.Go(func() error { return relay.Run(ctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s service stopped: %w", app.role, err)
	}
	return nil
}

// RunRelay only publishes pending outbox rows.
func (app *Application) RunRelay() error {
	if _, err := app.container.OpenDatabase(app.ctx); err != nil {
		return err
	}
	return app.newRelay().Run(app.ctx)
}

func (app *Application) newRelay() *outbox.Relay {
	c := app.container
	return outbox.NewRelay(c.db, c.MessageProducer(), c.Logger(), c.Tracer(), c.Metrics(), c.Config().Outbox)
}

// Context returns the signal-aware application context.
func (app *Application) Context() context.Context { return app.ctx }

// Container exposes the infrastructure to one-shot commands.
func (app *Application) Container() *Container { return app.container }

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	// Cancel context
	if app.cancel != nil {
		app.cancel()
	}

	// Shutdown container
	if app.container != nil {
		app.container.Shutdown(context.Background())
	}
}
