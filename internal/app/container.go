package app

import (
	"context"
	"fmt"

	"eventflow/internal/config"
	"eventflow/internal/idempotency"
	"eventflow/internal/outbox"
	"eventflow/internal/platform/db"
	"eventflow/internal/platform/httpclient"
	"eventflow/internal/platform/kafka"
	"eventflow/internal/platform/observability"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config         *config.Config
	role           string
	logger         *zap.Logger
	tracer         observability.Tracer
	tracerProvider trace.TracerProvider
	metrics        *observability.Metrics
	db             *gorm.DB
	producer       kafka.Producer
	consumers      []kafka.Consumer
	redis          *goredis.Client
	otelShutdown   observability.ShutdownFunc
}

// NewContainer creates and initializes the infrastructure shared by every command.
// The database is opened separately, only by roles that persist artifacts.
func NewContainer(ctx context.Context, role string) (*Container, error) {
	// Load configuration first
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	container := &Container{
		config: cfg,
		role:   role,
	}

	if err := container.setupLogger(); err != nil {
		return nil, err
	}
	if err := container.setupObservability(ctx); err != nil {
		return nil, err
	}
	if err := container.setupProducer(); err != nil {
		container.Shutdown(ctx)
		return nil, err
	}
	return container, nil
}

// setupLogger starts with a basic logger until the OTel bridge is available
func (c *Container) setupLogger() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// setupObservability configures OpenTelemetry logging, tracing and metrics
func (c *Container) setupObservability(ctx context.Context) error {
	observability.SetupPropagation()

	otelLogShutdown, err := observability.SetupLoggingSDK(ctx, c.config, c.role)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}

	tp, otelTraceShutdown, err := observability.SetupTracingSDK(ctx, c.config, c.role)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
		tp = otel.GetTracerProvider()
	}
	c.tracerProvider = tp

	otelMetricShutdown, err := observability.SetupMetricsSDK(ctx, c.config, c.role)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry metrics", zap.Error(err))
	}
	c.otelShutdown = observability.JoinShutdown(otelMetricShutdown, otelTraceShutdown, otelLogShutdown)

	// Re-initialize logger with OTel bridge
	c.logger = observability.NewLogger(c.role)
	c.logger.Info("Logger re-initialized with OpenTelemetry bridge")

	c.tracer = tp.Tracer(config.ServiceName)
	metrics, err := observability.NewMetrics()
	if err != nil {
		c.logger.Error("Failed to create metric instruments", zap.Error(err))
		metrics = nil
	}
	c.metrics = metrics
	return nil
}

// setupProducer creates the shared writer used for follow-on and dead-letter messages
func (c *Container) setupProducer() error {
	producer, err := kafka.NewProducer(c.config.KafkaBrokers, "", c.tracerProvider)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	c.producer = producer
	return nil
}

// OpenDatabase connects the store and migrates the core tables plus models.
func (c *Container) OpenDatabase(ctx context.Context, models ...any) (*gorm.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	if err := c.config.ValidateDatabase(); err != nil {
		return nil, err
	}
	gdb, err := db.Open(ctx, c.config.DatabaseDialect, c.config.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	core := []any{&idempotency.Claim{}, &outbox.Message{}}
	if err := db.Migrate(gdb, append(core, models...)...); err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	c.db = gdb
	c.logger.Info("Database ready", zap.String("dialect", c.config.DatabaseDialect))
	return gdb, nil
}

// Consumer creates a group reader for topic and tracks it for shutdown.
func (c *Container) Consumer(topic, groupID string) kafka.Consumer {
	consumer := kafka.NewConsumer(c.config.KafkaBrokers, topic, groupID)
	c.consumers = append(c.consumers, consumer)
	return consumer
}

// Redis returns the redis client, or nil when REDIS_ADDR is not configured.
func (c *Container) Redis(ctx context.Context) (*goredis.Client, error) {
	if c.redis != nil || c.config.Channels.RedisAddr == "" {
		return c.redis, nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        c.config.Channels.RedisAddr,
		DialTimeout: c.config.Channels.HTTPTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	c.redis = rdb
	return rdb, nil
}

// HTTPClient creates a traced, breaker-guarded client for an outbound collaborator.
func (c *Container) HTTPClient(name string) *httpclient.Client {
	return httpclient.New(name, c.config.Channels.HTTPTimeout, c.config.Channels.BreakerThreshold, c.logger)
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	for _, consumer := range c.consumers {
		if err := consumer.Close(); err != nil {
			c.logger.Error("Failed to close message consumer", zap.Error(err))
		}
	}
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.logger.Error("Failed to close message producer", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if err := db.Close(c.db); err != nil {
		c.logger.Error("Failed to close database", zap.Error(err))
	}

	if c.otelShutdown != nil {
		if err := c.otelShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
		}
	}

	c.logger.Info("Infrastructure shutdown complete")
	// Sync errors on stdout are expected and not reportable.
	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components
func (c *Container) Config() *config.Config               { return c.config }
func (c *Container) Logger() *zap.Logger                  { return c.logger }
func (c *Container) Tracer() observability.Tracer         { return c.tracer }
func (c *Container) Metrics() *observability.Metrics      { return c.metrics }
func (c *Container) MessageProducer() kafka.Producer      { return c.producer }
func (c *Container) TracerProvider() trace.TracerProvider { return c.tracerProvider }
