package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Service configuration constants
const (
	ServiceName    = "eventflow"
	ServiceVersion = "0.1.0"
)

// DeadLetterSuffix names the dead-letter topic of a source topic
const DeadLetterSuffix = ".dlq"

// Consumer groups, one per service role
const (
	InvoiceGroupID       = "invoice-service"
	MedicalRecordGroupID = "medical-record-service"
	NotificationGroupID  = "notification-service"
)

// Kafka writer tuning
const (
	BatchTimeout = 10 * time.Millisecond
	BatchSize    = 100
)

// OpenTelemetry configuration constants
const (
	LogsPath      = "/otlp/v1/logs"
	TracesPath    = "/otlp/v1/traces"
	MetricsPath   = "/otlp/v1/metrics"
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

// Database dialects understood by the store layer
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Config holds environment-specific configuration
type Config struct {
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`

	DatabaseDialect string `env:"DATABASE_DIALECT" envDefault:"postgres"`
	DatabaseDSN     string `env:"DATABASE_DSN"`

	// Empty endpoint keeps the no-op OpenTelemetry providers.
	OtelEndpoint   string `env:"OTEL_ENDPOINT"`
	OtelAuthHeader string `env:"OTEL_AUTH_HEADER"`

	Consumer ConsumerConfig
	Outbox   OutboxConfig
	Channels ChannelsConfig
}

// ConsumerConfig controls the retry and dead-letter policy of the consumer loops
type ConsumerConfig struct {
	MaxAttempts     int           `env:"CONSUMER_MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoff  time.Duration `env:"CONSUMER_INITIAL_BACKOFF" envDefault:"200ms"`
	MaxBackoff      time.Duration `env:"CONSUMER_MAX_BACKOFF" envDefault:"10s"`
	StrategyTimeout time.Duration `env:"STRATEGY_TIMEOUT" envDefault:"10s"`
}

// OutboxConfig controls the follow-on event relay
type OutboxConfig struct {
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	// a failed row waits RetryBackoff, doubled per attempt up to MaxRetryBackoff
	RetryBackoff    time.Duration `env:"OUTBOX_RETRY_BACKOFF" envDefault:"1s"`
	MaxRetryBackoff time.Duration `env:"OUTBOX_MAX_RETRY_BACKOFF" envDefault:"5m"`
}

// ChannelsConfig holds the outbound notification and lookup collaborators.
// A channel with an empty address is left unregistered.
type ChannelsConfig struct {
	EmailGatewayURL  string        `env:"EMAIL_GATEWAY_URL"`
	EmailAPIKey      string        `env:"EMAIL_API_KEY"`
	EmailFrom        string        `env:"EMAIL_FROM" envDefault:"no-reply@veterinaria.local"`
	SMSGatewayURL    string        `env:"SMS_GATEWAY_URL"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	PushChannel      string        `env:"PUSH_CHANNEL" envDefault:"in-app-push"`
	PetDirectoryURL  string        `env:"PET_DIRECTORY_URL"`
	PetCacheTTL      time.Duration `env:"PET_CACHE_TTL" envDefault:"5m"`
	HTTPTimeout      time.Duration `env:"CHANNEL_HTTP_TIMEOUT" envDefault:"5s"`
	BreakerThreshold uint32        `env:"CHANNEL_BREAKER_THRESHOLD" envDefault:"5"`
}

// LoadConfig loads configuration from environment variables with validation
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS environment variable is required")
	}
	switch cfg.DatabaseDialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DIALECT %q", cfg.DatabaseDialect)
	}
	if cfg.Consumer.MaxAttempts < 1 {
		return nil, fmt.Errorf("CONSUMER_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.Consumer.StrategyTimeout <= 0 {
		return nil, fmt.Errorf("STRATEGY_TIMEOUT must be positive")
	}

	return &cfg, nil
}

// ValidateDatabase reports whether the store settings are usable. Only roles that
// persist artifacts need them.
func (c *Config) ValidateDatabase() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN environment variable is required")
	}
	return nil
}

// DeadLetterTopic returns the dead-letter destination for a source topic.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}
