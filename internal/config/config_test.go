package config

import (
	"testing"
	"time"

	"eventflow/internal/events"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_DSN", "file::memory:")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	require.Equal(t, DialectPostgres, cfg.DatabaseDialect)
	require.Equal(t, 5, cfg.Consumer.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Consumer.StrategyTimeout)
	require.Equal(t, 2*time.Second, cfg.Outbox.PollInterval)
	require.Equal(t, time.Second, cfg.Outbox.RetryBackoff)
	require.Equal(t, 5*time.Minute, cfg.Outbox.MaxRetryBackoff)
	require.Empty(t, cfg.Channels.SMSGatewayURL)
}

func TestLoadConfig_ParsesBrokerList(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/eventflow")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CONSUMER_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 3, cfg.Consumer.MaxAttempts)
}

func TestValidateDatabase_RequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.ErrorContains(t, cfg.ValidateDatabase(), "DATABASE_DSN")
}

func TestLoadConfig_RejectsUnknownDialect(t *testing.T) {
	t.Setenv("DATABASE_DSN", "x")
	t.Setenv("DATABASE_DIALECT", "oracle")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "DATABASE_DIALECT")
}

func TestLoadConfig_RejectsZeroAttempts(t *testing.T) {
	t.Setenv("DATABASE_DSN", "x")
	t.Setenv("CONSUMER_MAX_ATTEMPTS", "0")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "CONSUMER_MAX_ATTEMPTS")
}

func TestDeadLetterTopic(t *testing.T) {
	require.Equal(t, "order-completed.dlq", DeadLetterTopic(string(events.TopicOrderCompleted)))
}
