package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"eventflow/internal/app"
	"eventflow/internal/events"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "eventflow",
	Short: "Event-driven workflows for the veterinary clinic",
	Long: `Consumes domain events from Kafka and turns each one into exactly one downstream
artifact: invoices, medical record entries and notifications.

Configuration is read from the environment (KAFKA_BROKERS, DATABASE_DIALECT,
DATABASE_DSN, OTEL_ENDPOINT, ...).`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:       "serve <role>",
	Short:     "Run the consumer loops of one service role",
	Long:      "Run the consumer loops of one service role until interrupted.\n\nRoles: " + strings.Join(app.Roles(), ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: app.Roles(),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := args[0]
		if !slices.Contains(app.Roles(), role) {
			return fmt.Errorf("unknown role %q (want one of %s)", role, strings.Join(app.Roles(), ", "))
		}
		return withApplication(cmd.Context(), role, func(application *app.Application) error {
			return application.Serve()
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish pending follow-on events from the outbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "outbox-relay", func(application *app.Application) error {
			return application.RunRelay()
		})
	},
}

var (
	publishDiscriminator string
	publishCorrelationID string
	publishKey           string
)

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <payload.json>",
	Short: "Validate and produce one event",
	Long: `Validate a JSON payload against the topic schema and produce it wrapped in an envelope.

Use "-" to read the payload from stdin.

Examples:
  eventflow publish order-completed order.json --key 501
  eventflow publish notification-request - --discriminator FACTURA < factura.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(args[1])
		if err != nil {
			return err
		}
		return withApplication(cmd.Context(), "publisher", func(application *app.Application) error {
			env, err := application.Container().Publish(application.Context(), app.PublishRequest{
				Topic:         events.Topic(args[0]),
				Discriminator: events.Discriminator(publishDiscriminator),
				CorrelationID: publishCorrelationID,
				PartitionKey:  publishKey,
				Payload:       payload,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s event_id=%s correlation_id=%s\n", env.Topic, env.EventID, env.CorrelationID)
			return nil
		})
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and recover dead-lettered messages",
}

var (
	replayLimit int
	replayIdle  time.Duration
)

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <topic>",
	Short: "Move dead-lettered messages back to their source topic",
	Long: `Read <topic>.dlq and republish each message to the topic it failed on, without the
dead-letter headers. Stops after --limit messages or when the dead-letter topic has
been idle for --idle.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), "dlq-replay", func(application *app.Application) error {
			n, err := application.Container().ReplayDeadLetters(application.Context(), args[0], replayLimit, replayIdle)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d message(s) to %s\n", n, args[0])
			return err
		})
	},
}

func init() {
	publishCmd.Flags().StringVarP(&publishDiscriminator, "discriminator", "d", "",
		"discriminator value (default: the topic default)")
	publishCmd.Flags().StringVar(&publishCorrelationID, "correlation-id", "",
		"correlation id (default: random)")
	publishCmd.Flags().StringVarP(&publishKey, "key", "k", "",
		"partition key, usually the origin id")

	dlqReplayCmd.Flags().IntVarP(&replayLimit, "limit", "n", 0,
		"maximum number of messages to replay (0 = all)")
	dlqReplayCmd.Flags().DurationVar(&replayIdle, "idle", 5*time.Second,
		"stop after no message arrives for this long")

	dlqCmd.AddCommand(dlqReplayCmd)
	rootCmd.AddCommand(serveCmd, relayCmd, publishCmd, dlqCmd)
}

// withApplication initializes the application for role, runs fn and shuts it down.
func withApplication(ctx context.Context, role string, fn func(*app.Application) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	application, err := app.NewApplication(ctx, role)
	if err != nil {
		return err
	}
	defer application.Shutdown()

	return fn(application)
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
