package app

import (
	"context"
	"fmt"
	"sort"

	"eventflow/internal/config"
	"eventflow/internal/idempotency"
	"eventflow/internal/invoicing"
	"eventflow/internal/medicalrecord"
	"eventflow/internal/notification"
	"eventflow/internal/outbox"
	"eventflow/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service roles. Each process runs exactly one.
const (
	RoleInvoice       = "invoice"
	RoleMedicalRecord = "medical-record"
	RoleNotification  = "notification"
)

// Roles lists the roles accepted by serve.
func Roles() []string {
	return []string{RoleInvoice, RoleMedicalRecord, RoleNotification}
}

// binding attaches one orchestrator to the topic and consumer group it serves.
type binding struct {
	topic   string
	groupID string
	orch    *workflow.Orchestrator
}

// roleModels lists the artifact tables owned by role.
func roleModels(role string) ([]any, error) {
	switch role {
	case RoleInvoice:
		return invoicing.Models(), nil
	case RoleMedicalRecord:
		return medicalrecord.Models(), nil
	case RoleNotification:
		return notification.Models(), nil
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}

// buildWorkflows registers the strategies and orchestrators of role. Registration is
// explicit so that the discriminators a process serves are visible in one place.
func (c *Container) buildWorkflows(ctx context.Context, gdb *gorm.DB, relay *outbox.Relay) ([]binding, error) {
	cfg := c.config
	timeout := cfg.Consumer.StrategyTimeout

	opts := []workflow.Option{
		workflow.WithOutbox(outbox.NewStore(), relay),
		workflow.WithMetrics(c.metrics),
	}
	if cfg.DatabaseDialect == config.DialectSQLite {
		opts = append(opts, workflow.WithKeyLock(idempotency.NewKeyLock()))
	}
	guard := idempotency.NewGuard(gdb)

	var defs []struct {
		def     workflow.Definition
		groupID string
	}
	add := func(def workflow.Definition, groupID string) {
		defs = append(defs, struct {
			def     workflow.Definition
			groupID string
		}{def, groupID})
	}

	switch c.role {
	case RoleInvoice:
		add(invoicing.Definition(invoicing.NewRegistry(), timeout), config.InvoiceGroupID)

	case RoleMedicalRecord:
		var pets medicalrecord.PetDirectory
		if cfg.Channels.PetDirectoryURL != "" {
			pets = medicalrecord.NewHTTPPetDirectory(c.HTTPClient("pet-directory"), cfg.Channels.PetDirectoryURL, cfg.Channels.PetCacheTTL, c.logger)
		}
		add(medicalrecord.Definition(medicalrecord.NewRegistry(pets), timeout), config.MedicalRecordGroupID)

	case RoleNotification:
		channels, err := c.notificationChannels(ctx)
		if err != nil {
			return nil, err
		}
		requests, err := notification.NewRequestRegistry(channels)
		if err != nil {
			return nil, fmt.Errorf("register notification strategies: %w", err)
		}
		add(notification.RequestDefinition(requests, timeout), config.NotificationGroupID)
		add(notification.AppointmentDefinition(notification.NewAppointmentRegistry(channels.Email), timeout), config.NotificationGroupID)
		add(notification.RegistrationDefinition(notification.NewRegistrationRegistry(channels.Email), timeout), config.NotificationGroupID)

	default:
		return nil, fmt.Errorf("unknown role %q", c.role)
	}

	bindings := make([]binding, 0, len(defs))
	for _, d := range defs {
		orch, err := workflow.NewOrchestrator(d.def, gdb, guard, c.logger, c.tracer, opts...)
		if err != nil {
			return nil, err
		}
		registered := d.def.Strategies.Registered()
		names := make([]string, 0, len(registered))
		for _, disc := range registered {
			names = append(names, string(disc))
		}
		sort.Strings(names)
		c.logger.Info("Workflow registered",
			zap.String("workflow", d.def.Name),
			zap.String("topic", string(d.def.Topic)),
			zap.String("group_id", d.groupID),
			zap.Strings("discriminators", names),
		)
		bindings = append(bindings, binding{topic: string(d.def.Topic), groupID: d.groupID, orch: orch})
	}
	return bindings, nil
}

// notificationChannels builds the configured delivery channels. Without a mail
// gateway messages are only logged; SMS and push stay unregistered unless configured.
func (c *Container) notificationChannels(ctx context.Context) (notification.Channels, error) {
	cfg := c.config.Channels
	var ch notification.Channels

	if cfg.EmailGatewayURL != "" {
		ch.Email = notification.NewEmailChannel(c.HTTPClient("email-gateway"), cfg.EmailGatewayURL, cfg.EmailAPIKey, cfg.EmailFrom)
	} else {
		c.logger.Warn("EMAIL_GATEWAY_URL not set, email notifications are only logged")
		ch.Email = notification.NewLogChannel("email", c.logger)
	}
	if cfg.SMSGatewayURL != "" {
		ch.SMS = notification.NewSMSChannel(c.HTTPClient("sms-gateway"), cfg.SMSGatewayURL)
	}

	rdb, err := c.Redis(ctx)
	if err != nil {
		return ch, err
	}
	if rdb != nil {
		ch.Push = notification.NewPushChannel(rdb, cfg.PushChannel)
	}
	return ch, nil
}
