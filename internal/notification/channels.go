package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventflow/internal/platform/httpclient"
	"eventflow/internal/platform/observability"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is a rendered notification ready for a channel.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Channel delivers rendered messages and returns the provider reference.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// EmailChannel posts messages to an HTTP mail gateway.
type EmailChannel struct {
	client *httpclient.Client
	url    string
	apiKey string
	from   string
}

func NewEmailChannel(client *httpclient.Client, url, apiKey, from string) *EmailChannel {
	return &EmailChannel{client: client, url: url, apiKey: apiKey, from: from}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, msg Message) (string, error) {
	req := struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		Text    string `json:"text"`
	}{From: c.from, To: msg.Recipient, Subject: msg.Subject, Text: msg.Body}

	var resp struct {
		ID string `json:"id"`
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	if err := c.client.PostJSON(ctx, c.url, headers, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SMSChannel posts messages to an HTTP SMS gateway.
type SMSChannel struct {
	client *httpclient.Client
	url    string
}

func NewSMSChannel(client *httpclient.Client, url string) *SMSChannel {
	return &SMSChannel{client: client, url: url}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Send(ctx context.Context, msg Message) (string, error) {
	req := struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}{To: msg.Recipient, Body: msg.Body}

	var resp struct {
		SID string `json:"sid"`
	}
	if err := c.client.PostJSON(ctx, c.url, nil, req, &resp); err != nil {
		return "", err
	}
	return resp.SID, nil
}

// Publisher is the subset of the redis client used for in-app push.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// PushChannel publishes in-app notifications on a redis channel for the realtime
// gateway to forward.
type PushChannel struct {
	rdb     Publisher
	channel string
	now     func() time.Time
}

func NewPushChannel(rdb Publisher, channel string) *PushChannel {
	return &PushChannel{rdb: rdb, channel: channel, now: func() time.Time { return time.Now().UTC() }}
}

func (c *PushChannel) Name() string { return "in_app_push" }

func (c *PushChannel) Send(ctx context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(map[string]any{
		"id":        id,
		"usuarioId": msg.Recipient,
		"titulo":    msg.Subject,
		"mensaje":   msg.Body,
		"sentAt":    c.now().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	if err := c.rdb.Publish(ctx, c.channel, raw).Err(); err != nil {
		return "", fmt.Errorf("redis publish %s: %w", c.channel, err)
	}
	return id, nil
}

// LogChannel only logs messages. It stands in for the mail gateway in local setups.
type LogChannel struct {
	name   string
	logger observability.Logger
}

func NewLogChannel(name string, logger observability.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, msg Message) (string, error) {
	c.logger.Info("Notification sent",
		zap.String("channel", c.name),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
	)
	return "log-" + uuid.NewString(), nil
}
