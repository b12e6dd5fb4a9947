package outbox

import (
	"context"
	"fmt"
	"time"

	"eventflow/internal/events"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is a follow-on event waiting to be published. It is written in the same
// transaction as the artifact that caused it.
type Message struct {
	ID            string     `gorm:"column:id;primaryKey;size:36"`
	Topic         string     `gorm:"column:topic;size:255;not null;index"`
	PartitionKey  string     `gorm:"column:partition_key;size:255"`
	EventID       string     `gorm:"column:event_id;size:36;not null"`
	CorrelationID string     `gorm:"column:correlation_id;size:255"`
	Envelope      []byte     `gorm:"column:envelope;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index"`
	PublishedAt   *time.Time `gorm:"column:published_at;index"`
	NextAttemptAt *time.Time `gorm:"column:next_attempt_at;index"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LastError     string     `gorm:"column:last_error;size:1024"`
}

func (Message) TableName() string {
	return "outbox_messages"
}

// Store appends follow-on events to the outbox table.
type Store struct {
	now func() time.Time
}

func NewStore() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

// Append validates envs against the shared schema and inserts them through tx. It
// returns the ids of the new rows.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, envs ...events.Envelope) ([]string, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	rows := make([]Message, 0, len(envs))
	ids := make([]string, 0, len(envs))
	for _, env := range envs {
		if err := events.Schemas.Validate(env); err != nil {
			return nil, fmt.Errorf("follow-on event %s: %w", env.EventID, err)
		}
		raw, err := env.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal follow-on event %s: %w", env.EventID, err)
		}
		id := uuid.NewString()
		rows = append(rows, Message{
			ID:            id,
			Topic:         string(env.Topic),
			PartitionKey:  env.PartitionKey,
			EventID:       env.EventID,
			CorrelationID: env.CorrelationID,
			Envelope:      raw,
			CreatedAt:     s.now(),
		})
		ids = append(ids, id)
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("insert outbox rows: %w", err)
	}
	return ids, nil
}
