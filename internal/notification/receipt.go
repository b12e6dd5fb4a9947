package notification

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Receipt records a dispatched notification.
type Receipt struct {
	ID            string    `gorm:"column:id;primaryKey;size:36"`
	OriginType    string    `gorm:"column:origin_type;size:64;not null;uniqueIndex:idx_receipt_origin"`
	OriginID      string    `gorm:"column:origin_id;size:191;not null;uniqueIndex:idx_receipt_origin"`
	Tipo          string    `gorm:"column:tipo;size:32;not null"`
	Channel       string    `gorm:"column:channel;size:32;not null"`
	Recipient     string    `gorm:"column:recipient;size:255"`
	Subject       string    `gorm:"column:subject;size:255"`
	ProviderRef   string    `gorm:"column:provider_ref;size:255"`
	CorrelationID string    `gorm:"column:correlation_id;size:255"`
	SentAt        time.Time `gorm:"column:sent_at;not null"`
}

func (Receipt) TableName() string { return "notification_receipts" }

func (r *Receipt) Persist(ctx context.Context, tx *gorm.DB) error {
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("insert notification receipt %s: %w", r.ID, err)
	}
	return nil
}
