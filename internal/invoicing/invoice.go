package invoicing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Invoice is the artifact of the order-completed workflow.
type Invoice struct {
	ID            string        `gorm:"column:id;primaryKey;size:36"`
	OriginType    string        `gorm:"column:origin_type;size:64;not null;uniqueIndex:idx_invoice_origin"`
	OriginID      string        `gorm:"column:origin_id;size:191;not null;uniqueIndex:idx_invoice_origin"`
	Kind          string        `gorm:"column:kind;size:32;not null"`
	UsuarioID     *int64        `gorm:"column:usuario_id"`
	ClienteNombre string        `gorm:"column:cliente_nombre;size:255;not null"`
	ClienteEmail  string        `gorm:"column:cliente_email;size:255;not null"`
	Total         float64       `gorm:"column:total;not null"`
	OrderedAt     time.Time     `gorm:"column:ordered_at;not null"`
	IssuedAt      time.Time     `gorm:"column:issued_at;not null"`
	CorrelationID string        `gorm:"column:correlation_id;size:255"`
	Lines         []InvoiceLine `gorm:"foreignKey:InvoiceID"`
}

func (Invoice) TableName() string { return "invoices" }

// InvoiceLine is one billed item.
type InvoiceLine struct {
	ID             uint    `gorm:"column:id;primaryKey"`
	InvoiceID      string  `gorm:"column:invoice_id;size:36;not null;index"`
	Position       int     `gorm:"column:position;not null"`
	ProductoID     *int64  `gorm:"column:producto_id"`
	Description    string  `gorm:"column:description;size:255"`
	Cantidad       int     `gorm:"column:cantidad;not null"`
	PrecioUnitario float64 `gorm:"column:precio_unitario;not null"`
	Subtotal       float64 `gorm:"column:subtotal;not null"`
}

func (InvoiceLine) TableName() string { return "invoice_lines" }

// Persist stores the invoice and its lines in tx.
func (inv *Invoice) Persist(ctx context.Context, tx *gorm.DB) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	for i := range inv.Lines {
		inv.Lines[i].InvoiceID = inv.ID
	}
	if err := tx.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("insert invoice %s: %w", inv.ID, err)
	}
	return nil
}

// ItemsSummary renders the lines as "2 x 12, 1 x 40" for notifications.
func (inv *Invoice) ItemsSummary() string {
	parts := make([]string, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		ref := l.Description
		if l.ProductoID != nil {
			ref = strconv.FormatInt(*l.ProductoID, 10)
		}
		parts = append(parts, fmt.Sprintf("%d x %s", l.Cantidad, ref))
	}
	return strings.Join(parts, ", ")
}
