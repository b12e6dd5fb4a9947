package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key identifies one downstream effect: the origin entity and the kind of artifact
// produced from it.
type Key struct {
	OriginID   string
	OriginType string
}

func (k Key) String() string {
	return k.OriginType + ":" + k.OriginID
}

// Validate rejects keys with an empty component.
func (k Key) Validate() error {
	if strings.TrimSpace(k.OriginID) == "" {
		return errors.New("idempotency key: origin id is required")
	}
	if strings.TrimSpace(k.OriginType) == "" {
		return errors.New("idempotency key: origin type is required")
	}
	return nil
}

// ClaimResult is the outcome of TryClaim.
type ClaimResult int

const (
	Claimed ClaimResult = iota + 1
	AlreadyClaimed
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	default:
		return "unknown"
	}
}

// Claim is the persisted proof that an artifact exists for (origin_id, origin_type).
// Rows are inserted once and never updated.
type Claim struct {
	OriginID   string    `gorm:"column:origin_id;primaryKey;size:191"`
	OriginType string    `gorm:"column:origin_type;primaryKey;size:64"`
	ClaimedAt  time.Time `gorm:"column:claimed_at;not null"`
}

func (Claim) TableName() string {
	return "idempotency_claims"
}

// Guard enforces at most one downstream artifact per Key.
type Guard struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGuard creates a guard backed by db.
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// TryClaim inserts the claim row for key in a single statement. A conflicting row,
// whether committed earlier or committed by a concurrent transaction this insert
// waited on, yields AlreadyClaimed. Pass the transaction that will also persist the
// artifact so that both commit or roll back together; a nil tx uses the guard's
// own connection.
func (g *Guard) TryClaim(ctx context.Context, tx *gorm.DB, key Key) (ClaimResult, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if tx == nil {
		tx = g.db
	}

	row := Claim{
		OriginID:   key.OriginID,
		OriginType: key.OriginType,
		ClaimedAt:  g.now(),
	}
	create := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "origin_id"}, {Name: "origin_type"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return AlreadyClaimed, nil
		}
		return 0, fmt.Errorf("claim %s: %w", key, create.Error)
	}
	if create.RowsAffected == 0 {
		return AlreadyClaimed, nil
	}
	return Claimed, nil
}

// Exists reports whether an artifact has already been produced for key. It matches
// both key fields exactly.
func (g *Guard) Exists(ctx context.Context, key Key) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&Claim{}).
		Where("origin_id = ? AND origin_type = ?", key.OriginID, key.OriginType).
		Count(&count).
		Error
	if err != nil {
		return false, fmt.Errorf("lookup claim %s: %w", key, err)
	}
	return count > 0, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
