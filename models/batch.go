package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type BatchStatus string

const (
	BatchStatusLive        BatchStatus = "LIVE"
	BatchStatusOnHold      BatchStatus = "ON_HOLD"
	BatchStatusQuarantined BatchStatus = "QUARANTINED"
	BatchStatusSoldOut     BatchStatus = "SOLD_OUT"
)

// Batch is a physical inventory lot. Quantity columns are only mutated by the
// allocation engine while the row is locked by the current transaction.
type Batch struct {
	ID            int              `gorm:"primary_key" json:"id"`
	LotId         string           `gorm:"size:100;index" json:"lot_id"`
	Sku           string           `gorm:"size:100;index;not null" json:"sku"`
	OnHandQty     decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"on_hand_qty"`
	AllocatedQty  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"allocated_qty"`
	QuarantineQty *decimal.Decimal `gorm:"type:decimal(20,4)" json:"quarantine_qty"`
	HoldQty       *decimal.Decimal `gorm:"type:decimal(20,4)" json:"hold_qty"`
	UnitCogs      *decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_cogs"`
	Status        BatchStatus      `gorm:"size:20;not null;default:LIVE" json:"status"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt   `gorm:"index" json:"deleted_at"`
}

func decimalOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// AvailableQty is the canonical sellable quantity:
// on_hand - allocated - quarantine - hold (nulls count as zero).
func (b Batch) AvailableQty() decimal.Decimal {
	return b.OnHandQty.
		Sub(decimalOrZero(b.AllocatedQty)).
		Sub(decimalOrZero(b.QuarantineQty)).
		Sub(decimalOrZero(b.HoldQty))
}

// UnallocatedQty is on_hand - allocated, ignoring quarantine and hold.
func (b Batch) UnallocatedQty() decimal.Decimal {
	return b.OnHandQty.Sub(decimalOrZero(b.AllocatedQty))
}

func (b Batch) CostBasis() decimal.Decimal {
	return decimalOrZero(b.UnitCogs)
}

func GetBatch(ctx context.Context, db *gorm.DB, id int) (*Batch, error) {
	var batch Batch
	err := db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound("Batch %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}
