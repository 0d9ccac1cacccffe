package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MovementType string

const (
	MovementTypeAllocation MovementType = "ALLOCATION"
	MovementTypeReturn     MovementType = "RETURN"
)

type MovementReferenceType string

const (
	MovementReferenceOrder         MovementReferenceType = "ORDER"
	MovementReferenceOrderLineItem MovementReferenceType = "ORDER_LINE_ITEM"
)

// InventoryMovement is an append-only ledger row. QuantityDelta is negative for
// allocations and positive for returns.
type InventoryMovement struct {
	ID            int                   `gorm:"primary_key" json:"id"`
	BatchId       int                   `gorm:"index;not null" json:"batch_id"`
	Type          MovementType          `gorm:"size:20;index;not null" json:"type"`
	QuantityDelta decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"quantity_delta"`
	PreviousQty   decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"previous_qty"`
	NewQty        decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"new_qty"`
	ReferenceType MovementReferenceType `gorm:"size:30;index:idx_movement_reference" json:"reference_type"`
	ReferenceId   int                   `gorm:"index:idx_movement_reference" json:"reference_id"`
	Reason        string                `gorm:"size:255" json:"reason"`
	UserId        int                   `gorm:"not null" json:"user_id"`
	CreatedAt     time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

// MovementTotals are the absolute ledger sums for one batch.
type MovementTotals struct {
	Allocated decimal.Decimal
	Returned  decimal.Decimal
}

// Returnable is what may still come back to the batch.
func (t MovementTotals) Returnable() decimal.Decimal {
	return t.Allocated.Sub(t.Returned)
}
