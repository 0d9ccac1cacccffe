package models

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerIssue describes one broken link in a batch's movement chain.
type LedgerIssue struct {
	MovementId int    `json:"movement_id"`
	Message    string `json:"message"`
}

type LedgerReport struct {
	BatchId     int             `json:"batch_id"`
	Movements   int             `json:"movements"`
	OnHandQty   decimal.Decimal `json:"on_hand_qty"`
	ReplayedQty decimal.Decimal `json:"replayed_qty"`
	Issues      []LedgerIssue   `json:"issues"`
}

func (r LedgerReport) Consistent() bool {
	return len(r.Issues) == 0
}

// ReplayMovements walks movements in insertion order and checks that every row
// continues the previous one: previous_qty matches the prior new_qty and
// new_qty = previous_qty + quantity_delta. It returns the final on-hand quantity.
func ReplayMovements(movements []InventoryMovement) (decimal.Decimal, []LedgerIssue) {
	var issues []LedgerIssue
	if len(movements) == 0 {
		return decimal.Zero, nil
	}
	running := movements[0].PreviousQty
	for _, m := range movements {
		if !m.PreviousQty.Equal(running) {
			issues = append(issues, LedgerIssue{
				MovementId: m.ID,
				Message:    fmt.Sprintf("previous_qty %s does not continue from %s", m.PreviousQty, running),
			})
		}
		if expected := m.PreviousQty.Add(m.QuantityDelta); !m.NewQty.Equal(expected) {
			issues = append(issues, LedgerIssue{
				MovementId: m.ID,
				Message:    fmt.Sprintf("new_qty %s != previous_qty %s + delta %s", m.NewQty, m.PreviousQty, m.QuantityDelta),
			})
		}
		switch m.Type {
		case MovementTypeAllocation:
			if !m.QuantityDelta.IsNegative() {
				issues = append(issues, LedgerIssue{MovementId: m.ID, Message: "allocation with non-negative delta"})
			}
		case MovementTypeReturn:
			if !m.QuantityDelta.IsPositive() {
				issues = append(issues, LedgerIssue{MovementId: m.ID, Message: "return with non-positive delta"})
			}
		}
		running = m.NewQty
	}
	return running, issues
}

// VerifyBatchLedger replays the movements of one batch and compares the result with
// the batch's stored on-hand quantity.
func VerifyBatchLedger(ctx context.Context, db *gorm.DB, batchId int) (*LedgerReport, error) {
	batch, err := GetBatch(ctx, db, batchId)
	if err != nil {
		return nil, err
	}
	var movements []InventoryMovement
	if err := db.WithContext(ctx).Where("batch_id = ?", batchId).Order("id ASC").Find(&movements).Error; err != nil {
		return nil, err
	}

	report := &LedgerReport{
		BatchId:   batchId,
		Movements: len(movements),
		OnHandQty: batch.OnHandQty,
	}
	if len(movements) == 0 {
		report.ReplayedQty = batch.OnHandQty
		return report, nil
	}
	report.ReplayedQty, report.Issues = ReplayMovements(movements)
	if !report.ReplayedQty.Equal(batch.OnHandQty) {
		report.Issues = append(report.Issues, LedgerIssue{
			MovementId: movements[len(movements)-1].ID,
			Message:    fmt.Sprintf("on_hand_qty %s differs from replayed %s", batch.OnHandQty, report.ReplayedQty),
		})
	}
	return report, nil
}

// BatchIdsWithMovements lists every batch that has at least one ledger row.
func BatchIdsWithMovements(ctx context.Context, db *gorm.DB) ([]int, error) {
	var ids []int
	err := db.WithContext(ctx).Model(&InventoryMovement{}).Distinct("batch_id").Order("batch_id ASC").Pluck("batch_id", &ids).Error
	return ids, err
}
