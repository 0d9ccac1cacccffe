package models

import (
	"math"
	"strconv"

	"github.com/mmdatafocus/distribution_backend/config"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// MaxAllocationQuantity bounds a single allocation or return.
const MaxAllocationQuantity = 10_000_000

// quantities are stored as decimal(20,4)
const quantityScale = 4

type AllocationRequest struct {
	BatchId         int
	Quantity        float64
	OrderId         int
	OrderLineItemId int
	UserId          int
}

type AllocateOptions struct {
	// ZeroOnInsufficient returns an empty allocation instead of a Conflict error.
	ZeroOnInsufficient bool
}

type ReturnRequest struct {
	BatchId  int
	Quantity float64
	OrderId  int
	Reason   string
	UserId   int
}

type ReturnOptions struct {
	// SkipReturnValidation disables the ledger bound on returns.
	SkipReturnValidation bool
}

type BatchAllocation struct {
	BatchId         int
	Quantity        float64
	OrderLineItemId int
}

type MultiAllocationOptions struct {
	OrderId int
	UserId  int
	// AllowRepeatedBatches lets several lines draw from one batch. Each line still gets
	// its own movement and the batch is locked once.
	AllowRepeatedBatches bool
}

// AllocationResult is shared by allocations and returns; returns carry a negative QuantityAllocated.
type AllocationResult struct {
	BatchId           int             `json:"batch_id"`
	QuantityAllocated decimal.Decimal `json:"quantity_allocated"`
	UnitCogs          decimal.Decimal `json:"unit_cogs"`
	PreviousQty       decimal.Decimal `json:"previous_qty"`
	NewQty            decimal.Decimal `json:"new_qty"`
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// ValidateQuantity checks q and converts it to the stored precision.
func ValidateQuantity(q float64) (decimal.Decimal, error) {
	switch {
	case math.IsNaN(q):
		return decimal.Zero, utils.ErrValidation("Quantity must be a valid number, got NaN")
	case math.IsInf(q, 0):
		return decimal.Zero, utils.ErrValidation("Quantity must be finite, got %s", formatQty(q))
	case q == 0:
		return decimal.Zero, utils.ErrValidation("Quantity must be greater than zero")
	case q < 0:
		return decimal.Zero, utils.ErrValidation("Quantity cannot be negative, got %s", formatQty(q))
	case q > MaxAllocationQuantity:
		return decimal.Zero, utils.ErrValidation("Quantity %s exceeds the maximum of %d", formatQty(q), MaxAllocationQuantity)
	}
	d := decimal.NewFromFloat(q).Round(quantityScale)
	if !d.IsPositive() {
		return decimal.Zero, utils.ErrValidation("Quantity %s is below the minimum precision of 0.0001", formatQty(q))
	}
	return d, nil
}

func validatePositiveId(field string, id int) error {
	if id <= 0 {
		return utils.ErrValidation("%s must be a positive integer, got %d", field, id)
	}
	return nil
}

func validateMutationInput(batchId int, quantity float64, userId int) (decimal.Decimal, error) {
	qty, err := ValidateQuantity(quantity)
	if err != nil {
		return decimal.Zero, err
	}
	if err := validatePositiveId("Batch id", batchId); err != nil {
		return decimal.Zero, err
	}
	if err := validatePositiveId("User id", userId); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// allocatableQty is the quantity an allocation may draw from. AVAILABLE_QTY_INCLUDE_HELD
// restores the legacy formula that ignores quarantine and hold.
func allocatableQty(b *Batch) decimal.Decimal {
	if config.AvailableQtyIncludesHeld() {
		return b.UnallocatedQty()
	}
	return b.AvailableQty()
}

func movementReference(orderId, orderLineItemId int) (MovementReferenceType, int) {
	if orderLineItemId > 0 {
		return MovementReferenceOrderLineItem, orderLineItemId
	}
	if orderId > 0 {
		return MovementReferenceOrder, orderId
	}
	return "", 0
}

func allocateLocked(tx BatchTx, batch *Batch, qty decimal.Decimal, orderId, orderLineItemId, userId int, opts AllocateOptions) (*AllocationResult, error) {
	available := allocatableQty(batch)
	previousQty := batch.OnHandQty
	if qty.GreaterThan(available) {
		if opts.ZeroOnInsufficient {
			return &AllocationResult{
				BatchId:           batch.ID,
				QuantityAllocated: decimal.Zero,
				UnitCogs:          batch.CostBasis(),
				PreviousQty:       previousQty,
				NewQty:            previousQty,
			}, nil
		}
		return nil, utils.ErrConflict("Insufficient quantity in batch %d. Available: %s, Requested: %s",
			batch.ID, available.String(), qty.String())
	}

	newQty := previousQty.Sub(qty)
	if err := tx.UpdateBatchOnHand(batch.ID, newQty); err != nil {
		return nil, err
	}
	refType, refId := movementReference(orderId, orderLineItemId)
	if err := tx.InsertMovement(&InventoryMovement{
		BatchId:       batch.ID,
		Type:          MovementTypeAllocation,
		QuantityDelta: qty.Neg(),
		PreviousQty:   previousQty,
		NewQty:        newQty,
		ReferenceType: refType,
		ReferenceId:   refId,
		UserId:        userId,
	}); err != nil {
		return nil, err
	}
	batch.OnHandQty = newQty

	return &AllocationResult{
		BatchId:           batch.ID,
		QuantityAllocated: qty,
		UnitCogs:          batch.CostBasis(),
		PreviousQty:       previousQty,
		NewQty:            newQty,
	}, nil
}

// AllocateFromBatch draws req.Quantity from one batch under its row lock and appends an
// ALLOCATION movement.
func AllocateFromBatch(tx BatchTx, req AllocationRequest, opts AllocateOptions) (*AllocationResult, error) {
	qty, err := validateMutationInput(req.BatchId, req.Quantity, req.UserId)
	if err != nil {
		return nil, err
	}
	return WithBatchLock(tx, req.BatchId, func(batch *Batch) (*AllocationResult, error) {
		return allocateLocked(tx, batch, qty, req.OrderId, req.OrderLineItemId, req.UserId, opts)
	}, LockOptions{})
}

// ReturnToBatch puts quantity back on a batch. Unless disabled, the return may not exceed
// what the ledger shows as allocated and not yet returned for the batch.
func ReturnToBatch(tx BatchTx, req ReturnRequest, opts ReturnOptions) (*AllocationResult, error) {
	qty, err := validateMutationInput(req.BatchId, req.Quantity, req.UserId)
	if err != nil {
		return nil, err
	}
	return WithBatchLock(tx, req.BatchId, func(batch *Batch) (*AllocationResult, error) {
		if !opts.SkipReturnValidation {
			totals, err := tx.SumMovements(batch.ID)
			if err != nil {
				return nil, err
			}
			returnable := totals.Returnable()
			if qty.GreaterThan(returnable) {
				return nil, utils.ErrConflict("Cannot return more than was allocated from batch %d. Requested: %s, Returnable: %s",
					batch.ID, qty.String(), returnable.String())
			}
		}

		previousQty := batch.OnHandQty
		newQty := previousQty.Add(qty)
		if err := tx.UpdateBatchOnHand(batch.ID, newQty); err != nil {
			return nil, err
		}
		refType, refId := movementReference(req.OrderId, 0)
		if err := tx.InsertMovement(&InventoryMovement{
			BatchId:       batch.ID,
			Type:          MovementTypeReturn,
			QuantityDelta: qty,
			PreviousQty:   previousQty,
			NewQty:        newQty,
			ReferenceType: refType,
			ReferenceId:   refId,
			Reason:        req.Reason,
			UserId:        req.UserId,
		}); err != nil {
			return nil, err
		}
		batch.OnHandQty = newQty

		return &AllocationResult{
			BatchId:           batch.ID,
			QuantityAllocated: qty.Neg(),
			UnitCogs:          batch.CostBasis(),
			PreviousQty:       previousQty,
			NewQty:            newQty,
		}, nil
	}, LockOptions{})
}

// AllocateFromMultipleBatches allocates several batches atomically. All rows are locked
// up front in ascending id order; one insufficient batch fails the whole call, and the
// caller's transaction rollback discards the allocations already applied.
// Results follow the order of allocations.
func AllocateFromMultipleBatches(tx BatchTx, allocations []BatchAllocation, opts MultiAllocationOptions) ([]AllocationResult, error) {
	if len(allocations) == 0 {
		return nil, utils.ErrBadRequest("At least one allocation is required")
	}
	if err := validatePositiveId("User id", opts.UserId); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(allocations))
	ids := make([]int, 0, len(allocations))
	quantities := make([]decimal.Decimal, len(allocations))
	for i, a := range allocations {
		if seen[a.BatchId] && !opts.AllowRepeatedBatches {
			return nil, utils.ErrBadRequest("Batch %d appears more than once in the same allocation", a.BatchId)
		}
		qty, err := validateMutationInput(a.BatchId, a.Quantity, opts.UserId)
		if err != nil {
			return nil, err
		}
		quantities[i] = qty
		if !seen[a.BatchId] {
			ids = append(ids, a.BatchId)
		}
		seen[a.BatchId] = true
	}

	return WithMultiBatchLock(tx, ids, func(batches map[int]*Batch) ([]AllocationResult, error) {
		results := make([]AllocationResult, 0, len(allocations))
		for i, a := range allocations {
			res, err := allocateLocked(tx, batches[a.BatchId], quantities[i], opts.OrderId, a.OrderLineItemId, opts.UserId, AllocateOptions{})
			if err != nil {
				return nil, err
			}
			results = append(results, *res)
		}
		return results, nil
	}, LockOptions{})
}
