package models_test

import (
	"sort"
	"time"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

// fakeTx is an in-memory models.Tx. It records the id list of every lock request.
type fakeTx struct {
	batches   map[int]*models.Batch
	orders    map[int]*models.Order
	lines     map[int][]models.OrderLineItem
	movements []models.InventoryMovement

	lockCalls    [][]int
	lockTimeouts []time.Duration
	selectErr    error
}

func newFakeTx(batches ...models.Batch) *fakeTx {
	f := &fakeTx{
		batches: map[int]*models.Batch{},
		orders:  map[int]*models.Order{},
		lines:   map[int][]models.OrderLineItem{},
	}
	for i := range batches {
		b := batches[i]
		f.batches[b.ID] = &b
	}
	return f
}

func qty(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func qtyPtr(v string) *decimal.Decimal {
	d := qty(v)
	return &d
}

func liveBatch(id int, onHand string) models.Batch {
	return models.Batch{ID: id, Sku: "SKU", OnHandQty: qty(onHand), UnitCogs: qtyPtr("2.5"), Status: models.BatchStatusLive}
}

func (f *fakeTx) SelectForUpdate(ids []int, lockTimeout time.Duration) ([]models.Batch, error) {
	f.lockCalls = append(f.lockCalls, append([]int(nil), ids...))
	f.lockTimeouts = append(f.lockTimeouts, lockTimeout)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var out []models.Batch
	for _, id := range ids {
		if b, ok := f.batches[id]; ok && !b.DeletedAt.Valid {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTx) UpdateBatchOnHand(batchId int, onHandQty decimal.Decimal) error {
	f.batches[batchId].OnHandQty = onHandQty
	return nil
}

func (f *fakeTx) InsertMovement(m *models.InventoryMovement) error {
	m.ID = len(f.movements) + 1
	f.movements = append(f.movements, *m)
	return nil
}

func (f *fakeTx) SumMovements(batchId int) (models.MovementTotals, error) {
	totals := models.MovementTotals{Allocated: decimal.Zero, Returned: decimal.Zero}
	for _, m := range f.movements {
		if m.BatchId != batchId {
			continue
		}
		switch m.Type {
		case models.MovementTypeAllocation:
			totals.Allocated = totals.Allocated.Add(m.QuantityDelta.Neg())
		case models.MovementTypeReturn:
			totals.Returned = totals.Returned.Add(m.QuantityDelta)
		}
	}
	return totals, nil
}

func (f *fakeTx) SelectOrderForUpdate(orderId int) (*models.Order, error) {
	o, ok := f.orders[orderId]
	if !ok {
		return nil, utils.ErrNotFound("Order %d not found", orderId)
	}
	copied := *o
	return &copied, nil
}

func (f *fakeTx) UpdateOrderStatus(orderId int, status models.OrderFulfillmentStatus) error {
	f.orders[orderId].FulfillmentStatus = status
	return nil
}

func (f *fakeTx) OrderLineItems(orderId int) ([]models.OrderLineItem, error) {
	return append([]models.OrderLineItem(nil), f.lines[orderId]...), nil
}

var _ models.Tx = (*fakeTx)(nil)
