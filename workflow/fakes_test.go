package workflow

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type memState struct {
	batches   map[int]models.Batch
	orders    map[int]models.Order
	lines     map[int][]models.OrderLineItem
	movements []models.InventoryMovement
}

func newMemState() *memState {
	return &memState{
		batches: map[int]models.Batch{},
		orders:  map[int]models.Order{},
		lines:   map[int][]models.OrderLineItem{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = append([]models.OrderLineItem(nil), v...)
	}
	c.movements = append([]models.InventoryMovement(nil), s.movements...)
	return c
}

// memBeginner runs one transaction at a time over a snapshot of its state and only
// publishes the snapshot when fn succeeds.
type memBeginner struct {
	mu           sync.Mutex
	state        *memState
	calls        int
	lockTimeouts []time.Duration
	lockCalls    [][]int
}

func newMemBeginner() *memBeginner {
	return &memBeginner{state: newMemState()}
}

func (b *memBeginner) InTransaction(_ context.Context, lockTimeout time.Duration, fn func(tx models.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lockTimeouts = append(b.lockTimeouts, lockTimeout)
	work := b.state.clone()
	if err := fn(&memTx{s: work, b: b}); err != nil {
		return err
	}
	b.state = work
	return nil
}

func (b *memBeginner) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *memBeginner) batch(id int) models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.batches[id]
}

func (b *memBeginner) order(id int) models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.orders[id]
}

func (b *memBeginner) movements() []models.InventoryMovement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.InventoryMovement(nil), b.state.movements...)
}

func (b *memBeginner) addBatch(id int, onHand string) {
	b.state.batches[id] = models.Batch{ID: id, Sku: "SKU", OnHandQty: decimal.RequireFromString(onHand), Status: models.BatchStatusLive}
}

func (b *memBeginner) addOrder(id int, status models.OrderFulfillmentStatus, lines ...models.OrderLineItem) {
	b.state.orders[id] = models.Order{ID: id, FulfillmentStatus: status}
	for i := range lines {
		lines[i].OrderId = id
		if lines[i].ID == 0 {
			lines[i].ID = id*100 + i + 1
		}
	}
	b.state.lines[id] = lines
}

// memTx is only valid inside the InTransaction call that created it.
type memTx struct {
	s *memState
	b *memBeginner
}

func (t *memTx) SelectForUpdate(ids []int, _ time.Duration) ([]models.Batch, error) {
	t.b.lockCalls = append(t.b.lockCalls, append([]int(nil), ids...))
	var out []models.Batch
	for _, id := range ids {
		if b, ok := t.s.batches[id]; ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateBatchOnHand(batchId int, onHandQty decimal.Decimal) error {
	b := t.s.batches[batchId]
	b.OnHandQty = onHandQty
	t.s.batches[batchId] = b
	return nil
}

func (t *memTx) InsertMovement(m *models.InventoryMovement) error {
	m.ID = len(t.s.movements) + 1
	t.s.movements = append(t.s.movements, *m)
	return nil
}

func (t *memTx) SumMovements(batchId int) (models.MovementTotals, error) {
	totals := models.MovementTotals{Allocated: decimal.Zero, Returned: decimal.Zero}
	for _, m := range t.s.movements {
		if m.BatchId != batchId {
			continue
		}
		if m.Type == models.MovementTypeAllocation {
			totals.Allocated = totals.Allocated.Add(m.QuantityDelta.Neg())
		} else {
			totals.Returned = totals.Returned.Add(m.QuantityDelta)
		}
	}
	return totals, nil
}

func (t *memTx) SelectOrderForUpdate(orderId int) (*models.Order, error) {
	o, ok := t.s.orders[orderId]
	if !ok {
		return nil, utils.ErrNotFound("Order %d not found", orderId)
	}
	return &o, nil
}

func (t *memTx) UpdateOrderStatus(orderId int, status models.OrderFulfillmentStatus) error {
	o := t.s.orders[orderId]
	o.FulfillmentStatus = status
	t.s.orders[orderId] = o
	return nil
}

func (t *memTx) OrderLineItems(orderId int) ([]models.OrderLineItem, error) {
	return append([]models.OrderLineItem(nil), t.s.lines[orderId]...), nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// sleepRecorder replaces the runner's backoff so tests do not wait.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestRunner(b TxBeginner) (*TransactionRunner, *sleepRecorder) {
	r := NewTransactionRunner(b, quietLogger())
	rec := &sleepRecorder{}
	r.sleep = rec.sleep
	return r, rec
}

func newTestWrapper(t *testing.T, b TxBeginner, opts ...WrapperOption) (*MutationWrapper, *MemoryIdempotencyStore) {
	t.Helper()
	runner, _ := newTestRunner(b)
	store := NewMemoryIdempotencyStore(time.Minute, quietLogger())
	return NewMutationWrapper(runner, store, quietLogger(), opts...), store
}

func ptr[T any](v T) *T {
	return &v
}

func qty(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}
