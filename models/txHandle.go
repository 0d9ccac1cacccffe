package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchTx is everything the locking core may do with a transaction.
// Implementations return driver errors already passed through WrapDriverError.
type BatchTx interface {
	// SelectForUpdate locks and returns the live (not soft-deleted) batches among ids,
	// ordered by id. A zero lockTimeout keeps the transaction default.
	SelectForUpdate(ids []int, lockTimeout time.Duration) ([]Batch, error)
	UpdateBatchOnHand(batchId int, onHandQty decimal.Decimal) error
	InsertMovement(movement *InventoryMovement) error
	SumMovements(batchId int) (MovementTotals, error)
}

// OrderTx is what the fulfillment orchestrator needs on top of BatchTx.
type OrderTx interface {
	SelectOrderForUpdate(orderId int) (*Order, error)
	UpdateOrderStatus(orderId int, status OrderFulfillmentStatus) error
	OrderLineItems(orderId int) ([]OrderLineItem, error)
}

// Tx is the handle handed to a unit of work.
type Tx interface {
	BatchTx
	OrderTx
}

// GormTx implements Tx on top of an open *gorm.DB transaction.
type GormTx struct {
	db          *gorm.DB
	dialect     Dialect
	lockTimeout time.Duration
}

func NewGormTx(tx *gorm.DB, dialect Dialect, lockTimeout time.Duration) *GormTx {
	return &GormTx{db: tx, dialect: dialect, lockTimeout: lockTimeout}
}

func (t *GormTx) setLockTimeout(timeout time.Duration) error {
	return WrapDriverError(t.dialect, t.db.Exec(t.dialect.LockTimeoutSQL(timeout)).Error)
}

func (t *GormTx) SelectForUpdate(ids []int, lockTimeout time.Duration) ([]Batch, error) {
	override := lockTimeout > 0 && lockTimeout != t.lockTimeout
	if override {
		if err := t.setLockTimeout(lockTimeout); err != nil {
			return nil, err
		}
	}
	var batches []Batch
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&batches).Error
	if err != nil {
		return nil, WrapDriverError(t.dialect, err)
	}
	if override && t.lockTimeout > 0 {
		if err := t.setLockTimeout(t.lockTimeout); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (t *GormTx) UpdateBatchOnHand(batchId int, onHandQty decimal.Decimal) error {
	err := t.db.Model(&Batch{}).Where("id = ?", batchId).Update("on_hand_qty", onHandQty).Error
	return WrapDriverError(t.dialect, err)
}

func (t *GormTx) InsertMovement(movement *InventoryMovement) error {
	return WrapDriverError(t.dialect, t.db.Create(movement).Error)
}

func (t *GormTx) SumMovements(batchId int) (MovementTotals, error) {
	var row struct {
		Allocated decimal.Decimal
		Returned  decimal.Decimal
	}
	err := t.db.Model(&InventoryMovement{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN -quantity_delta ELSE 0 END), 0) AS allocated, "+
			"COALESCE(SUM(CASE WHEN type = ? THEN quantity_delta ELSE 0 END), 0) AS returned",
			MovementTypeAllocation, MovementTypeReturn).
		Where("batch_id = ?", batchId).
		Scan(&row).Error
	if err != nil {
		return MovementTotals{}, WrapDriverError(t.dialect, err)
	}
	return MovementTotals{Allocated: row.Allocated, Returned: row.Returned}, nil
}

func (t *GormTx) SelectOrderForUpdate(orderId int) (*Order, error) {
	var order Order
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", orderId).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound("Order %d not found", orderId)
	}
	if err != nil {
		return nil, WrapDriverError(t.dialect, err)
	}
	return &order, nil
}

func (t *GormTx) UpdateOrderStatus(orderId int, status OrderFulfillmentStatus) error {
	err := t.db.Model(&Order{}).Where("id = ?", orderId).Update("fulfillment_status", status).Error
	return WrapDriverError(t.dialect, err)
}

func (t *GormTx) OrderLineItems(orderId int) ([]OrderLineItem, error) {
	var items []OrderLineItem
	err := t.db.Where("order_id = ?", orderId).Order("id ASC").Find(&items).Error
	return items, WrapDriverError(t.dialect, err)
}

// GormTxBeginner opens one database transaction per unit of work.
type GormTxBeginner struct {
	DB      *gorm.DB
	Dialect Dialect
}

func NewGormTxBeginner(db *gorm.DB, dialect Dialect) *GormTxBeginner {
	return &GormTxBeginner{DB: db, Dialect: dialect}
}

// InTransaction sets the lock wait timeout, runs fn and commits. Any error from fn
// rolls the transaction back, which releases every row lock it held.
func (b *GormTxBeginner) InTransaction(ctx context.Context, lockTimeout time.Duration, fn func(tx Tx) error) error {
	err := b.DB.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if err := gtx.Exec(b.Dialect.LockTimeoutSQL(lockTimeout)).Error; err != nil {
			return err
		}
		return fn(NewGormTx(gtx, b.Dialect, lockTimeout))
	})
	return WrapDriverError(b.Dialect, err)
}

var (
	_ Tx = (*GormTx)(nil)
)
