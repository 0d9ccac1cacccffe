package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Order struct {
	ID                int                    `gorm:"primary_key" json:"id"`
	OrderNumber       string                 `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	CustomerId        int                    `gorm:"index" json:"customer_id"`
	FulfillmentStatus OrderFulfillmentStatus `gorm:"size:30;not null;default:DRAFT" json:"fulfillment_status"`
	CreatedAt         time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
	LineItems         []OrderLineItem        `gorm:"foreignKey:OrderId" json:"line_items"`
}

// OrderLineItem draws its whole quantity from a single batch.
type OrderLineItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	OrderId   int             `gorm:"index;not null" json:"order_id"`
	BatchId   int             `gorm:"index;not null" json:"batch_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetOrder(ctx context.Context, db *gorm.DB, id int) (*Order, error) {
	var order Order
	err := db.WithContext(ctx).Preload("LineItems", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("id ASC")
	}).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound("Order %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
