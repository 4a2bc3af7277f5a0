package models

import (
	"time"

	"github.com/google/uuid"
)

// StockLedger tracks the physical and reserved counts for one variant.
type StockLedger struct {
	VariantID   uuid.UUID `gorm:"column:variant_id;type:uuid;primaryKey" validate:"required"`
	Quantity    int       `gorm:"column:quantity;not null;default:0" validate:"gte=0"`
	ReservedQty int       `gorm:"column:reserved_qty;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (StockLedger) TableName() string { return "stock_ledgers" }

// Available is the number of units that can still be reserved.
func (l StockLedger) Available() int {
	return l.Quantity - l.ReservedQty
}

// NewStockLedger builds a ledger row with nothing reserved.
func NewStockLedger(variantID uuid.UUID, quantity int) (*StockLedger, error) {
	ledger := &StockLedger{VariantID: variantID, Quantity: quantity}
	if err := validateRecord(ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}
