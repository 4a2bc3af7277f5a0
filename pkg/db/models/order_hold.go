package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockhold/pkg/enums"
)

// OrderHold is the order-level custodian of reserved units. Lines only count
// toward reserved_qty while the hold is pending.
type OrderHold struct {
	OrderID       uuid.UUID             `gorm:"column:order_id;type:uuid;primaryKey" validate:"required"`
	Status        enums.OrderHoldStatus `gorm:"column:status;type:text;not null;index" validate:"required"`
	ReservedUntil *time.Time            `gorm:"column:reserved_until;index"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time             `gorm:"column:updated_at;autoUpdateTime"`

	Lines []OrderHoldLine `gorm:"-"`
}

func (OrderHold) TableName() string { return "order_holds" }

// IsExpired reports whether a pending hold is past its deadline at now.
func (h OrderHold) IsExpired(now time.Time) bool {
	return h.Status == enums.OrderHoldStatusPending &&
		h.ReservedUntil != nil &&
		!h.ReservedUntil.After(now)
}

// TotalQuantity sums the loaded lines.
func (h OrderHold) TotalQuantity() int {
	total := 0
	for _, line := range h.Lines {
		total += line.Quantity
	}
	return total
}

// OrderHoldLine is one variant quantity held by an order.
type OrderHoldLine struct {
	ID                  uuid.UUID  `gorm:"column:id;type:uuid;primaryKey" validate:"required"`
	OrderID             uuid.UUID  `gorm:"column:order_id;type:uuid;not null;index" validate:"required"`
	VariantID           uuid.UUID  `gorm:"column:variant_id;type:uuid;not null;index" validate:"required"`
	Quantity            int        `gorm:"column:quantity;not null" validate:"gt=0"`
	SourceReservationID *uuid.UUID `gorm:"column:source_reservation_id;type:uuid"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (OrderHoldLine) TableName() string { return "order_hold_lines" }

// NewOrderHold builds a pending hold that expires ttl after now.
func NewOrderHold(orderID uuid.UUID, now time.Time, ttl time.Duration) (*OrderHold, error) {
	if ttl < 0 {
		return nil, validationError("reserved_until", "must not precede creation")
	}
	until := now.Add(ttl)
	hold := &OrderHold{
		OrderID:       orderID,
		Status:        enums.OrderHoldStatusPending,
		ReservedUntil: &until,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateRecord(hold); err != nil {
		return nil, err
	}
	return hold, nil
}

// NewOrderHoldLine builds a line for orderID. sourceReservationID may be nil.
func NewOrderHoldLine(orderID, variantID uuid.UUID, quantity int, sourceReservationID *uuid.UUID) (*OrderHoldLine, error) {
	line := &OrderHoldLine{
		ID:                  uuid.New(),
		OrderID:             orderID,
		VariantID:           variantID,
		Quantity:            quantity,
		SourceReservationID: sourceReservationID,
	}
	if err := validateRecord(line); err != nil {
		return nil, err
	}
	return line, nil
}
