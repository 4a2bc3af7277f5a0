package models

import (
	"time"

	"github.com/google/uuid"
)

// CartReservation holds units of a variant for one cart line until ExpiresAt.
type CartReservation struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey" validate:"required"`
	CartID     uuid.UUID `gorm:"column:cart_id;type:uuid;not null;uniqueIndex:idx_cart_reservations_cart_variant" validate:"required"`
	VariantID  uuid.UUID `gorm:"column:variant_id;type:uuid;not null;uniqueIndex:idx_cart_reservations_cart_variant;index" validate:"required"`
	Quantity   int       `gorm:"column:quantity;not null" validate:"gt=0"`
	ReservedAt time.Time `gorm:"column:reserved_at;not null" validate:"required"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index" validate:"gtefield=ReservedAt"`
}

func (CartReservation) TableName() string { return "cart_reservations" }

// IsExpired reports whether the deadline has been reached at now.
func (r CartReservation) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// NewCartReservation builds a reservation valid for ttl from now.
func NewCartReservation(cartID, variantID uuid.UUID, quantity int, now time.Time, ttl time.Duration) (*CartReservation, error) {
	reservation := &CartReservation{
		ID:         uuid.New(),
		CartID:     cartID,
		VariantID:  variantID,
		Quantity:   quantity,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := validateRecord(reservation); err != nil {
		return nil, err
	}
	return reservation, nil
}
