package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/enums"
)

// recordedReservedSQL sums every cart reservation record and every pending
// hold line for one variant in a single statement, so both sets come from
// the same snapshot.
const recordedReservedSQL = `
	SELECT COALESCE(SUM(q), 0) FROM (
		SELECT quantity AS q FROM cart_reservations WHERE variant_id = ?
		UNION ALL
		SELECT l.quantity AS q
		FROM order_hold_lines l
		JOIN order_holds h ON h.order_id = l.order_id
		WHERE l.variant_id = ? AND h.status = ?
	) recorded
`

type totalsRepository struct {
	repo.Base
}

// NewTotalsRepository builds the reservation totals reader.
func NewTotalsRepository(db *gorm.DB) TotalsRepository {
	return &totalsRepository{Base: repo.NewBase(db)}
}

func (r *totalsRepository) WithTx(tx *gorm.DB) TotalsRepository {
	if tx == nil {
		return r
	}
	return &totalsRepository{Base: repo.NewBase(tx)}
}

// RecordedReserved returns the units held by reservation records for variantID.
func (r *totalsRepository) RecordedReserved(ctx context.Context, variantID uuid.UUID) (int, error) {
	var total int64
	err := r.DB(ctx).
		Raw(recordedReservedSQL, variantID, variantID, enums.OrderHoldStatusPending).
		Scan(&total).Error
	return int(total), err
}

type variantTotal struct {
	VariantID uuid.UUID `gorm:"column:variant_id"`
	Total     int64     `gorm:"column:total"`
}

// RecordedReservedByVariant sums reservation records per variant, the values
// a reconcile pass would write.
func (r *totalsRepository) RecordedReservedByVariant(ctx context.Context) (map[uuid.UUID]int, error) {
	var cartTotals []variantTotal
	err := r.DB(ctx).Table("cart_reservations").
		Select("variant_id, SUM(quantity) AS total").
		Group("variant_id").
		Scan(&cartTotals).Error
	if err != nil {
		return nil, err
	}

	var holdTotals []variantTotal
	err = r.DB(ctx).Table("order_hold_lines AS l").
		Select("l.variant_id, SUM(l.quantity) AS total").
		Joins("JOIN order_holds h ON h.order_id = l.order_id").
		Where("h.status = ?", enums.OrderHoldStatusPending).
		Group("l.variant_id").
		Scan(&holdTotals).Error
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]int, len(cartTotals)+len(holdTotals))
	for _, row := range cartTotals {
		out[row.VariantID] += int(row.Total)
	}
	for _, row := range holdTotals {
		out[row.VariantID] += int(row.Total)
	}
	return out, nil
}
