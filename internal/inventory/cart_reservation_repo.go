package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
)

type cartReservationRepository struct {
	repo.Base
}

// NewCartReservationRepository builds a cart reservation repository.
func NewCartReservationRepository(db *gorm.DB) CartReservationRepository {
	return &cartReservationRepository{Base: repo.NewBase(db)}
}

func (r *cartReservationRepository) WithTx(tx *gorm.DB) CartReservationRepository {
	if tx == nil {
		return r
	}
	return &cartReservationRepository{Base: repo.NewBase(tx)}
}

func (r *cartReservationRepository) Create(ctx context.Context, reservation *models.CartReservation) error {
	return r.DB(ctx).Create(reservation).Error
}

func (r *cartReservationRepository) Get(ctx context.Context, id uuid.UUID) (*models.CartReservation, error) {
	var reservation models.CartReservation
	if err := r.DB(ctx).Where("id = ?", id).First(&reservation).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (r *cartReservationRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.CartReservation, error) {
	var reservation models.CartReservation
	if err := r.Locked(ctx).Where("id = ?", id).First(&reservation).Error; err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (r *cartReservationRepository) FindByCartAndVariant(ctx context.Context, cartID, variantID uuid.UUID) (*models.CartReservation, error) {
	var reservation models.CartReservation
	err := r.Locked(ctx).
		Where("cart_id = ? AND variant_id = ?", cartID, variantID).
		First(&reservation).Error
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (r *cartReservationRepository) ListByCart(ctx context.Context, cartID uuid.UUID) ([]models.CartReservation, error) {
	var reservations []models.CartReservation
	err := r.DB(ctx).
		Where("cart_id = ?", cartID).
		Order("variant_id ASC").
		Find(&reservations).Error
	return reservations, err
}

// ListExpired pages through reservations whose deadline is at or before now,
// keyed by id so that a pass visits each record at most once.
func (r *cartReservationRepository) ListExpired(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]models.CartReservation, error) {
	query := r.DB(ctx).Where("expires_at <= ?", now)
	if afterID != nil {
		query = query.Where("id > ?", *afterID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var reservations []models.CartReservation
	err := query.Order("id ASC").Find(&reservations).Error
	return reservations, err
}

// ListOrphans returns reservations that reference a variant with no ledger row.
func (r *cartReservationRepository) ListOrphans(ctx context.Context, limit int) ([]models.CartReservation, error) {
	query := r.DB(ctx).
		Table("cart_reservations AS r").
		Select("r.*").
		Joins("LEFT JOIN stock_ledgers l ON l.variant_id = r.variant_id").
		Where("l.variant_id IS NULL").
		Order("r.id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var reservations []models.CartReservation
	err := query.Scan(&reservations).Error
	return reservations, err
}

func (r *cartReservationRepository) ListAll(ctx context.Context) ([]models.CartReservation, error) {
	var reservations []models.CartReservation
	err := r.DB(ctx).Order("variant_id ASC").Order("expires_at ASC").Find(&reservations).Error
	return reservations, err
}

func (r *cartReservationRepository) Update(ctx context.Context, id uuid.UUID, quantity int, expiresAt time.Time) error {
	return r.DB(ctx).Model(&models.CartReservation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"quantity":   quantity,
			"expires_at": expiresAt,
		}).Error
}

// Delete removes the reservation and reports whether a row was deleted.
func (r *cartReservationRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.DB(ctx).Where("id = ?", id).Delete(&models.CartReservation{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
