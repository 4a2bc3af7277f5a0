package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
)

type orderHoldRepository struct {
	repo.Base
}

// NewOrderHoldRepository builds an order hold repository.
func NewOrderHoldRepository(db *gorm.DB) OrderHoldRepository {
	return &orderHoldRepository{Base: repo.NewBase(db)}
}

func (r *orderHoldRepository) WithTx(tx *gorm.DB) OrderHoldRepository {
	if tx == nil {
		return r
	}
	return &orderHoldRepository{Base: repo.NewBase(tx)}
}

// Create inserts the hold and any lines already attached to it.
func (r *orderHoldRepository) Create(ctx context.Context, hold *models.OrderHold) error {
	if err := r.DB(ctx).Create(hold).Error; err != nil {
		return err
	}
	if len(hold.Lines) == 0 {
		return nil
	}
	return r.DB(ctx).Create(&hold.Lines).Error
}

func (r *orderHoldRepository) Get(ctx context.Context, orderID uuid.UUID) (*models.OrderHold, error) {
	return r.load(ctx, r.DB(ctx), orderID)
}

// GetForUpdate locks the hold row; lines are read under that lock.
func (r *orderHoldRepository) GetForUpdate(ctx context.Context, orderID uuid.UUID) (*models.OrderHold, error) {
	return r.load(ctx, r.Locked(ctx), orderID)
}

func (r *orderHoldRepository) load(ctx context.Context, query *gorm.DB, orderID uuid.UUID) (*models.OrderHold, error) {
	var hold models.OrderHold
	if err := query.Where("order_id = ?", orderID).First(&hold).Error; err != nil {
		return nil, err
	}
	lines, err := r.linesFor(ctx, orderID)
	if err != nil {
		return nil, err
	}
	hold.Lines = lines
	return &hold, nil
}

func (r *orderHoldRepository) linesFor(ctx context.Context, orderID uuid.UUID) ([]models.OrderHoldLine, error) {
	var lines []models.OrderHoldLine
	err := r.DB(ctx).
		Where("order_id = ?", orderID).
		Order("variant_id ASC").
		Order("id ASC").
		Find(&lines).Error
	return lines, err
}

func (r *orderHoldRepository) AddLine(ctx context.Context, line *models.OrderHoldLine) error {
	return r.DB(ctx).Create(line).Error
}

func (r *orderHoldRepository) UpdateLineQuantity(ctx context.Context, lineID uuid.UUID, quantity int) error {
	return r.DB(ctx).Model(&models.OrderHoldLine{}).
		Where("id = ?", lineID).
		Update("quantity", quantity).Error
}

func (r *orderHoldRepository) UpdateStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderHoldStatus, reservedUntil *time.Time, now time.Time) error {
	return r.DB(ctx).Model(&models.OrderHold{}).
		Where("order_id = ?", orderID).
		Updates(map[string]any{
			"status":         status,
			"reserved_until": reservedUntil,
			"updated_at":     now,
		}).Error
}

// ListExpiredPending returns pending holds with a deadline at or before now.
// Lines are not loaded.
func (r *orderHoldRepository) ListExpiredPending(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]models.OrderHold, error) {
	query := r.DB(ctx).
		Where("status = ?", enums.OrderHoldStatusPending).
		Where("reserved_until IS NOT NULL AND reserved_until <= ?", now)
	if afterID != nil {
		query = query.Where("order_id > ?", *afterID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var holds []models.OrderHold
	err := query.Order("order_id ASC").Find(&holds).Error
	return holds, err
}

func (r *orderHoldRepository) ListPendingLines(ctx context.Context) ([]PendingLine, error) {
	var lines []PendingLine
	err := r.pendingLines(ctx).Scan(&lines).Error
	return lines, err
}

// ListOrphanPendingLines returns pending lines whose variant has no ledger row.
func (r *orderHoldRepository) ListOrphanPendingLines(ctx context.Context) ([]PendingLine, error) {
	var lines []PendingLine
	err := r.pendingLines(ctx).
		Joins("LEFT JOIN stock_ledgers s ON s.variant_id = l.variant_id").
		Where("s.variant_id IS NULL").
		Scan(&lines).Error
	return lines, err
}

func (r *orderHoldRepository) pendingLines(ctx context.Context) *gorm.DB {
	return r.DB(ctx).
		Table("order_hold_lines AS l").
		Select("l.*, h.reserved_until").
		Joins("JOIN order_holds h ON h.order_id = l.order_id").
		Where("h.status = ?", enums.OrderHoldStatusPending).
		Order("l.variant_id ASC").
		Order("l.id ASC")
}
