package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
)

type ledgerRepository struct {
	repo.Base
}

// NewLedgerRepository builds a ledger repository bound to the provided DB.
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{Base: repo.NewBase(db)}
}

func (r *ledgerRepository) WithTx(tx *gorm.DB) LedgerRepository {
	if tx == nil {
		return r
	}
	return &ledgerRepository{Base: repo.NewBase(tx)}
}

func (r *ledgerRepository) Create(ctx context.Context, ledger *models.StockLedger) error {
	return r.DB(ctx).Create(ledger).Error
}

func (r *ledgerRepository) Get(ctx context.Context, variantID uuid.UUID) (*models.StockLedger, error) {
	var ledger models.StockLedger
	if err := r.DB(ctx).Where("variant_id = ?", variantID).First(&ledger).Error; err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (r *ledgerRepository) GetForUpdate(ctx context.Context, variantID uuid.UUID) (*models.StockLedger, error) {
	var ledger models.StockLedger
	if err := r.Locked(ctx).Where("variant_id = ?", variantID).First(&ledger).Error; err != nil {
		return nil, err
	}
	return &ledger, nil
}

// LockMany locks the ledger rows one at a time in ascending variant order.
// Variants without a ledger row are absent from the result.
func (r *ledgerRepository) LockMany(ctx context.Context, variantIDs []uuid.UUID) (map[uuid.UUID]*models.StockLedger, error) {
	locked := make(map[uuid.UUID]*models.StockLedger, len(variantIDs))
	for _, id := range repo.SortIDs(variantIDs) {
		ledger, err := r.GetForUpdate(ctx, id)
		if repo.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		locked[id] = ledger
	}
	return locked, nil
}

func (r *ledgerRepository) List(ctx context.Context) ([]models.StockLedger, error) {
	var ledgers []models.StockLedger
	err := r.DB(ctx).Order("variant_id ASC").Find(&ledgers).Error
	return ledgers, err
}

func (r *ledgerRepository) ListVariantIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.DB(ctx).Model(&models.StockLedger{}).Order("variant_id ASC").Pluck("variant_id", &ids).Error
	return ids, err
}

// TryReserve increments reserved_qty only when enough units are available.
// The availability check and the increment are one statement.
func (r *ledgerRepository) TryReserve(ctx context.Context, variantID uuid.UUID, quantity int, now time.Time) (bool, error) {
	res := r.DB(ctx).Exec(`
		UPDATE stock_ledgers
		SET reserved_qty = reserved_qty + ?,
			updated_at = ?
		WHERE variant_id = ? AND quantity - reserved_qty >= ?
	`, quantity, now, variantID, quantity)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ledgerRepository) SetCounts(ctx context.Context, variantID uuid.UUID, quantity, reserved int, now time.Time) error {
	return r.DB(ctx).Model(&models.StockLedger{}).
		Where("variant_id = ?", variantID).
		Updates(map[string]any{
			"quantity":     quantity,
			"reserved_qty": reserved,
			"updated_at":   now,
		}).Error
}

func (r *ledgerRepository) SetReserved(ctx context.Context, variantID uuid.UUID, reserved int, now time.Time) error {
	return r.DB(ctx).Model(&models.StockLedger{}).
		Where("variant_id = ?", variantID).
		Updates(map[string]any{
			"reserved_qty": reserved,
			"updated_at":   now,
		}).Error
}
