package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
)

// LedgerRepository persists per-variant stock counters. Callers that mutate
// reserved_qty must hold the row lock taken by GetForUpdate or LockMany.
type LedgerRepository interface {
	WithTx(tx *gorm.DB) LedgerRepository
	Create(ctx context.Context, ledger *models.StockLedger) error
	Get(ctx context.Context, variantID uuid.UUID) (*models.StockLedger, error)
	GetForUpdate(ctx context.Context, variantID uuid.UUID) (*models.StockLedger, error)
	LockMany(ctx context.Context, variantIDs []uuid.UUID) (map[uuid.UUID]*models.StockLedger, error)
	List(ctx context.Context) ([]models.StockLedger, error)
	ListVariantIDs(ctx context.Context) ([]uuid.UUID, error)
	TryReserve(ctx context.Context, variantID uuid.UUID, quantity int, now time.Time) (bool, error)
	SetCounts(ctx context.Context, variantID uuid.UUID, quantity, reserved int, now time.Time) error
	SetReserved(ctx context.Context, variantID uuid.UUID, reserved int, now time.Time) error
}

// CartReservationRepository persists cart line reservations.
type CartReservationRepository interface {
	WithTx(tx *gorm.DB) CartReservationRepository
	Create(ctx context.Context, reservation *models.CartReservation) error
	Get(ctx context.Context, id uuid.UUID) (*models.CartReservation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.CartReservation, error)
	FindByCartAndVariant(ctx context.Context, cartID, variantID uuid.UUID) (*models.CartReservation, error)
	ListByCart(ctx context.Context, cartID uuid.UUID) ([]models.CartReservation, error)
	ListExpired(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]models.CartReservation, error)
	ListOrphans(ctx context.Context, limit int) ([]models.CartReservation, error)
	ListAll(ctx context.Context) ([]models.CartReservation, error)
	Update(ctx context.Context, id uuid.UUID, quantity int, expiresAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// OrderHoldRepository persists order holds and their lines.
type OrderHoldRepository interface {
	WithTx(tx *gorm.DB) OrderHoldRepository
	Create(ctx context.Context, hold *models.OrderHold) error
	Get(ctx context.Context, orderID uuid.UUID) (*models.OrderHold, error)
	GetForUpdate(ctx context.Context, orderID uuid.UUID) (*models.OrderHold, error)
	AddLine(ctx context.Context, line *models.OrderHoldLine) error
	UpdateLineQuantity(ctx context.Context, lineID uuid.UUID, quantity int) error
	UpdateStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderHoldStatus, reservedUntil *time.Time, now time.Time) error
	ListExpiredPending(ctx context.Context, now time.Time, afterID *uuid.UUID, limit int) ([]models.OrderHold, error)
	ListPendingLines(ctx context.Context) ([]PendingLine, error)
	ListOrphanPendingLines(ctx context.Context) ([]PendingLine, error)
}

// TotalsRepository recomputes reserved quantities from reservation records.
type TotalsRepository interface {
	WithTx(tx *gorm.DB) TotalsRepository
	RecordedReserved(ctx context.Context, variantID uuid.UUID) (int, error)
	RecordedReservedByVariant(ctx context.Context) (map[uuid.UUID]int, error)
}

// PendingLine is an order hold line joined with its hold deadline.
type PendingLine struct {
	models.OrderHoldLine
	ReservedUntil *time.Time `gorm:"column:reserved_until"`
}
