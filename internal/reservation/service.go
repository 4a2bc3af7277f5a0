package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockhold/pkg/errors"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/metrics"
	"github.com/angelmondragon/stockhold/pkg/outbox"
)

const eventSource = "reservation-engine"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams wires the reservation engine.
type ServiceParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Store   *inventory.Store
	Outbox  outbox.Emitter
	Metrics *metrics.ReservationMetrics
	// CartTTL and HoldTTL are the defaults handed out by CartTTL() and
	// HoldTTL(); callers pass the TTL explicitly on every operation.
	CartTTL time.Duration
	HoldTTL time.Duration
}

// Service is the only writer of reserved_qty outside the background passes.
// Every mutating operation is one transaction.
type Service struct {
	logg    *logger.Logger
	db      txRunner
	store   *inventory.Store
	outbox  outbox.Emitter
	metrics *metrics.ReservationMetrics
	cartTTL time.Duration
	holdTTL time.Duration
	now     func() time.Time
}

// Availability is a read of one ledger row.
type Availability struct {
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved"`
	Available int       `json:"available"`
}

// NewService builds the reservation engine.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("inventory store required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.CartTTL < 0 || params.HoldTTL < 0 {
		return nil, fmt.Errorf("reservation ttls must not be negative")
	}
	return &Service{
		logg:    params.Logger,
		db:      params.DB,
		store:   params.Store,
		outbox:  params.Outbox,
		metrics: params.Metrics,
		cartTTL: params.CartTTL,
		holdTTL: params.HoldTTL,
		now:     time.Now,
	}, nil
}

// CartTTL is the configured default lifetime of a cart reservation.
func (s *Service) CartTTL() time.Duration { return s.cartTTL }

// HoldTTL is the configured default lifetime of a pending order hold.
func (s *Service) HoldTTL() time.Duration { return s.holdTTL }

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Availability reports quantity, reserved and available units for a variant.
func (s *Service) Availability(ctx context.Context, variantID uuid.UUID) (Availability, error) {
	ledger, err := s.store.Ledgers.Get(ctx, variantID)
	if repo.IsNotFound(err) {
		return Availability{}, variantNotFound(variantID)
	}
	if err != nil {
		return Availability{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read ledger")
	}
	return availabilityOf(ledger), nil
}

// RestockVariant sets the physical quantity of a variant, creating the ledger
// row when it does not exist. It never touches reserved_qty and refuses to
// drop quantity below what is currently reserved.
func (s *Service) RestockVariant(ctx context.Context, variantID uuid.UUID, quantity int) (*models.StockLedger, error) {
	if variantID == uuid.Nil {
		return nil, validation("variant_id", "is required")
	}
	if quantity < 0 {
		return nil, validation("quantity", "must not be negative")
	}

	var out *models.StockLedger
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()

		ledger, err := store.Ledgers.GetForUpdate(ctx, variantID)
		if repo.IsNotFound(err) {
			created, err := models.NewStockLedger(variantID, quantity)
			if err != nil {
				return err
			}
			created.UpdatedAt = now
			if err := store.Ledgers.Create(ctx, created); err != nil {
				return err
			}
			out = created
			return nil
		}
		if err != nil {
			return err
		}
		if quantity < ledger.ReservedQty {
			return pkgerrors.New(pkgerrors.CodeConflict, "quantity below reserved units").
				WithDetails(map[string]any{
					"variant_id": variantID,
					"quantity":   quantity,
					"reserved":   ledger.ReservedQty,
				})
		}
		if err := store.Ledgers.SetCounts(ctx, variantID, quantity, ledger.ReservedQty, now); err != nil {
			return err
		}
		ledger.Quantity = quantity
		ledger.UpdatedAt = now
		out = ledger
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(s.logg.WithVariantID(ctx, variantID.String()), map[string]any{
		"quantity": out.Quantity,
		"reserved": out.ReservedQty,
	})
	s.logg.Info(logCtx, "variant restocked")
	return out, nil
}

// EnsureLedger returns the variant's ledger row, creating an empty one when
// it does not exist yet.
func (s *Service) EnsureLedger(ctx context.Context, variantID uuid.UUID) (*models.StockLedger, error) {
	if variantID == uuid.Nil {
		return nil, validation("variant_id", "is required")
	}
	var out *models.StockLedger
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		ledger, err := store.Ledgers.GetForUpdate(ctx, variantID)
		if err == nil {
			out = ledger
			return nil
		}
		if !repo.IsNotFound(err) {
			return err
		}
		created, err := models.NewStockLedger(variantID, 0)
		if err != nil {
			return err
		}
		created.UpdatedAt = s.clock()
		if err := store.Ledgers.Create(ctx, created); err != nil {
			return err
		}
		out = created
		return nil
	})
	return out, err
}

func availabilityOf(ledger *models.StockLedger) Availability {
	return Availability{
		VariantID: ledger.VariantID,
		Quantity:  ledger.Quantity,
		Reserved:  ledger.ReservedQty,
		Available: ledger.Available(),
	}
}

func validation(field, message string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
		WithDetails(map[string]string{field: message})
}

func variantNotFound(variantID uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "variant not found").
		WithDetails(map[string]any{"variant_id": variantID})
}

func reservationNotFound(id uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found").
		WithDetails(map[string]any{"reservation_id": id})
}

func orderNotFound(orderID uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "order hold not found").
		WithDetails(map[string]any{"order_id": orderID})
}

func insufficientStock(ledger *models.StockLedger, requested int) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").
		WithDetails(map[string]any{
			"variant_id": ledger.VariantID,
			"requested":  requested,
			"available":  ledger.Available(),
		})
}

// observeOutcome maps an engine error onto the reserve outcome label.
func (s *Service) observeOutcome(err error) {
	switch {
	case err == nil:
		s.metrics.ObserveReserve(metrics.OutcomeOK)
	case pkgerrors.IsInsufficientStock(err):
		s.metrics.ObserveReserve(metrics.OutcomeInsufficientStock)
	case pkgerrors.IsNotFound(err):
		s.metrics.ObserveReserve(metrics.OutcomeNotFound)
	default:
		s.metrics.ObserveReserve(metrics.OutcomeError)
	}
}
