package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/metrics"
	"github.com/angelmondragon/stockhold/pkg/outbox"
	"github.com/angelmondragon/stockhold/pkg/outbox/payloads"
)

const defaultBatchSize = 500

// Who released an expired cart reservation.
const (
	ReleasedBySweeper    = "sweeper"
	ReleasedByReconciler = "reconciler"
)

const (
	kindOrder = "order"
	kindCart  = "cart"

	resultReleased = "released"
	resultFailed   = "failed"
	resultSkipped  = "skipped"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SweeperParams wires the expiry sweeper.
type SweeperParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Store     *inventory.Store
	Outbox    outbox.Emitter
	Metrics   *metrics.ReservationMetrics
	BatchSize int
	// Now overrides the wall clock.
	Now func() time.Time
}

// Sweeper releases order holds and cart reservations whose deadline has been
// reached. Each item is its own transaction; a failed item is counted and
// the pass moves on.
type Sweeper struct {
	logg      *logger.Logger
	db        txRunner
	store     *inventory.Store
	outbox    outbox.Emitter
	metrics   *metrics.ReservationMetrics
	batchSize int
	now       func() time.Time
}

// SweepResult aggregates the outcome of one pass.
type SweepResult struct {
	OrdersExpired int
	OrdersFailed  int
	CartsReleased int
	CartsFailed   int
	// Skipped counts items that were no longer eligible once locked.
	Skipped int
	Err     error
}

// Failed reports whether any item or listing failed.
func (r SweepResult) Failed() bool {
	return r.Err != nil
}

// NewSweeper builds a sweeper.
func NewSweeper(params SweeperParams) (*Sweeper, error) {
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
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		logg:      params.Logger,
		db:        params.DB,
		store:     params.Store,
		outbox:    params.Outbox,
		metrics:   params.Metrics,
		batchSize: batch,
		now:       now,
	}, nil
}

// Sweep runs one pass: expired pending holds first, then expired cart
// reservations. Cancellation is checked between items; an item already in
// flight is allowed to commit.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	now := s.now().UTC()
	var result SweepResult
	s.sweepOrders(ctx, now, &result)
	s.sweepCarts(ctx, now, ReleasedBySweeper, &result)

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"orders_expired": result.OrdersExpired,
		"orders_failed":  result.OrdersFailed,
		"carts_released": result.CartsReleased,
		"carts_failed":   result.CartsFailed,
		"skipped":        result.Skipped,
	})
	if result.Err != nil {
		s.logg.Warn(logCtx, "expiry sweep finished with failures")
	} else {
		s.logg.Info(logCtx, "expiry sweep complete")
	}
	return result
}

// PurgeExpiredCarts releases expired cart reservations only. The reconciler
// runs it before recomputing counters.
func (s *Sweeper) PurgeExpiredCarts(ctx context.Context, releasedBy string) SweepResult {
	var result SweepResult
	s.sweepCarts(ctx, s.now().UTC(), releasedBy, &result)
	return result
}

func (s *Sweeper) sweepOrders(ctx context.Context, now time.Time, result *SweepResult) {
	var afterID *uuid.UUID
	for {
		if err := ctx.Err(); err != nil {
			result.Err = multierr.Append(result.Err, err)
			return
		}
		holds, err := s.store.Holds.ListExpiredPending(ctx, now, afterID, s.batchSize)
		if err != nil {
			result.Err = multierr.Append(result.Err, fmt.Errorf("list expired order holds: %w", err))
			return
		}
		for _, hold := range holds {
			if err := ctx.Err(); err != nil {
				result.Err = multierr.Append(result.Err, err)
				return
			}
			orderID := hold.OrderID
			afterID = &orderID

			expired, err := s.expireOrder(context.WithoutCancel(ctx), orderID, now)
			switch {
			case err != nil:
				result.OrdersFailed++
				result.Err = multierr.Append(result.Err, fmt.Errorf("expire order %s: %w", orderID, err))
				s.metrics.ObserveSweepItem(kindOrder, resultFailed)
				s.logg.Error(s.logg.WithOrderID(ctx, orderID.String()), "expire order hold failed", err)
			case expired:
				result.OrdersExpired++
				s.metrics.ObserveSweepItem(kindOrder, resultReleased)
			default:
				result.Skipped++
				s.metrics.ObserveSweepItem(kindOrder, resultSkipped)
			}
		}
		if len(holds) < s.batchSize {
			return
		}
	}
}

// expireOrder cancels one hold if it is still pending and past its deadline
// once locked. It reports whether the hold was released.
func (s *Sweeper) expireOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (bool, error) {
	stillExpired := func(hold *models.OrderHold) bool { return hold.IsExpired(now) }

	var out *inventory.HoldRelease
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.store.WithTx(tx).ReleaseOrderHold(ctx, orderID, enums.OrderHoldStatusCancelled, now, stillExpired)
		if err != nil || out.Skipped {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderHoldExpired,
			AggregateType: enums.AggregateOrderHold,
			AggregateID:   orderID,
			Source:        ReleasedBySweeper,
			OccurredAt:    now,
			Data: payloads.OrderHoldReleasedEvent{
				OrderID:       orderID,
				ReservedUntil: out.Hold.ReservedUntil,
				Lines:         payloads.HoldLineRefs(out.Hold.Lines),
				Clamped:       out.Clamped,
			},
		})
	})
	if repo.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out.Skipped {
		return false, nil
	}

	s.metrics.AddReleased(metrics.ReleaseExpired, out.Units)
	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	for _, id := range out.Clamped {
		s.metrics.IncAnomaly("negative_reserved")
		s.logg.Warn(s.logg.WithVariantID(logCtx, id.String()), "reserved_qty clamped at zero on hold expiry")
	}
	for _, id := range out.MissingLedgers {
		s.metrics.IncAnomaly("orphan_hold_line")
		s.logg.Warn(s.logg.WithVariantID(logCtx, id.String()), "expired hold line references variant without ledger row")
	}
	s.logg.Info(s.logg.WithField(logCtx, "units", out.Units), "order hold expired")
	return true, nil
}

func (s *Sweeper) sweepCarts(ctx context.Context, now time.Time, releasedBy string, result *SweepResult) {
	var afterID *uuid.UUID
	for {
		if err := ctx.Err(); err != nil {
			result.Err = multierr.Append(result.Err, err)
			return
		}
		reservations, err := s.store.Carts.ListExpired(ctx, now, afterID, s.batchSize)
		if err != nil {
			result.Err = multierr.Append(result.Err, fmt.Errorf("list expired cart reservations: %w", err))
			return
		}
		for _, res := range reservations {
			if err := ctx.Err(); err != nil {
				result.Err = multierr.Append(result.Err, err)
				return
			}
			id := res.ID
			afterID = &id

			released, err := s.releaseCart(context.WithoutCancel(ctx), id, now, releasedBy)
			switch {
			case err != nil:
				result.CartsFailed++
				result.Err = multierr.Append(result.Err, fmt.Errorf("release cart reservation %s: %w", id, err))
				s.metrics.ObserveSweepItem(kindCart, resultFailed)
				s.logg.Error(s.logg.WithReservationID(ctx, id.String()), "release expired cart reservation failed", err)
			case released:
				result.CartsReleased++
				s.metrics.ObserveSweepItem(kindCart, resultReleased)
			default:
				result.Skipped++
				s.metrics.ObserveSweepItem(kindCart, resultSkipped)
			}
		}
		if len(reservations) < s.batchSize {
			return
		}
	}
}

// releaseCart releases one reservation if it is still expired once locked.
// Orphaned records are deleted and reported; they count as released.
func (s *Sweeper) releaseCart(ctx context.Context, id uuid.UUID, now time.Time, releasedBy string) (bool, error) {
	stillExpired := func(res *models.CartReservation) bool { return res.IsExpired(now) }

	var out *inventory.CartRelease
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.store.WithTx(tx).ReleaseCartReservation(ctx, id, now, stillExpired)
		if err != nil {
			return err
		}
		switch {
		case out.Orphan:
			recordID := out.Reservation.ID
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventIntegrityAnomaly,
				AggregateType: enums.AggregateCartReservation,
				AggregateID:   recordID,
				Source:        releasedBy,
				OccurredAt:    now,
				Data: payloads.IntegrityAnomalyEvent{
					Kind:      "orphan_reservation",
					VariantID: out.Reservation.VariantID,
					RecordID:  &recordID,
					Detail:    "cart reservation references variant without ledger row; record deleted",
					Corrected: true,
				},
			})
		case out.Released:
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventCartReservationExpired,
				AggregateType: enums.AggregateCartReservation,
				AggregateID:   out.Reservation.ID,
				Source:        releasedBy,
				OccurredAt:    now,
				Data: payloads.CartReservationExpiredEvent{
					ReservationID: out.Reservation.ID,
					CartID:        out.Reservation.CartID,
					VariantID:     out.Reservation.VariantID,
					Quantity:      out.Reservation.Quantity,
					ExpiresAt:     out.Reservation.ExpiresAt,
					Clamped:       out.Clamped,
					ReleasedBy:    releasedBy,
				},
			})
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	logCtx := s.logg.WithReservationID(ctx, id.String())
	switch {
	case out.Orphan:
		s.metrics.IncAnomaly("orphan_reservation")
		s.logg.Warn(s.logg.WithVariantID(logCtx, out.Reservation.VariantID.String()), "deleted expired reservation without ledger row")
		return true, nil
	case out.Released:
		reason := metrics.ReleaseExpired
		if releasedBy == ReleasedByReconciler {
			reason = metrics.ReleasePurged
		}
		s.metrics.AddReleased(reason, out.Units)
		if out.Clamped {
			s.metrics.IncAnomaly("negative_reserved")
			s.logg.Warn(logCtx, "reserved_qty clamped at zero on expiry")
		}
		s.logg.Debug(s.logg.WithField(logCtx, "released_by", releasedBy), "expired cart reservation released")
		return true, nil
	}
	return false, nil
}
