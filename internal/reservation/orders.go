package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockhold/pkg/errors"
	"github.com/angelmondragon/stockhold/pkg/metrics"
	"github.com/angelmondragon/stockhold/pkg/outbox"
	"github.com/angelmondragon/stockhold/pkg/outbox/payloads"
)

// ConvertCartLineToOrderHold moves a cart reservation onto the order's
// pending hold. reserved_qty is untouched: the units change custodian inside
// one transaction. The hold is created when missing, otherwise its deadline
// is refreshed to now + ttl. An expired cart line is released instead and
// reported as not found.
func (s *Service) ConvertCartLineToOrderHold(ctx context.Context, reservationID, orderID uuid.UUID, ttl time.Duration) (*models.OrderHold, error) {
	if reservationID == uuid.Nil {
		return nil, validation("reservation_id", "is required")
	}
	if orderID == uuid.Nil {
		return nil, validation("order_id", "is required")
	}
	if ttl < 0 {
		return nil, validation("ttl", "must not be negative")
	}
	ctx = s.logg.WithOrderID(s.logg.WithReservationID(ctx, reservationID.String()), orderID.String())

	var (
		out     *models.OrderHold
		expired *inventory.CartRelease
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()
		out, expired = nil, nil

		res, err := store.Carts.Get(ctx, reservationID)
		if repo.IsNotFound(err) {
			return reservationNotFound(reservationID)
		}
		if err != nil {
			return err
		}
		if _, err := store.Ledgers.GetForUpdate(ctx, res.VariantID); err != nil {
			if repo.IsNotFound(err) {
				return variantNotFound(res.VariantID)
			}
			return err
		}
		current, err := store.Carts.GetForUpdate(ctx, reservationID)
		if repo.IsNotFound(err) {
			return reservationNotFound(reservationID)
		}
		if err != nil {
			return err
		}
		if current.IsExpired(now) {
			expired, err = s.releaseExpiredLine(ctx, tx, store, current.ID, now)
			return err
		}

		hold, err := s.openHold(ctx, store, orderID, ttl, now)
		if err != nil {
			return err
		}
		if err := s.moveToHold(ctx, store, hold, *current); err != nil {
			return err
		}
		out, err = store.Holds.Get(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		s.reportCartRelease(ctx, expired, metrics.ReleaseExpired)
		return nil, reservationNotFound(reservationID)
	}
	s.logg.Info(ctx, "cart line converted to order hold")
	return out, nil
}

// CheckoutCart converts every live reservation of a cart onto the order's
// hold in one transaction. Ledger rows are locked in ascending variant order
// first, then the cart lines, then the hold. Expired lines are released, not
// moved.
func (s *Service) CheckoutCart(ctx context.Context, cartID, orderID uuid.UUID, ttl time.Duration) (*models.OrderHold, error) {
	if cartID == uuid.Nil {
		return nil, validation("cart_id", "is required")
	}
	if orderID == uuid.Nil {
		return nil, validation("order_id", "is required")
	}
	if ttl < 0 {
		return nil, validation("ttl", "must not be negative")
	}
	ctx = s.logg.WithOrderID(s.logg.WithField(ctx, "cart_id", cartID.String()), orderID.String())

	var (
		out     *models.OrderHold
		expired []*inventory.CartRelease
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()
		out, expired = nil, nil

		lines, err := store.Carts.ListByCart(ctx, cartID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "cart has no reservations").
				WithDetails(map[string]any{"cart_id": cartID})
		}

		variants := make([]uuid.UUID, 0, len(lines))
		for _, line := range lines {
			variants = append(variants, line.VariantID)
		}
		locked, err := store.Ledgers.LockMany(ctx, variants)
		if err != nil {
			return err
		}
		for _, id := range variants {
			if _, ok := locked[id]; !ok {
				return variantNotFound(id)
			}
		}

		live := make([]models.CartReservation, 0, len(lines))
		for _, line := range lines {
			current, err := store.Carts.GetForUpdate(ctx, line.ID)
			if repo.IsNotFound(err) {
				// released concurrently; its units are already back
				continue
			}
			if err != nil {
				return err
			}
			if current.IsExpired(now) {
				released, err := s.releaseExpiredLine(ctx, tx, store, current.ID, now)
				if err != nil {
					return err
				}
				expired = append(expired, released)
				continue
			}
			live = append(live, *current)
		}
		if len(live) == 0 {
			// commit the expiry releases; the caller sees not found
			return nil
		}

		hold, err := s.openHold(ctx, store, orderID, ttl, now)
		if err != nil {
			return err
		}
		for _, res := range live {
			if err := s.moveToHold(ctx, store, hold, res); err != nil {
				return err
			}
		}
		out, err = store.Holds.Get(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, released := range expired {
		s.reportCartRelease(ctx, released, metrics.ReleaseExpired)
	}
	if out == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "cart has no live reservations").
			WithDetails(map[string]any{"cart_id": cartID})
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"lines":    len(out.Lines),
		"quantity": out.TotalQuantity(),
	})
	s.logg.Info(logCtx, "cart checked out into order hold")
	return out, nil
}

// openHold returns the order's pending hold with its deadline set to
// now + ttl, creating it when missing.
func (s *Service) openHold(ctx context.Context, store *inventory.Store, orderID uuid.UUID, ttl time.Duration, now time.Time) (*models.OrderHold, error) {
	hold, err := store.Holds.GetForUpdate(ctx, orderID)
	if repo.IsNotFound(err) {
		created, err := models.NewOrderHold(orderID, now, ttl)
		if err != nil {
			return nil, err
		}
		if err := store.Holds.Create(ctx, created); err != nil {
			return nil, err
		}
		return created, nil
	}
	if err != nil {
		return nil, err
	}
	if hold.Status != enums.OrderHoldStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order hold is not pending").
			WithDetails(map[string]any{"order_id": orderID, "status": hold.Status})
	}
	until := now.Add(ttl)
	if err := store.Holds.UpdateStatus(ctx, orderID, enums.OrderHoldStatusPending, &until, now); err != nil {
		return nil, err
	}
	hold.ReservedUntil = &until
	hold.UpdatedAt = now
	return hold, nil
}

// moveToHold adds res to the hold, merging into an existing line for the
// same variant, and deletes the cart record. Callers hold the ledger lock.
func (s *Service) moveToHold(ctx context.Context, store *inventory.Store, hold *models.OrderHold, res models.CartReservation) error {
	merged := false
	for i := range hold.Lines {
		line := &hold.Lines[i]
		if line.VariantID != res.VariantID {
			continue
		}
		quantity := line.Quantity + res.Quantity
		if err := store.Holds.UpdateLineQuantity(ctx, line.ID, quantity); err != nil {
			return err
		}
		line.Quantity = quantity
		merged = true
		break
	}
	if !merged {
		source := res.ID
		line, err := models.NewOrderHoldLine(hold.OrderID, res.VariantID, res.Quantity, &source)
		if err != nil {
			return err
		}
		if err := store.Holds.AddLine(ctx, line); err != nil {
			return err
		}
		hold.Lines = append(hold.Lines, *line)
	}

	deleted, err := store.Carts.Delete(ctx, res.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return pkgerrors.New(pkgerrors.CodeConflict, "reservation vanished while locked").
			WithDetails(map[string]any{"reservation_id": res.ID})
	}
	return nil
}

// MarkOrderPaid spends a pending hold: reserved_qty and the physical quantity
// both drop by each line's units and the deadline is cleared. Marking an
// already paid order again is a no-op.
func (s *Service) MarkOrderPaid(ctx context.Context, orderID uuid.UUID) (*models.OrderHold, error) {
	return s.closeHold(ctx, orderID, enums.OrderHoldStatusPaid)
}

// CancelOrder releases a pending hold. Cancelling an already cancelled order
// is a no-op.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) (*models.OrderHold, error) {
	return s.closeHold(ctx, orderID, enums.OrderHoldStatusCancelled)
}

func (s *Service) closeHold(ctx context.Context, orderID uuid.UUID, target enums.OrderHoldStatus) (*models.OrderHold, error) {
	if orderID == uuid.Nil {
		return nil, validation("order_id", "is required")
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	var out *inventory.HoldRelease
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()

		var err error
		out, err = store.ReleaseOrderHold(ctx, orderID, target, now, nil)
		if repo.IsNotFound(err) {
			return orderNotFound(orderID)
		}
		if err != nil {
			return err
		}
		if out.Skipped {
			if out.Hold.Status == target {
				return nil
			}
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order hold is not pending").
				WithDetails(map[string]any{"order_id": orderID, "status": out.Hold.Status, "target": target})
		}
		return s.outbox.Emit(ctx, tx, holdClosedEvent(out, target, now))
	})
	if err != nil {
		return nil, err
	}
	if out.Skipped {
		return out.Hold, nil
	}

	reason := metrics.ReleaseCancelled
	if target == enums.OrderHoldStatusPaid {
		reason = metrics.ReleasePaid
	}
	s.metrics.AddReleased(reason, out.Units)
	s.reportHoldAnomalies(ctx, out)

	logCtx := s.logg.WithFields(ctx, map[string]any{"status": target, "units": out.Units})
	s.logg.Info(logCtx, "order hold closed")
	return out.Hold, nil
}

func (s *Service) reportHoldAnomalies(ctx context.Context, out *inventory.HoldRelease) {
	for _, id := range out.Clamped {
		s.metrics.IncAnomaly("negative_reserved")
		s.logg.Warn(s.logg.WithVariantID(ctx, id.String()), "reserved_qty clamped at zero on hold release")
	}
	for _, id := range out.Oversold {
		s.metrics.IncAnomaly("oversold")
		s.logg.Warn(s.logg.WithVariantID(ctx, id.String()), "quantity clamped at zero on payment")
	}
	for _, id := range out.MissingLedgers {
		s.metrics.IncAnomaly("orphan_hold_line")
		s.logg.Warn(s.logg.WithVariantID(ctx, id.String()), "hold line references variant without ledger row")
	}
}

func holdClosedEvent(out *inventory.HoldRelease, target enums.OrderHoldStatus, now time.Time) outbox.DomainEvent {
	lines := payloads.HoldLineRefs(out.Hold.Lines)
	event := outbox.DomainEvent{
		AggregateType: enums.AggregateOrderHold,
		AggregateID:   out.Hold.OrderID,
		Source:        eventSource,
		OccurredAt:    now,
	}
	if target == enums.OrderHoldStatusPaid {
		event.EventType = enums.EventOrderHoldPaid
		event.Data = payloads.OrderHoldPaidEvent{OrderID: out.Hold.OrderID, Lines: lines}
		return event
	}
	event.EventType = enums.EventOrderHoldCancelled
	event.Data = payloads.OrderHoldReleasedEvent{
		OrderID:       out.Hold.OrderID,
		ReservedUntil: out.Hold.ReservedUntil,
		Lines:         lines,
		Clamped:       out.Clamped,
	}
	return event
}

// AdvanceOrder moves a spent hold along PAID -> SHIPPED -> COMPLETED. No
// ledger counter changes.
func (s *Service) AdvanceOrder(ctx context.Context, orderID uuid.UUID, next enums.OrderHoldStatus) (*models.OrderHold, error) {
	if orderID == uuid.Nil {
		return nil, validation("order_id", "is required")
	}
	if next != enums.OrderHoldStatusShipped && next != enums.OrderHoldStatusCompleted {
		return nil, validation("status", "must be shipped or completed")
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	var out *models.OrderHold
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()

		hold, err := store.Holds.GetForUpdate(ctx, orderID)
		if repo.IsNotFound(err) {
			return orderNotFound(orderID)
		}
		if err != nil {
			return err
		}
		if !hold.Status.CanTransitionTo(next) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "invalid order hold transition").
				WithDetails(map[string]any{"order_id": orderID, "from": hold.Status, "to": next})
		}
		if err := store.Holds.UpdateStatus(ctx, orderID, next, hold.ReservedUntil, now); err != nil {
			return err
		}
		hold.Status = next
		hold.UpdatedAt = now
		out = hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "status", next), "order hold advanced")
	return out, nil
}
