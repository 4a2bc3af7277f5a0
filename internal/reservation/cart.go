package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockhold/pkg/errors"
	"github.com/angelmondragon/stockhold/pkg/metrics"
	"github.com/angelmondragon/stockhold/pkg/outbox"
	"github.com/angelmondragon/stockhold/pkg/outbox/payloads"
)

// ReserveInput describes one add-to-cart claim. CartID is the holder.
type ReserveInput struct {
	VariantID uuid.UUID
	Quantity  int
	CartID    uuid.UUID
	// TTL sets expires_at = now + TTL. Zero yields an already expired
	// reservation.
	TTL time.Duration
}

func (in ReserveInput) validate() error {
	switch {
	case in.VariantID == uuid.Nil:
		return validation("variant_id", "is required")
	case in.CartID == uuid.Nil:
		return validation("cart_id", "is required")
	case in.Quantity <= 0:
		return validation("quantity", "must be greater than zero")
	case in.TTL < 0:
		return validation("ttl", "must not be negative")
	}
	return nil
}

// Reserve creates or extends the cart's reservation for a variant and
// increments reserved_qty in the same transaction. Extending adds the
// quantity and refreshes the deadline. A line already past its deadline is
// released first and replaced by a fresh one.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (*models.CartReservation, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	ctx = s.logg.WithVariantID(ctx, in.VariantID.String())

	var (
		out     *models.CartReservation
		expired *inventory.CartRelease
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()
		expired = nil

		ledger, err := store.Ledgers.GetForUpdate(ctx, in.VariantID)
		if repo.IsNotFound(err) {
			return variantNotFound(in.VariantID)
		}
		if err != nil {
			return err
		}

		existing, err := store.Carts.FindByCartAndVariant(ctx, in.CartID, in.VariantID)
		if err != nil && !repo.IsNotFound(err) {
			return err
		}
		if existing != nil && existing.IsExpired(now) {
			if expired, err = s.releaseExpiredLine(ctx, tx, store, existing.ID, now); err != nil {
				return err
			}
			existing = nil
			if ledger, err = store.Ledgers.GetForUpdate(ctx, in.VariantID); err != nil {
				return err
			}
		}

		ok, err := store.Ledgers.TryReserve(ctx, in.VariantID, in.Quantity, now)
		if err != nil {
			return err
		}
		if !ok {
			return insufficientStock(ledger, in.Quantity)
		}

		expiresAt := now.Add(in.TTL)
		if existing != nil {
			quantity := existing.Quantity + in.Quantity
			if err := store.Carts.Update(ctx, existing.ID, quantity, expiresAt); err != nil {
				return err
			}
			existing.Quantity = quantity
			existing.ExpiresAt = expiresAt
			out = existing
			return nil
		}

		created, err := models.NewCartReservation(in.CartID, in.VariantID, in.Quantity, now, in.TTL)
		if err != nil {
			return err
		}
		if err := store.Carts.Create(ctx, created); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeTransient, err, "concurrent reservation for cart line")
			}
			return err
		}
		out = created
		return nil
	})
	s.observeOutcome(err)
	if err != nil {
		if !pkgerrors.IsInsufficientStock(err) && !pkgerrors.IsNotFound(err) {
			s.logg.Error(ctx, "reserve failed", err)
		}
		return nil, err
	}
	if expired != nil {
		s.reportCartRelease(ctx, expired, metrics.ReleaseExpired)
	}

	logCtx := s.logg.WithFields(s.logg.WithReservationID(ctx, out.ID.String()), map[string]any{
		"cart_id":    in.CartID.String(),
		"quantity":   out.Quantity,
		"expires_at": out.ExpiresAt,
	})
	s.logg.Debug(logCtx, "stock reserved")
	return out, nil
}

// Release deletes a cart reservation and returns its units. Releasing a
// missing reservation is a no-op.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	ctx = s.logg.WithReservationID(ctx, reservationID.String())

	var out *inventory.CartRelease
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.store.WithTx(tx).ReleaseCartReservation(ctx, reservationID, s.clock(), nil)
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "release failed", err)
		return err
	}
	s.reportCartRelease(ctx, out, metrics.ReleaseExplicit)
	return nil
}

func (s *Service) reportCartRelease(ctx context.Context, out *inventory.CartRelease, reason string) {
	switch {
	case out.Orphan:
		s.metrics.IncAnomaly("orphan_reservation")
		logCtx := s.logg.WithVariantID(ctx, out.Reservation.VariantID.String())
		s.logg.Warn(logCtx, "released reservation without ledger row")
	case out.Released:
		s.metrics.AddReleased(reason, out.Units)
		if out.Clamped {
			s.metrics.IncAnomaly("negative_reserved")
			logCtx := s.logg.WithVariantID(ctx, out.Reservation.VariantID.String())
			s.logg.Warn(logCtx, "reserved_qty clamped at zero on release")
		}
	}
}

// releaseExpiredLine returns a past-deadline cart line's units to the ledger
// and records cart_reservation_expired, exactly as a sweep would. Callers
// hold the line's ledger lock.
func (s *Service) releaseExpiredLine(ctx context.Context, tx *gorm.DB, store *inventory.Store, id uuid.UUID, now time.Time) (*inventory.CartRelease, error) {
	stillExpired := func(res *models.CartReservation) bool { return res.IsExpired(now) }
	out, err := store.ReleaseCartReservation(ctx, id, now, stillExpired)
	if err != nil || !out.Released {
		return out, err
	}
	err = s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCartReservationExpired,
		AggregateType: enums.AggregateCartReservation,
		AggregateID:   out.Reservation.ID,
		Source:        eventSource,
		OccurredAt:    now,
		Data: payloads.CartReservationExpiredEvent{
			ReservationID: out.Reservation.ID,
			CartID:        out.Reservation.CartID,
			VariantID:     out.Reservation.VariantID,
			Quantity:      out.Reservation.Quantity,
			ExpiresAt:     out.Reservation.ExpiresAt,
			Clamped:       out.Clamped,
			ReleasedBy:    eventSource,
		},
	})
	return out, err
}

// Adjust sets a reservation's quantity, applying only the delta to
// reserved_qty. A new quantity of zero releases the reservation and returns
// nil. An expired reservation is released and reported as not found.
func (s *Service) Adjust(ctx context.Context, reservationID uuid.UUID, newQuantity int) (*models.CartReservation, error) {
	if newQuantity < 0 {
		return nil, validation("quantity", "must not be negative")
	}
	if newQuantity == 0 {
		return nil, s.Release(ctx, reservationID)
	}
	ctx = s.logg.WithReservationID(ctx, reservationID.String())

	var (
		out      *models.CartReservation
		expired  *inventory.CartRelease
		released int
		clamped  bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		now := s.clock()
		out, expired, released, clamped = nil, nil, 0, false

		res, err := store.Carts.Get(ctx, reservationID)
		if repo.IsNotFound(err) {
			return reservationNotFound(reservationID)
		}
		if err != nil {
			return err
		}
		ledger, err := store.Ledgers.GetForUpdate(ctx, res.VariantID)
		if repo.IsNotFound(err) {
			return variantNotFound(res.VariantID)
		}
		if err != nil {
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

		delta := newQuantity - current.Quantity
		switch {
		case delta > 0:
			ok, err := store.Ledgers.TryReserve(ctx, ledger.VariantID, delta, now)
			if err != nil {
				return err
			}
			if !ok {
				return insufficientStock(ledger, delta)
			}
		case delta < 0:
			var reserved int
			reserved, clamped = inventory.SubtractClamped(ledger.ReservedQty, -delta)
			if err := store.Ledgers.SetReserved(ctx, ledger.VariantID, reserved, now); err != nil {
				return err
			}
		default:
			out = current
			return nil
		}

		if err := store.Carts.Update(ctx, current.ID, newQuantity, current.ExpiresAt); err != nil {
			return err
		}
		if delta < 0 {
			released = -delta
		}
		current.Quantity = newQuantity
		out = current
		return nil
	})
	if err == nil && expired != nil {
		s.reportCartRelease(ctx, expired, metrics.ReleaseExpired)
		err = reservationNotFound(reservationID)
	}
	s.observeOutcome(err)
	if err != nil {
		return nil, err
	}
	s.metrics.AddReleased(metrics.ReleaseExplicit, released)
	if clamped {
		s.metrics.IncAnomaly("negative_reserved")
		s.logg.Warn(s.logg.WithVariantID(ctx, out.VariantID.String()), "reserved_qty clamped at zero on adjust")
	}
	return out, nil
}
