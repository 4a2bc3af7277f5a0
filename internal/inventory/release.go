package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockhold/pkg/errors"
)

// CartRelease describes what ReleaseCartReservation did.
type CartRelease struct {
	Reservation *models.CartReservation
	// Released is false when the record was already gone or not eligible.
	Released bool
	Skipped  bool
	// Orphan is set when the reservation referenced a variant with no ledger
	// row; the record is deleted but no counter changes.
	Orphan  bool
	Clamped bool
	Units   int
}

// CartEligibility decides, under lock, whether a reservation may still be
// released. A nil predicate releases unconditionally.
type CartEligibility func(res *models.CartReservation) bool

// ReleaseCartReservation deletes a cart reservation and returns its units to
// the ledger. The ledger row is locked before the reservation is re-read so
// that lock order matches Reserve. A missing reservation is a no-op.
// Must run inside a transaction.
func (s *Store) ReleaseCartReservation(ctx context.Context, id uuid.UUID, now time.Time, eligible CartEligibility) (*CartRelease, error) {
	res, err := s.Carts.Get(ctx, id)
	if repo.IsNotFound(err) {
		return &CartRelease{}, nil
	}
	if err != nil {
		return nil, err
	}

	ledger, err := s.Ledgers.GetForUpdate(ctx, res.VariantID)
	if repo.IsNotFound(err) {
		if _, err := s.Carts.Delete(ctx, id); err != nil {
			return nil, err
		}
		return &CartRelease{Reservation: res, Orphan: true}, nil
	}
	if err != nil {
		return nil, err
	}

	current, err := s.Carts.GetForUpdate(ctx, id)
	if repo.IsNotFound(err) {
		return &CartRelease{}, nil
	}
	if err != nil {
		return nil, err
	}
	if eligible != nil && !eligible(current) {
		return &CartRelease{Reservation: current, Skipped: true}, nil
	}

	reserved, clamped := SubtractClamped(ledger.ReservedQty, current.Quantity)
	if err := s.Ledgers.SetReserved(ctx, ledger.VariantID, reserved, now); err != nil {
		return nil, err
	}
	deleted, err := s.Carts.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "reservation vanished while locked")
	}
	return &CartRelease{
		Reservation: current,
		Released:    true,
		Clamped:     clamped,
		Units:       current.Quantity,
	}, nil
}

// HoldRelease describes what ReleaseOrderHold did.
type HoldRelease struct {
	Hold     *models.OrderHold
	Released bool
	Skipped  bool
	Units    int
	// Clamped lists variants whose reserved_qty would have gone negative.
	Clamped []uuid.UUID
	// Oversold lists variants whose physical quantity would have gone
	// negative on payment.
	Oversold []uuid.UUID
	// MissingLedgers lists line variants with no ledger row.
	MissingLedgers []uuid.UUID
}

// HoldEligibility decides, under lock, whether a pending hold may still be
// released. A nil predicate releases any pending hold.
type HoldEligibility func(hold *models.OrderHold) bool

// ReleaseOrderHold moves a pending hold to target (CANCELLED or PAID) and
// removes its lines from reserved_qty. On PAID the physical quantity is
// decremented too. A hold that is no longer pending is reported as skipped.
// Must run inside a transaction.
func (s *Store) ReleaseOrderHold(ctx context.Context, orderID uuid.UUID, target enums.OrderHoldStatus, now time.Time, eligible HoldEligibility) (*HoldRelease, error) {
	if target != enums.OrderHoldStatusCancelled && target != enums.OrderHoldStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "hold release target must be cancelled or paid").
			WithDetails(map[string]any{"target": target})
	}

	hold, err := s.Holds.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(hold.Lines))
	for _, id := range lineVariants(hold.Lines) {
		seen[id] = struct{}{}
	}
	ledgers, err := s.Ledgers.LockMany(ctx, lineVariants(hold.Lines))
	if err != nil {
		return nil, err
	}

	current, err := s.Holds.GetForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status != enums.OrderHoldStatusPending || (eligible != nil && !eligible(current)) {
		return &HoldRelease{Hold: current, Skipped: true}, nil
	}

	// A variant added between the unlocked read and the hold lock would need
	// its ledger locked after the hold. Ledgers always come first, so the
	// caller retries with the full variant set.
	for _, id := range lineVariants(current.Lines) {
		if _, ok := seen[id]; !ok {
			return nil, pkgerrors.New(pkgerrors.CodeTransient, "order hold lines changed while locking").
				WithDetails(map[string]any{"order_id": orderID, "variant_id": id})
		}
	}

	out := &HoldRelease{Hold: current, Released: true}
	perVariant := map[uuid.UUID]int{}
	for _, line := range current.Lines {
		perVariant[line.VariantID] += line.Quantity
		out.Units += line.Quantity
	}
	for _, variantID := range repo.SortIDs(lineVariants(current.Lines)) {
		ledger, ok := ledgers[variantID]
		if !ok {
			out.MissingLedgers = append(out.MissingLedgers, variantID)
			continue
		}
		units := perVariant[variantID]
		reserved, clamped := SubtractClamped(ledger.ReservedQty, units)
		if clamped {
			out.Clamped = append(out.Clamped, variantID)
		}
		quantity := ledger.Quantity
		if target == enums.OrderHoldStatusPaid {
			var oversold bool
			quantity, oversold = SubtractClamped(ledger.Quantity, units)
			if oversold {
				out.Oversold = append(out.Oversold, variantID)
			}
		}
		if err := s.Ledgers.SetCounts(ctx, variantID, quantity, reserved, now); err != nil {
			return nil, err
		}
	}

	reservedUntil := current.ReservedUntil
	if target == enums.OrderHoldStatusPaid {
		reservedUntil = nil
	}
	if err := s.Holds.UpdateStatus(ctx, orderID, target, reservedUntil, now); err != nil {
		return nil, err
	}
	current.Status = target
	current.ReservedUntil = reservedUntil
	current.UpdatedAt = now
	return out, nil
}

func lineVariants(lines []models.OrderHoldLine) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.VariantID)
	}
	return ids
}

// subtractClamped returns value-n floored at zero and whether the floor applied.
func SubtractClamped(value, n int) (int, bool) {
	if value-n < 0 {
		return 0, true
	}
	return value - n, false
}
