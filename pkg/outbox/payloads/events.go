package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockhold/pkg/db/models"
)

// StockLedgerCorrectedEvent records a reconciler overwrite of reserved_qty.
type StockLedgerCorrectedEvent struct {
	VariantID uuid.UUID `json:"variant_id"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Clamped   bool      `json:"clamped,omitempty"`
	RunID     string    `json:"run_id"`
}

// OrderHoldReleasedEvent covers expiry and cancellation of a pending hold.
type OrderHoldReleasedEvent struct {
	OrderID       uuid.UUID     `json:"order_id"`
	ReservedUntil *time.Time    `json:"reserved_until,omitempty"`
	Lines         []HoldLineRef `json:"lines"`
	Clamped       []uuid.UUID   `json:"clamped_variants,omitempty"`
}

// OrderHoldPaidEvent is emitted when a hold is spent and stock decremented.
type OrderHoldPaidEvent struct {
	OrderID uuid.UUID     `json:"order_id"`
	Lines   []HoldLineRef `json:"lines"`
}

// HoldLineRef identifies one variant quantity of a hold.
type HoldLineRef struct {
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
}

// HoldLineRefs flattens hold lines for event payloads.
func HoldLineRefs(lines []models.OrderHoldLine) []HoldLineRef {
	refs := make([]HoldLineRef, 0, len(lines))
	for _, line := range lines {
		refs = append(refs, HoldLineRef{VariantID: line.VariantID, Quantity: line.Quantity})
	}
	return refs
}

// CartReservationExpiredEvent records the release of a stale cart line.
type CartReservationExpiredEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	CartID        uuid.UUID `json:"cart_id"`
	VariantID     uuid.UUID `json:"variant_id"`
	Quantity      int       `json:"quantity"`
	ExpiresAt     time.Time `json:"expires_at"`
	Clamped       bool      `json:"clamped,omitempty"`
	ReleasedBy    string    `json:"released_by"`
}

// IntegrityAnomalyEvent surfaces a structural inconsistency for inspection.
type IntegrityAnomalyEvent struct {
	Kind      string     `json:"kind"`
	VariantID uuid.UUID  `json:"variant_id"`
	RecordID  *uuid.UUID `json:"record_id,omitempty"`
	Detail    string     `json:"detail"`
	Corrected bool       `json:"corrected"`
}
