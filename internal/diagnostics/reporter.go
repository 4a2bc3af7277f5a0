package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/logger"
)

type readOnlyRunner interface {
	WithReadOnlyTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ReporterParams wires the diagnostic reporter.
type ReporterParams struct {
	Logger *logger.Logger
	DB     readOnlyRunner
	Store  *inventory.Store
	Now    func() time.Time
}

// Reporter builds point-in-time views of reservation and ledger state. It
// never writes.
type Reporter struct {
	logg  *logger.Logger
	db    readOnlyRunner
	store *inventory.Store
	now   func() time.Time
}

// ReservationView is one cart reservation or pending hold line.
type ReservationView struct {
	Kind      enums.ReservationKind `json:"kind"`
	ID        uuid.UUID             `json:"id"`
	HolderID  uuid.UUID             `json:"holder_id"`
	VariantID uuid.UUID             `json:"variant_id"`
	Quantity  int                   `json:"quantity"`
	Deadline  *time.Time            `json:"deadline,omitempty"`
	Expired   bool                  `json:"expired"`
	// Remaining is the time left before the deadline; Overdue the time
	// since it passed. Both are zero without a deadline.
	Remaining time.Duration `json:"remaining_ns"`
	Overdue   time.Duration `json:"overdue_ns"`
}

// VariantView compares one ledger row with its reservation records.
type VariantView struct {
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved"`
	Available int       `json:"available"`
	// Recorded sums every reservation record, the value a reconcile pass
	// would write. LiveReserved leaves out expired ones.
	Recorded      int  `json:"recorded"`
	LiveReserved  int  `json:"live_reserved"`
	Drift         int  `json:"drift"`
	Oversold      bool `json:"oversold,omitempty"`
	MissingLedger bool `json:"missing_ledger,omitempty"`
}

// Summary totals a snapshot.
type Summary struct {
	Variants            int `json:"variants"`
	LiveReservations    int `json:"live_reservations"`
	ExpiredReservations int `json:"expired_reservations"`
	DriftedVariants     int `json:"drifted_variants"`
	MissingLedgers      int `json:"missing_ledgers"`
}

// Snapshot is a consistent read of the whole reservation state.
type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Summary      Summary           `json:"summary"`
	Variants     []VariantView     `json:"variants"`
	Reservations []ReservationView `json:"reservations"`
}

// NewReporter builds a reporter.
func NewReporter(params ReporterParams) (*Reporter, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("read-only db runner required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("inventory store required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Reporter{logg: params.Logger, db: params.DB, store: params.Store, now: now}, nil
}

// Snapshot reads ledgers and reservation records inside one read-only
// transaction and evaluates expiry against a single instant.
func (r *Reporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := r.now().UTC()
	snap := &Snapshot{GeneratedAt: now}

	err := r.db.WithReadOnlyTx(ctx, func(tx *gorm.DB) error {
		store := r.store.WithTx(tx)

		ledgers, err := store.Ledgers.List(ctx)
		if err != nil {
			return fmt.Errorf("list ledgers: %w", err)
		}
		carts, err := store.Carts.ListAll(ctx)
		if err != nil {
			return fmt.Errorf("list cart reservations: %w", err)
		}
		lines, err := store.Holds.ListPendingLines(ctx)
		if err != nil {
			return fmt.Errorf("list pending hold lines: %w", err)
		}
		recorded, err := store.Totals.RecordedReservedByVariant(ctx)
		if err != nil {
			return fmt.Errorf("sum reservation records: %w", err)
		}

		for _, res := range carts {
			deadline := res.ExpiresAt
			snap.Reservations = append(snap.Reservations, view(enums.ReservationKindCart, res.ID, res.CartID, res.VariantID, res.Quantity, &deadline, now))
		}
		for _, line := range lines {
			snap.Reservations = append(snap.Reservations, view(enums.ReservationKindOrder, line.ID, line.OrderID, line.VariantID, line.Quantity, line.ReservedUntil, now))
		}

		live := map[uuid.UUID]int{}
		for _, res := range snap.Reservations {
			if res.Expired {
				snap.Summary.ExpiredReservations++
				continue
			}
			snap.Summary.LiveReservations++
			live[res.VariantID] += res.Quantity
		}

		seen := make(map[uuid.UUID]struct{}, len(ledgers))
		for _, ledger := range ledgers {
			seen[ledger.VariantID] = struct{}{}
			v := VariantView{
				VariantID:    ledger.VariantID,
				Quantity:     ledger.Quantity,
				Reserved:     ledger.ReservedQty,
				Available:    ledger.Available(),
				Recorded:     recorded[ledger.VariantID],
				LiveReserved: live[ledger.VariantID],
			}
			v.Drift = v.Reserved - v.Recorded
			v.Oversold = v.Recorded > v.Quantity
			snap.Variants = append(snap.Variants, v)
		}
		for variantID, total := range recorded {
			if _, ok := seen[variantID]; ok {
				continue
			}
			snap.Variants = append(snap.Variants, VariantView{
				VariantID:     variantID,
				Recorded:      total,
				LiveReserved:  live[variantID],
				Drift:         -total,
				MissingLedger: true,
			})
		}
		return nil
	})
	if err != nil {
		r.logg.Error(ctx, "diagnostic snapshot failed", err)
		return nil, err
	}

	sort.Slice(snap.Variants, func(i, j int) bool {
		return bytes.Compare(snap.Variants[i].VariantID[:], snap.Variants[j].VariantID[:]) < 0
	})
	snap.Summary.Variants = len(snap.Variants)
	for _, v := range snap.Variants {
		if v.Drift != 0 {
			snap.Summary.DriftedVariants++
		}
		if v.MissingLedger {
			snap.Summary.MissingLedgers++
		}
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"variants":     snap.Summary.Variants,
		"live":         snap.Summary.LiveReservations,
		"expired":      snap.Summary.ExpiredReservations,
		"drifted":      snap.Summary.DriftedVariants,
		"missing_rows": snap.Summary.MissingLedgers,
	})
	r.logg.Debug(logCtx, "diagnostic snapshot built")
	return snap, nil
}

func view(kind enums.ReservationKind, id, holder, variantID uuid.UUID, quantity int, deadline *time.Time, now time.Time) ReservationView {
	v := ReservationView{
		Kind:      kind,
		ID:        id,
		HolderID:  holder,
		VariantID: variantID,
		Quantity:  quantity,
		Deadline:  deadline,
	}
	if deadline == nil {
		return v
	}
	if deadline.After(now) {
		v.Remaining = deadline.Sub(now)
		return v
	}
	v.Expired = true
	v.Overdue = now.Sub(*deadline)
	return v
}
