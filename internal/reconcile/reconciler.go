package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/expiry"
	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/metrics"
	"github.com/angelmondragon/stockhold/pkg/outbox"
	"github.com/angelmondragon/stockhold/pkg/outbox/payloads"
)

const eventSource = "reconciler"

// Anomaly kinds.
const (
	AnomalyNegativeReserved  = "negative_reserved"
	AnomalyOrphanReservation = "orphan_reservation"
	AnomalyOrphanHoldLine    = "orphan_hold_line"
	AnomalyOversold          = "oversold"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type cartPurger interface {
	PurgeExpiredCarts(ctx context.Context, releasedBy string) expiry.SweepResult
}

// ReconcilerParams wires the reconciler.
type ReconcilerParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Store   *inventory.Store
	Outbox  outbox.Emitter
	Metrics *metrics.ReservationMetrics
	Purger  cartPurger
}

// Reconciler treats reservation records as ground truth and rewrites
// reserved_qty wherever the counter drifted from them.
type Reconciler struct {
	logg    *logger.Logger
	db      txRunner
	store   *inventory.Store
	outbox  outbox.Emitter
	metrics *metrics.ReservationMetrics
	purger  cartPurger
	now     func() time.Time
}

// Correction is one reserved_qty overwrite.
type Correction struct {
	VariantID uuid.UUID `json:"variant_id"`
	From      int       `json:"from"`
	To        int       `json:"to"`
}

// Anomaly is a structural inconsistency found during a pass.
type Anomaly struct {
	Kind      string     `json:"kind"`
	VariantID uuid.UUID  `json:"variant_id"`
	RecordID  *uuid.UUID `json:"record_id,omitempty"`
	Detail    string     `json:"detail"`
	Corrected bool       `json:"corrected"`
}

// ReconcileResult aggregates one pass.
type ReconcileResult struct {
	RunID       string       `json:"run_id"`
	Purged      int          `json:"purged"`
	PurgeFailed int          `json:"purge_failed"`
	Checked     int          `json:"checked"`
	Failed      int          `json:"failed"`
	Corrections []Correction `json:"corrections"`
	Anomalies   []Anomaly    `json:"anomalies"`
	Err         error        `json:"-"`
}

// NewReconciler builds a reconciler.
func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
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
	if params.Purger == nil {
		return nil, fmt.Errorf("expired reservation purger required")
	}
	return &Reconciler{
		logg:    params.Logger,
		db:      params.DB,
		store:   params.Store,
		outbox:  params.Outbox,
		metrics: params.Metrics,
		purger:  params.Purger,
		now:     time.Now,
	}, nil
}

// Run purges expired cart reservations, drops orphaned ones, reports
// orphaned hold lines and then recomputes reserved_qty for every ledger row.
// Per-item failures are counted and skipped. Running it twice in a row
// yields no corrections the second time.
func (r *Reconciler) Run(ctx context.Context) ReconcileResult {
	result := ReconcileResult{RunID: uuid.NewString()}
	ctx = r.logg.WithField(ctx, "run_id", result.RunID)

	purge := r.purger.PurgeExpiredCarts(ctx, expiry.ReleasedByReconciler)
	result.Purged = purge.CartsReleased
	result.PurgeFailed = purge.CartsFailed
	result.Err = multierr.Append(result.Err, purge.Err)

	r.dropOrphanReservations(ctx, &result)
	r.reportOrphanHoldLines(ctx, &result)
	r.recompute(ctx, &result)

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"purged":      result.Purged,
		"checked":     result.Checked,
		"corrections": len(result.Corrections),
		"anomalies":   len(result.Anomalies),
		"failed":      result.Failed + result.PurgeFailed,
	})
	if result.Err != nil {
		r.logg.Warn(logCtx, "reconcile finished with failures")
	} else {
		r.logg.Info(logCtx, "reconcile complete")
	}
	return result
}

func (r *Reconciler) recompute(ctx context.Context, result *ReconcileResult) {
	ids, err := r.store.Ledgers.ListVariantIDs(ctx)
	if err != nil {
		result.Err = multierr.Append(result.Err, fmt.Errorf("list ledger variants: %w", err))
		return
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Err = multierr.Append(result.Err, err)
			return
		}
		correction, anomalies, err := r.reconcileVariant(context.WithoutCancel(ctx), id, result.RunID)
		if err != nil {
			result.Failed++
			result.Err = multierr.Append(result.Err, fmt.Errorf("reconcile variant %s: %w", id, err))
			r.logg.Error(r.logg.WithVariantID(ctx, id.String()), "reconcile variant failed", err)
			continue
		}
		result.Checked++
		if correction != nil {
			result.Corrections = append(result.Corrections, *correction)
			r.metrics.ObserveCorrection(correction.From, correction.To)
			logCtx := r.logg.WithFields(r.logg.WithVariantID(ctx, id.String()), map[string]any{
				"from": correction.From,
				"to":   correction.To,
			})
			r.logg.Warn(logCtx, "reserved_qty corrected")
		}
		r.recordAnomalies(ctx, result, anomalies)
	}
}

// reconcileVariant locks one ledger row and overwrites reserved_qty with the
// sum of the variant's reservation records. Writers lock the ledger row before
// touching records, so the sum is stable while the lock is held.
func (r *Reconciler) reconcileVariant(ctx context.Context, variantID uuid.UUID, runID string) (*Correction, []Anomaly, error) {
	var (
		correction *Correction
		anomalies  []Anomaly
	)
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		store := r.store.WithTx(tx)
		now := r.now().UTC()
		correction, anomalies = nil, nil

		ledger, err := store.Ledgers.GetForUpdate(ctx, variantID)
		if repo.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		actual, err := store.Totals.RecordedReserved(ctx, variantID)
		if err != nil {
			return err
		}

		negative := ledger.ReservedQty < 0
		if negative {
			anomalies = append(anomalies, Anomaly{
				Kind:      AnomalyNegativeReserved,
				VariantID: variantID,
				Detail:    fmt.Sprintf("reserved_qty was %d", ledger.ReservedQty),
				Corrected: true,
			})
		}
		if actual != ledger.ReservedQty {
			if err := store.Ledgers.SetReserved(ctx, variantID, actual, now); err != nil {
				return err
			}
			correction = &Correction{VariantID: variantID, From: ledger.ReservedQty, To: actual}
			err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventStockLedgerCorrected,
				AggregateType: enums.AggregateStockLedger,
				AggregateID:   variantID,
				Source:        eventSource,
				OccurredAt:    now,
				Data: payloads.StockLedgerCorrectedEvent{
					VariantID: variantID,
					From:      ledger.ReservedQty,
					To:        actual,
					Clamped:   negative,
					RunID:     runID,
				},
			})
			if err != nil {
				return err
			}
		}
		if actual > ledger.Quantity {
			anomalies = append(anomalies, Anomaly{
				Kind:      AnomalyOversold,
				VariantID: variantID,
				Detail:    fmt.Sprintf("reserved %d exceeds quantity %d", actual, ledger.Quantity),
			})
		}
		for _, anomaly := range anomalies {
			if !anomaly.Corrected {
				continue
			}
			if err := r.emitAnomaly(ctx, tx, anomaly, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return correction, anomalies, nil
}

// dropOrphanReservations deletes live cart reservations whose variant has no
// ledger row. Expired ones were already handled by the purge.
func (r *Reconciler) dropOrphanReservations(ctx context.Context, result *ReconcileResult) {
	orphans, err := r.store.Carts.ListOrphans(ctx, 0)
	if err != nil {
		result.Err = multierr.Append(result.Err, fmt.Errorf("list orphan reservations: %w", err))
		return
	}
	for _, res := range orphans {
		if err := ctx.Err(); err != nil {
			result.Err = multierr.Append(result.Err, err)
			return
		}
		recordID := res.ID
		anomaly := Anomaly{
			Kind:      AnomalyOrphanReservation,
			VariantID: res.VariantID,
			RecordID:  &recordID,
			Detail:    fmt.Sprintf("cart reservation of %d units references variant without ledger row; record deleted", res.Quantity),
			Corrected: true,
		}
		dropped := false
		itemCtx := context.WithoutCancel(ctx)
		err := r.db.WithTx(itemCtx, func(tx *gorm.DB) error {
			store := r.store.WithTx(tx)
			dropped = false
			_, err := store.Ledgers.GetForUpdate(itemCtx, res.VariantID)
			if err == nil {
				// ledger row appeared since listing
				return nil
			}
			if !repo.IsNotFound(err) {
				return err
			}
			deleted, err := store.Carts.Delete(itemCtx, res.ID)
			if err != nil || !deleted {
				return err
			}
			dropped = true
			return r.emitAnomaly(itemCtx, tx, anomaly, r.now().UTC())
		})
		if err != nil {
			result.Failed++
			result.Err = multierr.Append(result.Err, fmt.Errorf("drop orphan reservation %s: %w", res.ID, err))
			r.logg.Error(r.logg.WithReservationID(ctx, res.ID.String()), "drop orphan reservation failed", err)
			continue
		}
		if dropped {
			r.recordAnomalies(ctx, result, []Anomaly{anomaly})
		}
	}
}

// reportOrphanHoldLines surfaces pending hold lines whose variant has no
// ledger row. No safe correction exists, so nothing is written; the lines
// show up in the result, metrics and log on every run until resolved.
func (r *Reconciler) reportOrphanHoldLines(ctx context.Context, result *ReconcileResult) {
	lines, err := r.store.Holds.ListOrphanPendingLines(ctx)
	if err != nil {
		result.Err = multierr.Append(result.Err, fmt.Errorf("list orphan hold lines: %w", err))
		return
	}
	if len(lines) == 0 {
		return
	}
	anomalies := make([]Anomaly, 0, len(lines))
	for _, line := range lines {
		lineID := line.ID
		anomalies = append(anomalies, Anomaly{
			Kind:      AnomalyOrphanHoldLine,
			VariantID: line.VariantID,
			RecordID:  &lineID,
			Detail:    fmt.Sprintf("pending hold line of order %s references variant without ledger row", line.OrderID),
		})
	}
	r.recordAnomalies(ctx, result, anomalies)
}

func (r *Reconciler) emitAnomaly(ctx context.Context, tx *gorm.DB, anomaly Anomaly, now time.Time) error {
	aggregateType := enums.AggregateStockLedger
	aggregateID := anomaly.VariantID
	switch anomaly.Kind {
	case AnomalyOrphanReservation:
		aggregateType = enums.AggregateCartReservation
		aggregateID = *anomaly.RecordID
	}
	return r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventIntegrityAnomaly,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Source:        eventSource,
		OccurredAt:    now,
		Data: payloads.IntegrityAnomalyEvent{
			Kind:      anomaly.Kind,
			VariantID: anomaly.VariantID,
			RecordID:  anomaly.RecordID,
			Detail:    anomaly.Detail,
			Corrected: anomaly.Corrected,
		},
	})
}

func (r *Reconciler) recordAnomalies(ctx context.Context, result *ReconcileResult, anomalies []Anomaly) {
	for _, anomaly := range anomalies {
		result.Anomalies = append(result.Anomalies, anomaly)
		r.metrics.IncAnomaly(anomaly.Kind)
		logCtx := r.logg.WithFields(r.logg.WithVariantID(ctx, anomaly.VariantID.String()), map[string]any{
			"kind":      anomaly.Kind,
			"corrected": anomaly.Corrected,
			"detail":    anomaly.Detail,
		})
		r.logg.Warn(logCtx, "integrity anomaly")
	}
}
