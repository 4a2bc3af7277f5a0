package reconcile

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/expiry"
	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/inventory/inventorytest"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/outbox"
)

var now = inventorytest.Now

type failingRunner struct {
	inner txRunner
	calls int
	fail  map[int]error
}

func (r *failingRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.calls++
	if err, ok := r.fail[r.calls]; ok {
		return err
	}
	return r.inner.WithTx(ctx, fn)
}

type stubPurger struct {
	result expiry.SweepResult
	calls  int
}

func (s *stubPurger) PurgeExpiredCarts(ctx context.Context, releasedBy string) expiry.SweepResult {
	s.calls++
	return s.result
}

func newReconciler(t *testing.T, client txRunner, conn *gorm.DB, runner txRunner) *Reconciler {
	t.Helper()
	store := inventory.NewStore(conn)
	emitter := outbox.NewService(outbox.NewRepository(conn), logger.Nop())
	sweeper, err := expiry.NewSweeper(expiry.SweeperParams{
		Logger: logger.Nop(),
		DB:     client,
		Store:  store,
		Outbox: emitter,
		Now:    inventorytest.Clock(now),
	})
	require.NoError(t, err)
	rec, err := NewReconciler(ReconcilerParams{
		Logger: logger.Nop(),
		DB:     runner,
		Store:  store,
		Outbox: emitter,
		Purger: sweeper,
	})
	require.NoError(t, err)
	rec.now = inventorytest.Clock(now)
	return rec
}

func recorded(t *testing.T, conn *gorm.DB, variant uuid.UUID) int {
	t.Helper()
	total, err := inventory.NewTotalsRepository(conn).RecordedReserved(context.Background(), variant)
	require.NoError(t, err)
	return total
}

func TestNewReconcilerRequiresPurger(t *testing.T) {
	_, err := NewReconciler(ReconcilerParams{Logger: logger.Nop()})
	require.Error(t, err)
}

func TestReconcilePurgesImmediatelyExpiredReservation(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	variant := inventorytest.Ledger(t, conn, 10, 3)
	// ttl = 0: expires at the instant it was reserved
	inventorytest.CartReservation(t, conn, variant, 3, now.Add(-time.Second))

	result := newReconciler(t, client, conn, client).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Purged)
	assert.Empty(t, result.Corrections)
	assert.Equal(t, 0, inventorytest.LedgerRow(t, conn, variant).ReservedQty)
	assert.Zero(t, inventorytest.Count(t, conn, &models.CartReservation{}))
}

func TestReconcileCorrectsCorruptedCounter(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	variant := inventorytest.Ledger(t, conn, 1000, 999)
	inventorytest.CartReservation(t, conn, variant, 4, now.Add(time.Hour))

	result := newReconciler(t, client, conn, client).Run(context.Background())
	require.NoError(t, result.Err)
	require.Len(t, result.Corrections, 1)
	assert.Equal(t, Correction{VariantID: variant, From: 999, To: 4}, result.Corrections[0])
	assert.Equal(t, 4, inventorytest.LedgerRow(t, conn, variant).ReservedQty)

	events, err := outbox.NewRepository(conn).ListByAggregate(context.Background(), enums.AggregateStockLedger, variant, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventStockLedgerCorrected, events[0].EventType)
}

func TestReconcileCountsPendingHoldsOnly(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	variant := inventorytest.Ledger(t, conn, 50, 0)
	line := inventorytest.Line{VariantID: variant, Quantity: 5}
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now.Add(time.Hour)), line)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPaid, nil, line)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusCancelled, inventorytest.Ptr(now.Add(-time.Hour)), line)
	inventorytest.CartReservation(t, conn, variant, 2, now.Add(time.Minute))

	result := newReconciler(t, client, conn, client).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, []Correction{{VariantID: variant, From: 0, To: 7}}, result.Corrections)
}

func TestReconcileConvergesAndIsIdempotent(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	rng := rand.New(rand.NewSource(7))

	var variants []uuid.UUID
	for i := 0; i < 6; i++ {
		variant := inventorytest.Ledger(t, conn, 100, rng.Intn(200)-50)
		variants = append(variants, variant)
		for j := 0; j < rng.Intn(4); j++ {
			offset := time.Duration(rng.Intn(120)-60) * time.Minute
			inventorytest.CartReservation(t, conn, variant, 1+rng.Intn(5), now.Add(offset))
		}
		if rng.Intn(2) == 0 {
			inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now.Add(time.Hour)),
				inventorytest.Line{VariantID: variant, Quantity: 1 + rng.Intn(3)})
		}
	}

	rec := newReconciler(t, client, conn, client)
	first := rec.Run(context.Background())
	require.NoError(t, first.Err)
	for _, variant := range variants {
		assert.Equal(t, recorded(t, conn, variant), inventorytest.LedgerRow(t, conn, variant).ReservedQty)
	}

	var expired int64
	require.NoError(t, conn.Model(&models.CartReservation{}).Where("expires_at <= ?", now).Count(&expired).Error)
	assert.Zero(t, expired)

	second := rec.Run(context.Background())
	require.NoError(t, second.Err)
	assert.Empty(t, second.Corrections)
	assert.Zero(t, second.Purged)
}

func TestReconcileClampsNegativeCounter(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	variant := inventorytest.Ledger(t, conn, 10, -3)

	result := newReconciler(t, client, conn, client).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, []Correction{{VariantID: variant, From: -3, To: 0}}, result.Corrections)
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, AnomalyNegativeReserved, result.Anomalies[0].Kind)
	assert.True(t, result.Anomalies[0].Corrected)
}

func TestReconcileReportsOrphans(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	ghost := uuid.New()
	orphan := inventorytest.CartReservation(t, conn, ghost, 2, now.Add(time.Hour))
	hold := inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now.Add(time.Hour)),
		inventorytest.Line{VariantID: ghost, Quantity: 1})

	result := newReconciler(t, client, conn, client).Run(context.Background())
	require.NoError(t, result.Err)
	require.Len(t, result.Anomalies, 2)

	kinds := map[string]Anomaly{}
	for _, a := range result.Anomalies {
		kinds[a.Kind] = a
	}
	dropped := kinds[AnomalyOrphanReservation]
	require.NotNil(t, dropped.RecordID)
	assert.Equal(t, orphan.ID, *dropped.RecordID)
	assert.True(t, dropped.Corrected)
	assert.Zero(t, inventorytest.Count(t, conn, &models.CartReservation{}))

	line := kinds[AnomalyOrphanHoldLine]
	assert.Equal(t, ghost, line.VariantID)
	assert.False(t, line.Corrected)
	stored, err := inventory.NewOrderHoldRepository(conn).Get(context.Background(), hold.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderHoldStatusPending, stored.Status, "orphan hold lines are reported only")
}

func TestReconcileReportsOversoldWithoutCorrecting(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	variant := inventorytest.Ledger(t, conn, 2, 5)
	inventorytest.CartReservation(t, conn, variant, 5, now.Add(time.Hour))

	result := newReconciler(t, client, conn, client).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Empty(t, result.Corrections)
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, AnomalyOversold, result.Anomalies[0].Kind)
	ledger := inventorytest.LedgerRow(t, conn, variant)
	assert.Equal(t, 5, ledger.ReservedQty)
	assert.Equal(t, 2, ledger.Quantity)
}

func TestReconcileRepeatedRunWritesNothingForUncorrectedAnomalies(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	oversold := inventorytest.Ledger(t, conn, 2, 5)
	inventorytest.CartReservation(t, conn, oversold, 5, now.Add(time.Hour))
	ghost := uuid.New()
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now.Add(time.Hour)),
		inventorytest.Line{VariantID: ghost, Quantity: 1})
	drifted := inventorytest.Ledger(t, conn, 10, -2)

	rec := newReconciler(t, client, conn, client)
	first := rec.Run(context.Background())
	require.NoError(t, first.Err)
	require.Len(t, first.Corrections, 1)
	assert.Equal(t, drifted, first.Corrections[0].VariantID)

	var events []models.OutboxEvent
	require.NoError(t, conn.Find(&events).Error)
	for _, event := range events {
		assert.NotEqual(t, enums.AggregateOrderHold, event.AggregateType, "orphan hold lines are not written")
		assert.NotEqual(t, oversold, event.AggregateID, "oversold is not written")
	}
	written := inventorytest.Count(t, conn, &models.OutboxEvent{})

	second := rec.Run(context.Background())
	require.NoError(t, second.Err)
	assert.Empty(t, second.Corrections)
	kinds := map[string]bool{}
	for _, a := range second.Anomalies {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[AnomalyOversold], "persistent oversold is still reported")
	assert.True(t, kinds[AnomalyOrphanHoldLine], "persistent orphan hold line is still reported")
	assert.Equal(t, written, inventorytest.Count(t, conn, &models.OutboxEvent{}), "second run writes nothing")
}

func TestReconcileSkipsFailedVariant(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	a := inventorytest.Ledger(t, conn, 10, 9)
	b := inventorytest.Ledger(t, conn, 10, 9)

	runner := &failingRunner{inner: client, fail: map[int]error{1: errors.New("lock timeout")}}
	result := newReconciler(t, client, conn, runner).Run(context.Background())
	require.Error(t, result.Err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Checked)
	require.Len(t, result.Corrections, 1)

	ledgers := map[uuid.UUID]int{
		a: inventorytest.LedgerRow(t, conn, a).ReservedQty,
		b: inventorytest.LedgerRow(t, conn, b).ReservedQty,
	}
	assert.ElementsMatch(t, []int{0, 9}, []int{ledgers[a], ledgers[b]})
}

func TestReconcileCarriesPurgeFailures(t *testing.T) {
	client := inventorytest.Open(t)
	conn := client.DB()
	purger := &stubPurger{result: expiry.SweepResult{CartsReleased: 1, CartsFailed: 2, Err: errors.New("purge failed")}}
	rec, err := NewReconciler(ReconcilerParams{
		Logger: logger.Nop(),
		DB:     client,
		Store:  inventory.NewStore(conn),
		Outbox: outbox.NewService(outbox.NewRepository(conn), logger.Nop()),
		Purger: purger,
	})
	require.NoError(t, err)

	result := rec.Run(context.Background())
	assert.Equal(t, 1, purger.calls)
	assert.Equal(t, 1, result.Purged)
	assert.Equal(t, 2, result.PurgeFailed)
	require.Error(t, result.Err)
}
