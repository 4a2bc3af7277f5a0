package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/stockhold/internal/inventory/inventorytest"
	"github.com/angelmondragon/stockhold/internal/repo"
	"github.com/angelmondragon/stockhold/pkg/enums"
)

func TestLedgerTryReserveGuardsAvailability(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	variant := inventorytest.Ledger(t, conn, 5, 3)
	ledgers := NewLedgerRepository(conn)
	ctx := context.Background()

	ok, err := ledgers.TryReserve(ctx, variant, 2, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledgers.TryReserve(ctx, variant, 1, now)
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to reserve")

	ledger, err := ledgers.Get(ctx, variant)
	require.NoError(t, err)
	assert.Equal(t, 5, ledger.ReservedQty)
	assert.Equal(t, 0, ledger.Available())

	ok, err = ledgers.TryReserve(ctx, uuid.New(), 1, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerLockManySkipsMissing(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	a := inventorytest.Ledger(t, conn, 1, 0)
	b := inventorytest.Ledger(t, conn, 2, 0)

	locked, err := NewLedgerRepository(conn).LockMany(context.Background(), []uuid.UUID{b, uuid.New(), a, b})
	require.NoError(t, err)
	assert.Len(t, locked, 2)
	assert.Equal(t, 2, locked[b].Quantity)
}

func TestLedgerListVariantIDsSorted(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	ids := []uuid.UUID{
		inventorytest.Ledger(t, conn, 1, 0),
		inventorytest.Ledger(t, conn, 1, 0),
		inventorytest.Ledger(t, conn, 1, 0),
	}
	got, err := NewLedgerRepository(conn).ListVariantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, repo.SortIDs(ids), got)
}

func TestCartReservationListExpiredPaginates(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	variant := inventorytest.Ledger(t, conn, 10, 0)
	for i := 0; i < 3; i++ {
		inventorytest.CartReservation(t, conn, variant, 1, now.Add(-time.Minute))
	}
	inventorytest.CartReservation(t, conn, variant, 1, now) // deadline reached
	inventorytest.CartReservation(t, conn, variant, 1, now.Add(time.Second))

	carts := NewCartReservationRepository(conn)
	ctx := context.Background()

	first, err := carts.ListExpired(ctx, now, nil, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	last := first[len(first)-1].ID
	rest, err := carts.ListExpired(ctx, now, &last, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestCartReservationFindAndUpdate(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	variant := inventorytest.Ledger(t, conn, 10, 0)
	res := inventorytest.CartReservation(t, conn, variant, 2, now)
	carts := NewCartReservationRepository(conn)
	ctx := context.Background()

	found, err := carts.FindByCartAndVariant(ctx, res.CartID, variant)
	require.NoError(t, err)
	assert.Equal(t, res.ID, found.ID)

	_, err = carts.FindByCartAndVariant(ctx, uuid.New(), variant)
	assert.True(t, repo.IsNotFound(err))

	require.NoError(t, carts.Update(ctx, res.ID, 5, now.Add(time.Hour)))
	updated, err := carts.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Quantity)
	assert.True(t, updated.ExpiresAt.Equal(now.Add(time.Hour)))

	deleted, err := carts.Delete(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = carts.Delete(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCartReservationListOrphans(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	variant := inventorytest.Ledger(t, conn, 10, 0)
	inventorytest.CartReservation(t, conn, variant, 1, now)
	orphan := inventorytest.CartReservation(t, conn, uuid.New(), 1, now)

	got, err := NewCartReservationRepository(conn).ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orphan.ID, got[0].ID)
}

func TestOrderHoldListExpiredPending(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	variant := inventorytest.Ledger(t, conn, 10, 0)
	line := inventorytest.Line{VariantID: variant, Quantity: 1}
	expired := inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now.Add(-time.Second)), line)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now.Add(time.Second)), line)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, nil, line)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusCancelled, inventorytest.Ptr(now.Add(-time.Hour)), line)

	got, err := NewOrderHoldRepository(conn).ListExpiredPending(context.Background(), now, nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.OrderID, got[0].OrderID)
}

func TestOrderHoldGetLoadsLines(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	a := inventorytest.Ledger(t, conn, 10, 0)
	b := inventorytest.Ledger(t, conn, 10, 0)
	hold := inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, nil,
		inventorytest.Line{VariantID: a, Quantity: 1},
		inventorytest.Line{VariantID: b, Quantity: 2},
	)

	got, err := NewOrderHoldRepository(conn).GetForUpdate(context.Background(), hold.OrderID)
	require.NoError(t, err)
	assert.Len(t, got.Lines, 2)
	assert.Equal(t, 3, got.TotalQuantity())
}

func TestPendingLinesAndOrphans(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	a := inventorytest.Ledger(t, conn, 10, 0)
	ghost := uuid.New()
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now),
		inventorytest.Line{VariantID: a, Quantity: 1},
		inventorytest.Line{VariantID: ghost, Quantity: 2},
	)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPaid, nil,
		inventorytest.Line{VariantID: a, Quantity: 5},
	)

	holds := NewOrderHoldRepository(conn)
	pending, err := holds.ListPendingLines(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, line := range pending {
		require.NotNil(t, line.ReservedUntil)
	}

	orphans, err := holds.ListOrphanPendingLines(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, ghost, orphans[0].VariantID)
}

func TestTotalsRecordedReserved(t *testing.T) {
	conn := inventorytest.Open(t).DB()
	a := inventorytest.Ledger(t, conn, 20, 0)
	b := inventorytest.Ledger(t, conn, 20, 0)
	inventorytest.CartReservation(t, conn, a, 2, now.Add(time.Hour))
	inventorytest.CartReservation(t, conn, a, 3, now.Add(-time.Hour))
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusPending, inventorytest.Ptr(now),
		inventorytest.Line{VariantID: a, Quantity: 4},
		inventorytest.Line{VariantID: b, Quantity: 1},
	)
	inventorytest.OrderHold(t, conn, enums.OrderHoldStatusCancelled, nil,
		inventorytest.Line{VariantID: a, Quantity: 100},
	)

	totals := NewTotalsRepository(conn)
	ctx := context.Background()

	got, err := totals.RecordedReserved(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 9, got, "every present cart record plus pending lines")

	none, err := totals.RecordedReserved(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, none)

	all, err := totals.RecordedReservedByVariant(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{a: 9, b: 1}, all)
}
