package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockhold/internal/inventory/inventorytest"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/outbox/payloads"
)

func TestEmitWritesEnvelopeInsideTx(t *testing.T) {
	client := inventorytest.Open(t)
	repo := NewRepository(client.DB())
	svc := NewService(repo, logger.Nop())
	svc.now = inventorytest.Clock(inventorytest.Now)
	variant := uuid.New()
	ctx := context.Background()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventStockLedgerCorrected,
			AggregateType: enums.AggregateStockLedger,
			AggregateID:   variant,
			Source:        "reconciler",
			Data:          payloads.StockLedgerCorrectedEvent{VariantID: variant, From: 999, To: 4, RunID: "run-1"},
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(ctx, enums.AggregateStockLedger, variant, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	decoded, err := DefaultDecoders().DecodeRow(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "reconciler", decoded.Source)
	assert.True(t, decoded.OccurredAt.Equal(inventorytest.Now))
	data, ok := decoded.Data.(payloads.StockLedgerCorrectedEvent)
	require.True(t, ok, "unexpected payload type %T", decoded.Data)
	assert.Equal(t, 999, data.From)
	assert.Equal(t, 4, data.To)
}

func TestEmitRollsBackWithTx(t *testing.T) {
	client := inventorytest.Open(t)
	repo := NewRepository(client.DB())
	svc := NewService(repo, nil)
	ctx := context.Background()
	orderID := uuid.New()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := svc.Emit(ctx, tx, DomainEvent{
			EventType:     enums.EventOrderHoldPaid,
			AggregateType: enums.AggregateOrderHold,
			AggregateID:   orderID,
			Data:          payloads.OrderHoldPaidEvent{OrderID: orderID},
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	rows, err := repo.ListByType(ctx, enums.EventOrderHoldPaid, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmitRejectsUnknownEventAndMissingTx(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	ctx := context.Background()
	require.Error(t, svc.Emit(ctx, nil, DomainEvent{EventType: enums.EventOrderHoldPaid}))
	require.Error(t, svc.Emit(ctx, &gorm.DB{}, DomainEvent{EventType: "order_created"}))
}

func TestDecoderRegistryUnknownVersion(t *testing.T) {
	_, err := DefaultDecoders().Decode(enums.EventOrderHoldPaid, 2, []byte(`{}`))
	require.Error(t, err)
}
