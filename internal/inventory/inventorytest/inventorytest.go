// Package inventorytest opens throwaway SQLite stores and seeds inventory
// rows for tests.
package inventorytest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/stockhold/pkg/db"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	"github.com/angelmondragon/stockhold/pkg/migrate"
)

// Now is the fixed instant tests anchor their clocks on.
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock returns a func that always reports t.
func Clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// Open returns a migrated in-memory SQLite client private to the test.
func Open(t *testing.T) *db.Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "_" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migrate.AutoMigrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db.NewFromGorm(conn, db.WithTxTimeout(5*time.Second))
}

// Ledger inserts a ledger row with the given counts.
func Ledger(t *testing.T, conn *gorm.DB, quantity, reserved int) uuid.UUID {
	t.Helper()
	ledger, err := models.NewStockLedger(uuid.New(), quantity)
	if err != nil {
		t.Fatalf("build ledger: %v", err)
	}
	ledger.ReservedQty = reserved
	if err := conn.Create(ledger).Error; err != nil {
		t.Fatalf("insert ledger: %v", err)
	}
	return ledger.VariantID
}

// CartReservation inserts a reservation record without touching the ledger.
func CartReservation(t *testing.T, conn *gorm.DB, variantID uuid.UUID, quantity int, expiresAt time.Time) *models.CartReservation {
	t.Helper()
	res := &models.CartReservation{
		ID:         uuid.New(),
		CartID:     uuid.New(),
		VariantID:  variantID,
		Quantity:   quantity,
		ReservedAt: expiresAt.Add(-time.Hour),
		ExpiresAt:  expiresAt,
	}
	if err := conn.Create(res).Error; err != nil {
		t.Fatalf("insert cart reservation: %v", err)
	}
	return res
}

// Line is a variant quantity used to seed hold lines.
type Line struct {
	VariantID uuid.UUID
	Quantity  int
}

// OrderHold inserts a hold with status and lines without touching the ledger.
func OrderHold(t *testing.T, conn *gorm.DB, status enums.OrderHoldStatus, reservedUntil *time.Time, lines ...Line) *models.OrderHold {
	t.Helper()
	hold := &models.OrderHold{
		OrderID:       uuid.New(),
		Status:        status,
		ReservedUntil: reservedUntil,
		CreatedAt:     Now,
		UpdatedAt:     Now,
	}
	for _, l := range lines {
		hold.Lines = append(hold.Lines, models.OrderHoldLine{
			ID:        uuid.New(),
			OrderID:   hold.OrderID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
			CreatedAt: Now,
		})
	}
	if err := conn.Create(hold).Error; err != nil {
		t.Fatalf("insert order hold: %v", err)
	}
	if len(hold.Lines) > 0 {
		if err := conn.Create(&hold.Lines).Error; err != nil {
			t.Fatalf("insert hold lines: %v", err)
		}
	}
	return hold
}

// LedgerRow reads a ledger row back.
func LedgerRow(t *testing.T, conn *gorm.DB, variantID uuid.UUID) models.StockLedger {
	t.Helper()
	var ledger models.StockLedger
	if err := conn.Where("variant_id = ?", variantID).First(&ledger).Error; err != nil {
		t.Fatalf("read ledger %s: %v", variantID, err)
	}
	return ledger
}

// Count returns the number of rows in model's table.
func Count(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := conn.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// Ptr returns a pointer to t.
func Ptr(t time.Time) *time.Time {
	return &t
}
