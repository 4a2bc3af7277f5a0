package repo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:repo_base?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return conn
}

type lockProbe struct {
	ID   int
	Name string
}

func TestBaseDB_BindsContext(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	ctx := context.WithValue(context.Background(), struct{}{}, "value")
	withCtx := base.DB(ctx)

	if withCtx.Statement.Context != ctx {
		t.Fatalf("expected context to flow through, got %v", withCtx.Statement.Context)
	}
	if base.DB(nil) != db {
		t.Fatalf("expected nil context to return raw connection")
	}
}

func TestLockedQueriesRunOnSQLite(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AutoMigrate(&lockProbe{}))
	require.NoError(t, db.Create(&lockProbe{ID: 1, Name: "a"}).Error)

	base := NewBase(db)
	var got lockProbe
	err := base.Locked(context.Background()).Where("id = ?", 1).First(&got).Error
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	err = base.Locked(context.Background()).Where("id = ?", 2).First(&got).Error
	assert.True(t, IsNotFound(err))
}

func TestSortIDsDeduplicatesAndOrders(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-0000000000b0")
	c := uuid.MustParse("f0000000-0000-0000-0000-000000000000")

	got := SortIDs([]uuid.UUID{c, a, b, a})
	assert.Equal(t, []uuid.UUID{a, b, c}, got)
	assert.Empty(t, SortIDs(nil))
}
