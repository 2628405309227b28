package config

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type guardedItem struct {
	ID   uint
	Name string
}

func (guardedItem) TableName() string { return "budget_items" }

type scratchRow struct {
	ID   uint
	Name string
}

func (scratchRow) TableName() string { return "scratch_rows" }

func newGuardDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, InstallPlugins(db))
	require.NoError(t, db.AutoMigrate(&guardedItem{}, &scratchRow{}))
	return db
}

func TestDeleteGuard(t *testing.T) {
	db := newGuardDB(t)
	require.NoError(t, db.Create(&[]guardedItem{{Name: "a"}, {Name: "b"}}).Error)
	require.NoError(t, db.Create(&scratchRow{Name: "x"}).Error)

	err := db.Where("name = ?", "a").Delete(&guardedItem{}).Error
	assert.ErrorIs(t, err, ErrProtectedDelete)

	var n int64
	require.NoError(t, db.Model(&guardedItem{}).Count(&n).Error)
	assert.EqualValues(t, 2, n)

	// other tables are not guarded
	require.NoError(t, db.Where("1 = 1").Delete(&scratchRow{}).Error)

	ctx := WithDestructive(context.Background())
	require.NoError(t, db.WithContext(ctx).Where("1 = 1").Delete(&guardedItem{}).Error)
	require.NoError(t, db.Model(&guardedItem{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

func TestAllowsDestructive(t *testing.T) {
	assert.False(t, AllowsDestructive(context.Background()))
	assert.True(t, AllowsDestructive(WithDestructive(context.Background())))
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, "debug", logLevelFromEnv().String())
	t.Setenv("LOG_LEVEL", "loud")
	assert.Equal(t, "error", logLevelFromEnv().String())
}
