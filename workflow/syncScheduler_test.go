package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/sheetsync"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type emptySheet struct {
	mu    sync.Mutex
	reads int
}

func (e *emptySheet) ReadTable(ctx context.Context, spreadsheetId, rangeSpec, table string) (*sheetsync.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads++
	return &sheetsync.Table{
		Name:     table,
		Headers:  []string{"item_id", "budget_id", "description", "quantity", "unit_price", "discount", "last_modified"},
		FirstRow: 2,
		FirstCol: "A",
		LastCol:  "Z",
	}, nil
}

func (e *emptySheet) WriteRange(ctx context.Context, spreadsheetId, rangeSpec string, values []interface{}) error {
	return nil
}

func (e *emptySheet) readCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reads
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newSchedulerFixture(t *testing.T, now time.Time) (*SyncScheduler, *sheetsync.Service, *emptySheet, *clock, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), config.NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, config.InstallPlugins(db))
	require.NoError(t, models.MigrateTable(db))
	_, err = models.EnsureSyncConfig(context.Background(), db)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := &clock{now: now}
	sheet := &emptySheet{}
	svc := sheetsync.NewService(db, sheet, config.SheetSettings{
		SpreadsheetId: "sheet-test",
		ItemsTable:    "Items",
		BudgetsTable:  "Budgets",
	}, sheetsync.WithClock(c.Now), sheetsync.WithLogger(logger))
	sched := NewSyncScheduler(svc, WithSchedulerClock(c.Now), WithSchedulerLogger(logger), WithTickInterval(time.Hour))
	return sched, svc, sheet, c, db
}

func enableAutoSync(t *testing.T, db *gorm.DB, start, end string) {
	t.Helper()
	on := true
	interval := 30
	_, err := models.UpdateSyncConfig(context.Background(), db, models.UpdateSyncConfigInput{
		AutoSyncEnabled:     &on,
		SyncIntervalMinutes: &interval,
		ActiveHoursStart:    &start,
		ActiveHoursEnd:      &end,
	})
	require.NoError(t, err)
}

func TestActiveWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, time.UTC) }

	day, err := ParseActiveWindow("08:00", "20:00")
	require.NoError(t, err)
	assert.True(t, day.Contains(at(8, 0)))
	assert.True(t, day.Contains(at(19, 59)))
	assert.False(t, day.Contains(at(20, 0)))
	assert.False(t, day.Contains(at(7, 59)))
	assert.Equal(t, at(8, 0), day.NextOpening(at(3, 0)))
	assert.Equal(t, at(8, 0).AddDate(0, 0, 1), day.NextOpening(at(21, 0)))

	night, err := ParseActiveWindow("22:00", "06:00")
	require.NoError(t, err)
	assert.True(t, night.Contains(at(23, 30)))
	assert.True(t, night.Contains(at(5, 59)))
	assert.False(t, night.Contains(at(6, 0)))
	assert.False(t, night.Contains(at(12, 0)))
	assert.Equal(t, at(22, 0), night.NextOpening(at(12, 0)))

	allDay, err := ParseActiveWindow("00:00", "00:00")
	require.NoError(t, err)
	assert.True(t, allDay.Contains(at(0, 0)))
	assert.True(t, allDay.Contains(at(23, 59)))

	for _, bad := range []string{"24:00", "7", "ab:cd", "12:60"} {
		_, err := ParseActiveWindow(bad, "10:00")
		assert.Error(t, err, bad)
	}
}

func TestTick_SkipReasons(t *testing.T) {
	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sched, svc, sheet, c, db := newSchedulerFixture(t, noon)
	ctx := context.Background()

	ran, reason := sched.Tick(ctx)
	assert.False(t, ran)
	assert.Equal(t, SkipDisabled, reason)
	assert.Nil(t, svc.GetSyncState().NextRunAt)

	enableAutoSync(t, db, "13:00", "18:00")
	ran, reason = sched.Tick(ctx)
	assert.False(t, ran)
	assert.Equal(t, SkipOutOfWindow, reason)
	next := svc.GetSyncState().NextRunAt
	require.NotNil(t, next)
	assert.True(t, next.Equal(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)))

	enableAutoSync(t, db, "08:00", "20:00")
	ran, reason = sched.Tick(ctx)
	assert.True(t, ran)
	assert.Empty(t, reason)
	assert.Equal(t, 1, sheet.readCount())

	c.Set(noon.Add(10 * time.Minute))
	ran, reason = sched.Tick(ctx)
	assert.False(t, ran)
	assert.Equal(t, SkipInterval, reason)
	next = svc.GetSyncState().NextRunAt
	require.NotNil(t, next)
	assert.True(t, next.Equal(noon.Add(30*time.Minute)))
	assert.Equal(t, SkipInterval, sched.Health().LastSkipReason)

	c.Set(noon.Add(31 * time.Minute))
	require.True(t, svc.State().TryBegin(models.SyncKindFullRefresh))
	ran, reason = sched.Tick(ctx)
	assert.False(t, ran)
	assert.Equal(t, SkipInProgress, reason)
	svc.State().Release()

	ran, _ = sched.Tick(ctx)
	assert.True(t, ran)
	assert.Equal(t, 2, sheet.readCount())

	runs, err := models.ListSyncRuns(ctx, db, models.SyncKindIncremental, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.SyncTriggeredScheduler, runs[0].TriggeredBy)
}

func TestTick_ConfigSingletonViolation(t *testing.T) {
	sched, _, sheet, _, db := newSchedulerFixture(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, db.Where("1 = 1").Delete(&models.SyncConfig{}).Error)

	ran, reason := sched.Tick(context.Background())
	assert.False(t, ran)
	assert.Equal(t, SkipConfigFailed, reason)
	assert.Equal(t, 0, sheet.readCount())
}

func TestScheduler_StartDisablesAutoSyncOnce(t *testing.T) {
	sched, _, _, _, db := newSchedulerFixture(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	enableAutoSync(t, db, "08:00", "20:00")

	require.NoError(t, sched.Start(ctx))
	assert.True(t, sched.IsRunning())
	require.NoError(t, sched.Start(ctx))

	cfg, err := models.GetActiveSyncConfig(ctx, db)
	require.NoError(t, err)
	assert.False(t, cfg.AutoSyncEnabled)

	enableAutoSync(t, db, "08:00", "20:00")
	require.NoError(t, sched.Restart(ctx))
	cfg, err = models.GetActiveSyncConfig(ctx, db)
	require.NoError(t, err)
	assert.True(t, cfg.AutoSyncEnabled, "only the first start in a process resets the flag")

	sched.Stop()
	sched.Stop()
	assert.False(t, sched.IsRunning())
	assert.False(t, sched.Health().IsRunning)
	assert.Nil(t, sched.Health().NextRunAt)
}

func TestSyncLock_NilClientIsNoOp(t *testing.T) {
	release, err := NewSyncLock(nil).Acquire(context.Background(), models.SyncKindIncremental)
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}
