package sheetsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var refreshNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func refreshSheet() *fakeSheet {
	t0 := stamp(refreshNow.Add(-24 * time.Hour))
	return newFakeSheet(
		budgetsTable(
			[]string{"P1", "Acme", "15/04/2024", "open", "1500", t0},
			[]string{"P2", "Globex", "3/4/2024", "closed", "200.50", t0},
		),
		itemsTable(
			[]string{"R-1", "P1", "Steel beam", "2", "500", "0", t0},
			[]string{"R-2", "P1", "Bolts", "100", "5", "0", t0},
			[]string{"R-3", "P2", "Paint", "1.5", "133.67", "0", t0},
			[]string{"R-4", "P9", "Orphan row", "1", "10", "0", t0},
		),
	)
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestFullRefresh_ReplacesLocalState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	stale := seedBudget(t, db, "OLD", refreshNow.AddDate(0, -1, 0))
	seedItem(t, db, stale, "Gone", "1", "1", refreshNow.AddDate(0, -1, 0))

	sheet := refreshSheet()
	svc := newTestService(t, db, sheet, &testClock{now: refreshNow})

	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh, TriggeredBy: models.SyncTriggeredCLI})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.Summary.ItemsInserted)
	assert.Equal(t, 1, result.Summary.BudgetsSynth)
	assert.Equal(t, 4, result.Summary.MappingsRebuilt)
	assert.EqualValues(t, 3, result.Summary.FinalBudgetCount)
	assert.EqualValues(t, 4, result.Summary.FinalItemCount)
	assert.Zero(t, result.Summary.OrphanItems)
	require.NotNil(t, result.Backup)
	assert.EqualValues(t, 1, result.Backup.ItemCount)
	assert.Equal(t, 1, result.Validation.DatesCorrected)

	_, err = models.GetBudgetByExternalId(ctx, db, "OLD")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	placeholder, err := models.GetBudgetByExternalId(ctx, db, "P9")
	require.NoError(t, err)
	assert.True(t, placeholder.Synthesized)

	// a second run over the same sheet lands in the same state
	again, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh})
	require.NoError(t, err)
	assert.EqualValues(t, 4, again.Summary.FinalItemCount)
	assert.EqualValues(t, 4, countMappings(t, db))
	assert.EqualValues(t, 3, countRows(t, db, &models.Budget{}))

	localId, ok, err := NewMappingStore(db).GetLocalIdByRemote(ctx, "R-3")
	require.NoError(t, err)
	require.True(t, ok)
	paint := loadItem(t, db, localId)
	assert.Equal(t, "1.5", paint.Quantity.String())
	assert.Equal(t, "P2", paint.BudgetExternalId())
	assert.Empty(t, sheet.writes)
}

func TestFullRefresh_DryRunChangesNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	keep := seedBudget(t, db, "KEEP", refreshNow.AddDate(0, -1, 0))
	seedItem(t, db, keep, "Stays", "1", "1", refreshNow.AddDate(0, -1, 0))

	svc := newTestService(t, db, refreshSheet(), &testClock{now: refreshNow})
	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh, DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Summary.DryRun)
	assert.Equal(t, 4, result.Validation.ItemRows)

	assert.EqualValues(t, 1, countRows(t, db, &models.Budget{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.BudgetItem{}))
	assert.EqualValues(t, 0, countMappings(t, db))

	runs, err := models.ListSyncRuns(ctx, db, models.SyncKindFullRefresh, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
}

func TestFullRefresh_TooManyInvalidRowsRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	keep := seedBudget(t, db, "KEEP", refreshNow)
	seedItem(t, db, keep, "Stays", "1", "1", refreshNow)

	t0 := stamp(refreshNow)
	sheet := newFakeSheet(
		budgetsTable([]string{"P1", "Acme", "", "open", "10", t0}),
		itemsTable(
			[]string{"R-1", "P1", "Good", "1", "10", "0", t0},
			[]string{"R-2", "P1", "", "1", "10", "0", t0},
			[]string{"R-3", "P1", "Bad qty", "lots", "10", "0", t0},
		),
	)
	svc := newTestService(t, db, sheet, &testClock{now: refreshNow})

	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Recommendations)

	_, err = models.GetBudgetByExternalId(ctx, db, "KEEP")
	assert.NoError(t, err)
	assert.EqualValues(t, 1, countRows(t, db, &models.BudgetItem{}))
}

func TestFullRefresh_FutureBudgetDateStoredEmpty(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := stamp(refreshNow)
	future := refreshNow.AddDate(0, 0, 2).Format("02/01/2006")
	sheet := newFakeSheet(
		budgetsTable(
			[]string{"P1", "Acme", future, "open", "10", t0},
			[]string{"P2", "Acme", "01/01/1899", "open", "10", t0},
		),
		itemsTable([]string{"R-1", "P1", "Thing", "1", "10", "0", t0}),
	)
	svc := newTestService(t, db, sheet, &testClock{now: refreshNow})

	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Validation.DatesRejected)
	assert.Zero(t, result.Summary.FutureDatedBudget)

	for _, ext := range []string{"P1", "P2"} {
		b, err := models.GetBudgetByExternalId(ctx, db, ext)
		require.NoError(t, err)
		assert.Nil(t, b.BudgetDate, ext)
	}
}

func TestFullRefresh_FutureLastModifiedDoesNotBlockLaterEdits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clock := &testClock{now: refreshNow}
	sheet := newFakeSheet(
		budgetsTable([]string{"P1", "Acme", "15/04/2024", "open", "10", "31/12/2099 00:00:00"}),
		itemsTable([]string{"R-1", "P1", "Beam", "2", "10", "0", "01/01/2099 00:00:00"}),
	)
	svc := newTestService(t, db, sheet, clock)

	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Validation.DatesRejected)
	assert.Zero(t, result.Summary.FutureStamped)

	store := NewMappingStore(db)
	localId, ok, err := store.GetLocalIdByRemote(ctx, "R-1")
	require.NoError(t, err)
	require.True(t, ok)
	item := loadItem(t, db, localId)
	assert.True(t, item.LastModifiedAt.Equal(refreshNow), "got %s", item.LastModifiedAt)
	assert.True(t, item.Budget.LastModifiedAt.Equal(refreshNow), "got %s", item.Budget.LastModifiedAt)
	m, err := store.GetByLocal(ctx, localId)
	require.NoError(t, err)
	require.NotNil(t, m.RemoteSyncedAt)
	assert.True(t, m.RemoteSyncedAt.Equal(unknownTime))

	// the row is edited in the sheet an hour later
	sheet.tables["Items"].Rows[0] = []string{"R-1", "P1", "Beam", "3", "10", "0", stamp(refreshNow.Add(time.Hour))}
	clock.Advance(2 * time.Hour)

	inc, err := svc.RunIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inc.RegistrosActualizados)
	assert.Equal(t, "3", loadItem(t, db, localId).Quantity.String())
	assert.Empty(t, sheet.writes)
}

func TestFullRefresh_IntegrityRejectsFutureStamps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p1 := seedBudget(t, db, "P1", refreshNow)
	seedItem(t, db, p1, "Corrupt", "1", "1", refreshNow.AddDate(5, 0, 0))

	svc := newTestService(t, db, refreshSheet(), &testClock{now: refreshNow})
	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeUpsertStage})
	require.Error(t, err)
	var iv *IntegrityViolation
	require.True(t, errors.As(err, &iv))
	assert.Equal(t, "future_last_modified", iv.Check)
	assert.False(t, result.Success)
	// rolled back: the sheet rows were not loaded
	assert.EqualValues(t, 1, countRows(t, db, &models.BudgetItem{}))
}

func TestFullRefresh_UpsertStageKeepsIdentity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p1 := seedBudget(t, db, "P1", refreshNow.AddDate(0, 0, -3))
	mapped := seedItem(t, db, p1, "Steel beam", "2", "450", refreshNow.AddDate(0, 0, -3))
	unmapped := seedItem(t, db, p1, "Bolts", "100", "4", refreshNow.AddDate(0, 0, -3))
	extra := seedItem(t, db, p1, "Local only", "1", "1", refreshNow.AddDate(0, 0, -3))
	require.NoError(t, NewMappingStore(db).SetMapping(ctx, mapped.ID, "R-1", models.MappingProvenanceLocal))

	svc := newTestService(t, db, refreshSheet(), &testClock{now: refreshNow})
	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeUpsertStage})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Summary.ItemsUpdated)
	assert.Equal(t, 2, result.Summary.ItemsInserted)
	assert.Equal(t, 1, result.Summary.BudgetsUpdated)
	assert.Equal(t, 1, result.Summary.BudgetsInserted)

	assert.Equal(t, "500", loadItem(t, db, mapped.ID).UnitPrice.String())
	assert.Equal(t, "5", loadItem(t, db, unmapped.ID).UnitPrice.String())
	// upsert never deletes
	assert.Equal(t, "Local only", loadItem(t, db, extra.ID).Description)

	store := NewMappingStore(db)
	id, ok, err := store.GetLocalIdByRemote(ctx, "R-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mapped.ID, id)
	id, ok, err = store.GetLocalIdByRemote(ctx, "R-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, unmapped.ID, id)
	assert.EqualValues(t, 4, countMappings(t, db))
}

func TestFullRefresh_ProtectedTablesNeedRefreshContext(t *testing.T) {
	db := newTestDB(t)
	p1 := seedBudget(t, db, "P1", refreshNow)
	seedItem(t, db, p1, "Thing", "1", "1", refreshNow)

	err := db.Where("1 = 1").Delete(&models.BudgetItem{}).Error
	assert.ErrorIs(t, err, config.ErrProtectedDelete)
	assert.EqualValues(t, 1, countRows(t, db, &models.BudgetItem{}))
}

func TestFullRefresh_ExportsBackupWhenEnabled(t *testing.T) {
	t.Setenv("SHEET_SYNC_BACKUP_EXPORT", "true")
	t.Setenv("BACKUP_BUCKET", "budget-backups")

	db := newTestDB(t)
	p1 := seedBudget(t, db, "P1", refreshNow)
	seedItem(t, db, p1, "Thing", "1", "1", refreshNow)

	var uploaded []string
	var size int
	svc := newTestService(t, db, refreshSheet(), &testClock{now: refreshNow},
		WithBackupUploader(func(ctx context.Context, objectName string, data []byte) (string, error) {
			uploaded = append(uploaded, objectName)
			size = len(data)
			return "gs://budget-backups/" + objectName, nil
		}))

	result, err := svc.RunFullRefresh(context.Background(), FullRefreshOptions{Mode: ModeFullRefresh})
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	assert.True(t, strings.HasSuffix(uploaded[0], ".xlsx"))
	assert.Positive(t, size)
	assert.Equal(t, "gs://budget-backups/"+uploaded[0], result.Backup.ExportUri)
}

func TestFullRefresh_UnknownModeAndBusy(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, refreshSheet(), &testClock{now: refreshNow})

	_, err := svc.RunFullRefresh(context.Background(), FullRefreshOptions{Mode: "truncate"})
	assert.Error(t, err)

	require.True(t, svc.State().TryBegin(models.SyncKindIncremental))
	_, err = svc.RunFullRefresh(context.Background(), FullRefreshOptions{})
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestFullRefresh_PanicRollsBackAndReleasesRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	keep := seedBudget(t, db, "KEEP", refreshNow)
	seedItem(t, db, keep, "Stays", "1", "1", refreshNow)

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:panic_on_items", func(d *gorm.DB) {
		if d.Statement.Table == "budget_items" {
			panic("insert exploded")
		}
	}))
	svc := newTestService(t, db, refreshSheet(), &testClock{now: refreshNow})

	result, err := svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert exploded")
	assert.False(t, result.Success)

	_, err = models.GetBudgetByExternalId(ctx, db, "KEEP")
	assert.NoError(t, err)
	assert.EqualValues(t, 1, countRows(t, db, &models.BudgetItem{}))

	state := svc.GetSyncState()
	assert.False(t, state.InProgress)
	assert.True(t, svc.State().TryBegin(models.SyncKindFullRefresh))
}

func TestFullRefresh_UnreachableRemote(t *testing.T) {
	db := newTestDB(t)
	sheet := refreshSheet()
	sheet.readErrs = []error{errors.New("dial tcp: i/o timeout")}
	svc := newTestService(t, db, sheet, &testClock{now: refreshNow})

	result, err := svc.RunFullRefresh(context.Background(), FullRefreshOptions{})
	assert.ErrorIs(t, err, ErrConnectivity)
	require.NotEmpty(t, result.PreflightChecks)
	assert.False(t, result.PreflightChecks[0].Passed)
}
