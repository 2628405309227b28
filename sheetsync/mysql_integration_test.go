package sheetsync

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against the database named by DB_* (use a throwaway schema: the
// full refresh replaces every budget).
func TestMySQL_RefreshThenIncremental(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 and DB_* to run integration tests")
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	require.NoError(t, models.MigrateTable(db))
	ctx := context.Background()
	_, err := models.EnsureSyncConfig(ctx, db)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	t0 := stamp(now.Add(-time.Hour))
	sheet := newFakeSheet(
		budgetsTable([]string{"IT-1", "Integration", "", "open", "10", t0}),
		itemsTable(
			[]string{"IT-R1", "IT-1", "Widget", "1", "10", "0", t0},
			[]string{"IT-R2", "IT-1", "Gadget", "2", "3", "0", t0},
		),
	)
	svc := newTestService(t, db, sheet, &testClock{now: now})

	_, err = svc.RunFullRefresh(ctx, FullRefreshOptions{Mode: ModeFullRefresh})
	require.NoError(t, err)

	// a second binding of a remote id is refused
	store := NewMappingStore(db)
	localId, ok, err := store.GetLocalIdByRemote(ctx, "IT-R1")
	require.NoError(t, err)
	require.True(t, ok)
	otherId, ok, err := store.GetLocalIdByRemote(ctx, "IT-R2")
	require.NoError(t, err)
	require.True(t, ok)
	err = store.SetMapping(ctx, otherId, "IT-R1", models.MappingProvenanceLocal)
	var dup *DuplicateRemoteBindingError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, localId, dup.BoundLocalItemId)

	result, err := svc.RunIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.RegistrosActualizados)
	assert.Empty(t, sheet.writes)
}
