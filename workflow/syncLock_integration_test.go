package workflow

import (
	"context"
	"os"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/sheetsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncLock_Redis(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 and REDIS_ADDRESS to run integration tests")
	}
	ctx := context.Background()
	if !config.ConnectRedisWithRetry(ctx, 3) {
		t.Skip("redis not reachable at REDIS_ADDRESS")
	}

	first := NewSyncLock(config.GetRedisLock())
	second := NewSyncLock(config.GetRedisLock())

	release, err := first.Acquire(ctx, models.SyncKindIncremental)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, models.SyncKindFullRefresh)
	assert.ErrorIs(t, err, sheetsync.ErrSyncInProgress)

	release()
	again, err := second.Acquire(ctx, models.SyncKindFullRefresh)
	require.NoError(t, err)
	again()
}
