package sheetsync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := base.Add(d); return &v }

	tests := []struct {
		name    string
		local   time.Time
		remote  time.Time
		mapping *models.ItemMapping
		want    MergeDecision
	}{
		{"local newer", base.Add(time.Minute), base, nil, DecisionPushLocal},
		{"remote newer", base, base.Add(time.Minute), nil, DecisionPullRemote},
		{"equal at second precision", base.Add(300 * time.Millisecond), base, nil, DecisionNoChange},
		{"neither moved since last merge", base, base.Add(time.Hour),
			&models.ItemMapping{LocalSyncedAt: at(0), RemoteSyncedAt: at(time.Hour)}, DecisionNoChange},
		{"only local moved", base.Add(time.Minute), base.Add(time.Hour),
			&models.ItemMapping{LocalSyncedAt: at(0), RemoteSyncedAt: at(time.Hour)}, DecisionPushLocal},
		{"only remote moved", base.Add(time.Hour), base.Add(2 * time.Hour),
			&models.ItemMapping{LocalSyncedAt: at(time.Hour), RemoteSyncedAt: at(time.Hour)}, DecisionPullRemote},
		{"both moved, newer wins", base.Add(3 * time.Hour), base.Add(2 * time.Hour),
			&models.ItemMapping{LocalSyncedAt: at(time.Hour), RemoteSyncedAt: at(time.Hour)}, DecisionPushLocal},
		{"unparsed remote loses", base, unknownTime, nil, DecisionPushLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &models.BudgetItem{LastModifiedAt: tt.local}
			remote := &RemoteItem{LastModified: tt.remote}
			assert.Equal(t, tt.want, Decide(local, remote, tt.mapping))
		})
	}
}
