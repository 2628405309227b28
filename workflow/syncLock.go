package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/sheetsync"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const (
	syncLockKey = "lock:sheet-sync"
	syncLockTTL = 30 * time.Second
)

// SyncLock serializes sheet sync runs across instances with a redis lock.
// The lock is refreshed while the run holds it, so long full refreshes keep it.
type SyncLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
	logger *logrus.Logger
}

func NewSyncLock(locker *redislock.Client) *SyncLock {
	return &SyncLock{
		locker: locker,
		key:    syncLockKey,
		ttl:    syncLockTTL,
		logger: config.GetLogger(),
	}
}

// Acquire implements sheetsync.RunLocker.
func (l *SyncLock) Acquire(ctx context.Context, kind string) (func(), error) {
	if l == nil || l.locker == nil {
		return func() {}, nil
	}
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s held by another instance: %w", l.key, sheetsync.ErrSyncInProgress)
	} else if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.logger.WithFields(logrus.Fields{
						"field": "SyncLock",
						"kind":  kind,
					}).Warn("failed to refresh sync lock: " + err.Error())
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithFields(logrus.Fields{
				"field": "SyncLock",
				"kind":  kind,
			}).Warn("failed to release sync lock: " + err.Error())
		}
	}, nil
}
