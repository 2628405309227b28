package sheetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/sirupsen/logrus"
)

// itemErrors collects per-item failures that do not stop a pass.
type itemErrors struct {
	messages []string
	rows     []models.SyncRunError
}

func (c *itemErrors) add(code string, localId uint, remoteId string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	c.messages = append(c.messages, msg)
	row := models.SyncRunError{Code: code, RemoteItemId: remoteId, Message: msg}
	if localId != 0 {
		id := localId
		row.LocalItemId = &id
	}
	c.rows = append(c.rows, row)
}

func (c *itemErrors) addf(code string, localId uint, remoteId string, format string, args ...interface{}) {
	c.add(code, localId, remoteId, fmt.Errorf(format, args...))
}

func (c *itemErrors) len() int { return len(c.messages) }

// recordRun writes the run log after the pass transaction has finished.
// A failure here is logged and never changes the run outcome.
func (s *Service) recordRun(ctx context.Context, run models.SyncRunLog, stats interface{}, errs []models.SyncRunError) {
	if stats != nil {
		if b, err := json.Marshal(stats); err == nil {
			run.StatsJSON = b
		}
	}
	if run.TriggeredBy == "" {
		if by, ok := appctx.GetTriggeredBy(ctx); ok {
			run.TriggeredBy = by
		}
	}
	logCtx := context.WithoutCancel(ctx)
	if err := models.CreateSyncRun(logCtx, s.db, &run, errs); err != nil {
		config.LogError(s.logger, "sheetsync", "recordRun", "write sync run log", run.RunId, err)
	}

	s.logger.WithFields(logrus.Fields{
		"field":        "SheetSync",
		"run_id":       run.RunId,
		"kind":         run.Kind,
		"triggered_by": run.TriggeredBy,
		"success":      run.Success,
		"processed":    run.Processed,
		"created":      run.Created,
		"updated":      run.Updated,
		"errors":       run.ErrorCount,
		"duration_ms":  run.DurationMs,
	}).Info("sync run finished")

	s.publishRun(logCtx, run)
}

func (s *Service) publishRun(ctx context.Context, run models.SyncRunLog) {
	if s.publish == nil {
		return
	}
	correlationId, _ := appctx.GetCorrelationId(ctx)
	msg := config.SyncRunMessage{
		RunId:         run.RunId,
		Kind:          run.Kind,
		TriggeredBy:   run.TriggeredBy,
		Success:       run.Success,
		DryRun:        run.DryRun,
		Processed:     run.Processed,
		Created:       run.Created,
		Updated:       run.Updated,
		ErrorCount:    run.ErrorCount,
		FinishedAt:    run.FinishedAt,
		CorrelationId: correlationId,
	}
	pubCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.publish(pubCtx, msg); err != nil {
		config.LogError(s.logger, "sheetsync", "publishRun", "publish sync run event", run.RunId, err)
	}
}

// PubSubPublisher adapts config.PublishSyncRun to EventPublisher.
func PubSubPublisher() EventPublisher {
	return func(ctx context.Context, msg config.SyncRunMessage) error {
		_, err := config.PublishSyncRun(ctx, msg)
		return err
	}
}
