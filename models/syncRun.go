package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	SyncKindIncremental = "incremental"
	SyncKindFullRefresh = "full_refresh"
	SyncKindUpsertStage = "upsert_stage"
)

const (
	SyncTriggeredScheduler = "scheduler"
	SyncTriggeredManual    = "manual"
	SyncTriggeredPubSub    = "pubsub"
	SyncTriggeredCLI       = "cli"
)

// SyncRunLog is append-only; one row per finished run.
type SyncRunLog struct {
	ID          uint           `gorm:"primary_key" json:"id"`
	RunId       string         `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	Kind        string         `gorm:"index;size:20;not null" json:"kind"`
	TriggeredBy string         `gorm:"size:20" json:"triggered_by"`
	Success     bool           `gorm:"not null" json:"success"`
	DryRun      bool           `gorm:"not null" json:"dry_run"`
	Processed   int            `json:"processed"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Conflicts   int            `json:"conflicts"`
	ErrorCount  int            `json:"error_count"`
	DurationMs  int64          `json:"duration_ms"`
	ErrorText   string         `gorm:"type:text" json:"error_text"`
	StatsJSON   []byte         `gorm:"type:json" json:"stats"`
	StartedAt   time.Time      `gorm:"index;not null" json:"started_at"`
	FinishedAt  time.Time      `gorm:"not null" json:"finished_at"`
	Errors      []SyncRunError `gorm:"foreignKey:RunId;references:RunId" json:"errors,omitempty"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

type SyncRunError struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	RunId        string    `gorm:"index;size:36;not null" json:"run_id"`
	Code         string    `gorm:"size:50;not null" json:"code"`
	RemoteItemId string    `gorm:"size:128" json:"remote_item_id"`
	LocalItemId  *uint     `json:"local_item_id"`
	Message      string    `gorm:"type:text" json:"message"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CreateSyncRun writes the run and its error rows in one transaction.
func CreateSyncRun(ctx context.Context, db *gorm.DB, run *SyncRunLog, errs []SyncRunError) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Errors").Create(run).Error; err != nil {
			return err
		}
		if len(errs) == 0 {
			return nil
		}
		for i := range errs {
			errs[i].RunId = run.RunId
		}
		return tx.CreateInBatches(errs, 200).Error
	})
}

// ListSyncRuns returns the newest runs first. kind is optional.
func ListSyncRuns(ctx context.Context, db *gorm.DB, kind string, limit int) ([]SyncRunLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).Model(&SyncRunLog{})
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var runs []SyncRunLog
	err := q.Order("started_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func GetSyncRun(ctx context.Context, db *gorm.DB, runId string) (*SyncRunLog, error) {
	var run SyncRunLog
	err := db.WithContext(ctx).Preload("Errors").Where("run_id = ?", runId).First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}
