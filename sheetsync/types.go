package sheetsync

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/models"
)

// IncrementalResult keeps the field names existing API consumers read.
type IncrementalResult struct {
	Exitoso               bool     `json:"exitoso"`
	RegistrosProcesados   int      `json:"registros_procesados"`
	RegistrosNuevos       int      `json:"registros_nuevos"`
	RegistrosActualizados int      `json:"registros_actualizados"`
	Errores               []string `json:"errores"`
	Conflictos            int      `json:"conflictos"`
	SinCambios            int      `json:"sin_cambios"`
	Pendientes            int      `json:"pendientes"`
	DuracionMs            int64    `json:"duracion_ms"`
	RunId                 string   `json:"run_id"`
}

type RefreshMode string

const (
	ModeFullRefresh RefreshMode = "full_refresh"
	ModeUpsertStage RefreshMode = "upsert_stage"
)

type FullRefreshOptions struct {
	Mode        RefreshMode `json:"mode"`
	DryRun      bool        `json:"dryRun"`
	TriggeredBy string      `json:"triggeredBy"`
}

type PreflightCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type BackupSnapshot struct {
	TakenAt     time.Time           `json:"takenAt"`
	BudgetCount int64               `json:"budgetCount"`
	ItemCount   int64               `json:"itemCount"`
	Mappings    int64               `json:"mappingCount"`
	SampleItems []models.BudgetItem `json:"sampleItems"`
	ExportUri   string              `json:"exportUri,omitempty"`
	ExportError string              `json:"exportError,omitempty"`
}

type ValidationReport struct {
	BudgetRows       int     `json:"budgetRows"`
	ItemRows         int     `json:"itemRows"`
	InvalidBudgets   int     `json:"invalidBudgets"`
	InvalidItems     int     `json:"invalidItems"`
	ErrorRate        float64 `json:"errorRate"`
	Threshold        float64 `json:"threshold"`
	Passed           bool    `json:"passed"`
	DatesCorrected   int     `json:"datesCorrected"`
	DatesRejected    int     `json:"datesRejected"`
	DuplicateItemIds int     `json:"duplicateItemIds"`
}

type RefreshSummary struct {
	RunId             string `json:"runId"`
	Mode              string `json:"mode"`
	DryRun            bool   `json:"dryRun"`
	BudgetsInserted   int    `json:"budgetsInserted"`
	BudgetsUpdated    int    `json:"budgetsUpdated"`
	BudgetsSynth      int    `json:"budgetsSynthesized"`
	ItemsInserted     int    `json:"itemsInserted"`
	ItemsUpdated      int    `json:"itemsUpdated"`
	ItemsSkipped      int    `json:"itemsSkipped"`
	MappingsRebuilt   int    `json:"mappingsRebuilt"`
	FinalBudgetCount  int64  `json:"finalBudgetCount"`
	FinalItemCount    int64  `json:"finalItemCount"`
	OrphanItems       int64  `json:"orphanItems"`
	FutureDatedBudget int64  `json:"futureDatedBudgets"`
	FutureStamped     int64  `json:"futureStamped"`
}

type FullRefreshResult struct {
	Success         bool              `json:"success"`
	Duration        time.Duration     `json:"duration"`
	DurationMs      int64             `json:"durationMs"`
	PreflightChecks []PreflightCheck  `json:"preflightChecks"`
	Backup          *BackupSnapshot   `json:"backup"`
	Validation      *ValidationReport `json:"validation"`
	Errors          []string          `json:"errors"`
	Summary         RefreshSummary    `json:"summary"`
	Recommendations []string          `json:"recommendations"`
}

// SchedulerHealth is what the scheduler reports about itself.
type SchedulerHealth struct {
	IsRunning        bool        `json:"isRunning"`
	IsSyncInProgress bool        `json:"isSyncInProgress"`
	LastRunAt        *time.Time  `json:"lastRunAt"`
	NextRunAt        *time.Time  `json:"nextRunAt"`
	LastResult       *RunSummary `json:"lastResult"`
	LastSkipReason   string      `json:"lastSkipReason,omitempty"`
}

// SchedulerControl is the scheduler as seen by the HTTP layer.
type SchedulerControl interface {
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	Health() SchedulerHealth
}
