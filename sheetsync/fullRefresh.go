package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

type parsedBudget struct {
	ExternalId   string
	Customer     string
	Status       string
	Date         *time.Time
	Total        decimal.Decimal
	LastModified time.Time
	RowIndex     int
}

type parsedItem struct {
	RemoteItemId     string
	BudgetExternalId string
	Description      string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	Discount         decimal.Decimal
	LastModified     time.Time // local stamp to store
	RemoteAt         time.Time // remote stamp as parsed, epoch when unknown
	RowIndex         int
}

// parsedRemote is the validated remote state a refresh writes.
type parsedRemote struct {
	budgets     []parsedBudget
	items       []parsedItem
	synthesized []string
}

func (s *Service) RunFullRefresh(ctx context.Context, opts FullRefreshOptions) (*FullRefreshResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeFullRefresh
	}
	if opts.Mode != ModeFullRefresh && opts.Mode != ModeUpsertStage {
		return nil, fmt.Errorf("unknown refresh mode %q", opts.Mode)
	}
	if opts.TriggeredBy != "" {
		ctx = appctx.SetTriggeredBy(ctx, opts.TriggeredBy)
	}
	kind := string(opts.Mode)
	release, ok := s.begin(ctx, kind)
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	runId := uuid.NewString()
	ctx = appctx.SetRunId(ctx, runId)
	ctx, span := s.tracer.Start(ctx, "sheetsync.full_refresh")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runId), attribute.String("mode", kind), attribute.Bool("dry_run", opts.DryRun))

	started := s.now()
	result := &FullRefreshResult{
		Errors:          []string{},
		Recommendations: []string{},
		Summary:         RefreshSummary{RunId: runId, Mode: kind, DryRun: opts.DryRun},
	}
	errs := &itemErrors{}

	finalStep, err := s.fullRefresh(ctx, opts, started, result, errs)

	finished := s.now()
	result.Duration = finished.Sub(started)
	result.DurationMs = result.Duration.Milliseconds()
	result.Errors = append(result.Errors, errs.messages...)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, err.Error())
		errs.rows = append(errs.rows, models.SyncRunError{Code: passErrorCode(err), Message: err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		result.Success = true
	}
	result.Recommendations = append(result.Recommendations, recommendationsFor(result, err)...)

	run := models.SyncRunLog{
		RunId:       runId,
		Kind:        kind,
		TriggeredBy: opts.TriggeredBy,
		Success:     result.Success,
		DryRun:      opts.DryRun,
		Created:     result.Summary.ItemsInserted,
		Updated:     result.Summary.ItemsUpdated,
		ErrorCount:  len(result.Errors),
		DurationMs:  result.DurationMs,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	if result.Validation != nil {
		run.Processed = result.Validation.ItemRows
	}
	if err != nil {
		run.ErrorText = err.Error()
	}
	s.recordRun(ctx, run, result, errs.rows)

	summary := RunSummary{
		RunId:      runId,
		Kind:       kind,
		Success:    result.Success,
		Processed:  run.Processed,
		Created:    run.Created,
		Updated:    run.Updated,
		ErrorCount: run.ErrorCount,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err != nil {
		summary.Error = err.Error()
	}
	s.state.Finish(summary, finalStep)
	return result, err
}

func (s *Service) fullRefresh(ctx context.Context, opts FullRefreshOptions, now time.Time, result *FullRefreshResult, errs *itemErrors) (step SyncStep, err error) {
	defer func() {
		if r := recover(); r != nil {
			step, err = StepRolledBack, fmt.Errorf("full refresh panic: %v", r)
		}
	}()

	cfg, err := models.GetActiveSyncConfig(ctx, s.db)
	if err != nil {
		return StepRolledBack, err
	}
	loc := s.location(cfg.TimeZone)
	logger := s.logger.WithFields(logrus.Fields{"field": "SheetSync", "run_id": result.Summary.RunId, "mode": opts.Mode})

	s.state.SetStep(StepPreflight, 5)
	checks, snap, err := s.runPreflight(ctx, opts.Mode, loc)
	result.PreflightChecks = checks
	if err != nil {
		return StepRolledBack, err
	}

	s.state.SetStep(StepBackup, 15)
	result.Backup = s.takeBackup(ctx, result.Summary.RunId)

	s.state.SetStep(StepLoading, 25)
	s.state.SetStep(StepValidating, 30)
	parsed, report := validateRemote(snap, now, loc, errs)
	result.Validation = report
	if !report.Passed {
		return StepRolledBack, &ValidationError{
			Stage:   "remote rows",
			Invalid: report.InvalidBudgets + report.InvalidItems,
			Total:   report.BudgetRows + report.ItemRows,
			Rate:    report.ErrorRate,
		}
	}
	result.Summary.BudgetsSynth = len(parsed.synthesized)

	if opts.DryRun {
		logger.Info("full refresh dry run finished")
		return StepIdle, nil
	}

	s.state.SetStep(StepMutating, 50)
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return StepRolledBack, &ConnectivityError{Target: "database", Err: tx.Error}
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	w := &refreshWriter{tx: tx, now: now, summary: &result.Summary, errs: errs}
	switch opts.Mode {
	case ModeFullRefresh:
		err = w.replaceAll(ctx, parsed)
	case ModeUpsertStage:
		err = w.upsertViaStage(ctx, parsed)
	}
	if err != nil {
		return StepRolledBack, err
	}

	s.state.SetStep(StepIntegrity, 85)
	if err := w.checkIntegrity(ctx, opts.Mode, parsed); err != nil {
		return StepRolledBack, err
	}

	if err := tx.Commit().Error; err != nil {
		return StepRolledBack, fmt.Errorf("commit full refresh: %w", err)
	}
	committed = true

	logger.WithFields(logrus.Fields{
		"budgets_inserted": result.Summary.BudgetsInserted,
		"budgets_updated":  result.Summary.BudgetsUpdated,
		"items_inserted":   result.Summary.ItemsInserted,
		"items_updated":    result.Summary.ItemsUpdated,
		"mappings":         result.Summary.MappingsRebuilt,
	}).Info("full refresh committed")
	return StepCommitted, nil
}

// validateRemote parses every row. Invalid rows are reported and left out.
func validateRemote(snap *remoteSnapshot, now time.Time, loc *time.Location, errs *itemErrors) (*parsedRemote, *ValidationReport) {
	report := &ValidationReport{
		BudgetRows: len(snap.budgets),
		ItemRows:   len(snap.items),
		Threshold:  maxInvalidRate,
	}
	out := &parsedRemote{}

	known := make(map[string]bool, len(snap.budgets))
	for _, rb := range snap.budgets {
		ext := normalizeExternalId(rb.ExternalId)
		if ext == "" {
			report.InvalidBudgets++
			errs.addf(codeInvalidRow, 0, "", "%s row %d: missing budget id", snap.budgetsTable.Name, rb.RowIndex)
			continue
		}
		total, ok := parseSheetDecimalOrZero(rb.Total)
		if !ok {
			report.InvalidBudgets++
			errs.addf(codeInvalidRow, 0, "", "%s row %d: invalid total %q", snap.budgetsTable.Name, rb.RowIndex, rb.Total)
			continue
		}
		if known[ext] {
			errs.addf(codeInvalidRow, 0, "", "%s row %d: budget id %s repeated; first row kept", snap.budgetsTable.Name, rb.RowIndex, ext)
			continue
		}
		known[ext] = true

		date, verdict := CorrectDate(rb.DateRaw, now, loc)
		switch {
		case verdict == DateCorrected:
			report.DatesCorrected++
		case verdict.rejected():
			report.DatesRejected++
			errs.addf(codeDateCorrected, 0, "", "%s row %d: date %q %s, stored empty", snap.budgetsTable.Name, rb.RowIndex, rb.DateRaw, verdict)
		}
		modified, _, stampVerdict := refreshStamp(rb.LastModifiedRaw, now, loc)
		if stampVerdict.rejected() {
			report.DatesRejected++
			errs.addf(codeDateCorrected, 0, "", "%s row %d: last modified %q %s, refresh time stored", snap.budgetsTable.Name, rb.RowIndex, rb.LastModifiedRaw, stampVerdict)
		}
		out.budgets = append(out.budgets, parsedBudget{
			ExternalId:   ext,
			Customer:     collapseSpaces(rb.Customer),
			Status:       collapseSpaces(rb.Status),
			Date:         date,
			Total:        total,
			LastModified: modified,
			RowIndex:     rb.RowIndex,
		})
	}

	seenIds := make(map[string]bool, len(snap.items))
	missing := make(map[string]bool)
	for _, ri := range snap.items {
		if reason := itemInvalidReason(ri); reason != "" {
			report.InvalidItems++
			errs.addf(codeInvalidRow, 0, ri.ItemId, "%s row %d: %s", snap.itemsTable.Name, ri.RowIndex, reason)
			continue
		}
		price, okPrice := parseSheetDecimalOrZero(ri.UnitPrice)
		discount, okDiscount := parseSheetDecimalOrZero(ri.Discount)
		if !okPrice || !okDiscount {
			report.InvalidItems++
			errs.addf(codeInvalidRow, 0, ri.ItemId, "%s row %d: invalid price or discount", snap.itemsTable.Name, ri.RowIndex)
			continue
		}
		qty, _ := parseSheetDecimal(ri.Quantity)

		id := ri.ItemId
		if id != "" {
			if seenIds[id] {
				report.DuplicateItemIds++
				errs.addf(codeInvalidRow, 0, id, "%s row %d: item id %s repeated; row loaded without a mapping", snap.itemsTable.Name, ri.RowIndex, id)
				id = ""
			} else {
				seenIds[id] = true
			}
		}
		ext := normalizeExternalId(ri.BudgetExternalId)
		if !known[ext] && !missing[ext] {
			missing[ext] = true
			out.synthesized = append(out.synthesized, ext)
		}
		modified, remoteAt, stampVerdict := refreshStamp(ri.LastModifiedRaw, now, loc)
		if stampVerdict.rejected() {
			report.DatesRejected++
			errs.addf(codeDateCorrected, 0, ri.ItemId, "%s row %d: last modified %q %s, refresh time stored", snap.itemsTable.Name, ri.RowIndex, ri.LastModifiedRaw, stampVerdict)
		}
		out.items = append(out.items, parsedItem{
			RemoteItemId:     id,
			BudgetExternalId: ext,
			Description:      collapseSpaces(ri.Description),
			Quantity:         qty.Round(2),
			UnitPrice:        price,
			Discount:         discount,
			LastModified:     modified,
			RemoteAt:         remoteAt,
			RowIndex:         ri.RowIndex,
		})
	}
	sort.Strings(out.synthesized)

	total := report.BudgetRows + report.ItemRows
	if total > 0 {
		report.ErrorRate = float64(report.InvalidBudgets+report.InvalidItems) / float64(total)
	}
	report.Passed = report.ErrorRate <= maxInvalidRate
	return out, report
}

// refreshStamp bounds a sheet last-modified value like a budget date. Missing or
// rejected values store now and leave the remote watermark unknown, so the next
// edit made in the sheet still counts as a change.
func refreshStamp(raw string, now time.Time, loc *time.Location) (local, remote time.Time, verdict DateVerdict) {
	t, verdict := CorrectDate(raw, now, loc)
	if t == nil {
		return now, unknownTime, verdict
	}
	return t.UTC(), t.UTC(), verdict
}

// refreshWriter performs the mutating step inside the refresh transaction.
type refreshWriter struct {
	tx      *gorm.DB
	now     time.Time
	summary *RefreshSummary
	errs    *itemErrors

	// live table sizes before an upsert
	budgetsBefore int64
	itemsBefore   int64
}

func (w *refreshWriter) newBudgets(p *parsedRemote) []models.Budget {
	out := make([]models.Budget, 0, len(p.budgets)+len(p.synthesized))
	for _, b := range p.budgets {
		out = append(out, models.Budget{
			ExternalId:     b.ExternalId,
			Customer:       b.Customer,
			BudgetDate:     b.Date,
			Status:         b.Status,
			Total:          b.Total,
			LastModifiedAt: b.LastModified,
		})
	}
	for _, ext := range p.synthesized {
		out = append(out, synthesizedBudget(ext, w.now))
	}
	return out
}

func synthesizedBudget(ext string, now time.Time) models.Budget {
	return models.Budget{ExternalId: ext, Synthesized: true, Total: decimal.Zero, LastModifiedAt: now}
}

// replaceAll deletes every budget, item and mapping, then loads the remote state.
func (w *refreshWriter) replaceAll(ctx context.Context, p *parsedRemote) error {
	tx := w.tx.WithContext(config.WithDestructive(ctx))

	if err := tx.Where("1 = 1").Delete(&models.ItemMapping{}).Error; err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	if err := tx.Where("1 = 1").Delete(&models.BudgetItem{}).Error; err != nil {
		return fmt.Errorf("clear budget items: %w", err)
	}
	if err := tx.Where("1 = 1").Delete(&models.Budget{}).Error; err != nil {
		return fmt.Errorf("clear budgets: %w", err)
	}

	budgets := w.newBudgets(p)
	if len(budgets) > 0 {
		if err := tx.CreateInBatches(&budgets, 200).Error; err != nil {
			return fmt.Errorf("insert budgets: %w", err)
		}
	}
	idByExt := make(map[string]uint, len(budgets))
	for _, b := range budgets {
		idByExt[b.ExternalId] = b.ID
	}
	w.summary.BudgetsInserted = len(p.budgets)
	w.summary.BudgetsSynth = len(p.synthesized)

	items := make([]models.BudgetItem, 0, len(p.items))
	for _, it := range p.items {
		items = append(items, models.BudgetItem{
			BudgetId:       idByExt[it.BudgetExternalId],
			Description:    it.Description,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice,
			Discount:       it.Discount,
			LastModifiedAt: it.LastModified,
		})
	}
	if len(items) > 0 {
		if err := tx.CreateInBatches(&items, 500).Error; err != nil {
			return fmt.Errorf("insert budget items: %w", err)
		}
	}
	w.summary.ItemsInserted = len(items)

	mappings := make([]models.ItemMapping, 0, len(items))
	for i, it := range p.items {
		if it.RemoteItemId == "" {
			continue
		}
		localAt := items[i].LastModifiedAt
		remoteAt := it.RemoteAt
		mappings = append(mappings, models.ItemMapping{
			LocalItemId:    items[i].ID,
			RemoteItemId:   it.RemoteItemId,
			Provenance:     models.MappingProvenanceRemote,
			AssignedAt:     w.now,
			LocalSyncedAt:  &localAt,
			RemoteSyncedAt: &remoteAt,
		})
	}
	if len(mappings) > 0 {
		if err := tx.CreateInBatches(&mappings, 500).Error; err != nil {
			return fmt.Errorf("rebuild mappings: %w", err)
		}
	}
	w.summary.MappingsRebuilt = len(mappings)
	return nil
}

func (w *refreshWriter) checkIntegrity(ctx context.Context, mode RefreshMode, p *parsedRemote) error {
	db := w.tx.WithContext(ctx)

	budgetCount, err := models.CountBudgets(ctx, db)
	if err != nil {
		return err
	}
	itemCount, err := models.CountBudgetItems(ctx, db)
	if err != nil {
		return err
	}
	w.summary.FinalBudgetCount = budgetCount
	w.summary.FinalItemCount = itemCount

	switch mode {
	case ModeFullRefresh:
		if want := int64(len(p.budgets) + len(p.synthesized)); budgetCount != want {
			return &IntegrityViolation{Check: "budget_count", Detail: fmt.Sprintf("loaded %d budgets, table holds %d", want, budgetCount)}
		}
		if want := int64(len(p.items)); itemCount != want {
			return &IntegrityViolation{Check: "item_count", Detail: fmt.Sprintf("loaded %d items, table holds %d", want, itemCount)}
		}
	case ModeUpsertStage:
		var stagedBudgets, stagedItems int64
		if err := db.Model(&models.BudgetStage{}).Count(&stagedBudgets).Error; err != nil {
			return err
		}
		if err := db.Model(&models.BudgetItemStage{}).Count(&stagedItems).Error; err != nil {
			return err
		}
		if got := int64(w.summary.BudgetsInserted + w.summary.BudgetsUpdated); got != stagedBudgets {
			return &IntegrityViolation{Check: "budget_count", Detail: fmt.Sprintf("staged %d budgets, wrote %d", stagedBudgets, got)}
		}
		if got := int64(w.summary.ItemsInserted + w.summary.ItemsUpdated + w.summary.ItemsSkipped); got != stagedItems {
			return &IntegrityViolation{Check: "item_count", Detail: fmt.Sprintf("staged %d items, accounted for %d", stagedItems, got)}
		}
		if want := w.budgetsBefore + int64(w.summary.BudgetsInserted+w.summary.BudgetsSynth); budgetCount != want {
			return &IntegrityViolation{Check: "budget_count", Detail: fmt.Sprintf("expected %d budgets after upsert, table holds %d", want, budgetCount)}
		}
		if want := w.itemsBefore + int64(w.summary.ItemsInserted); itemCount != want {
			return &IntegrityViolation{Check: "item_count", Detail: fmt.Sprintf("expected %d items after upsert, table holds %d", want, itemCount)}
		}
	}

	var orphans int64
	if err := db.Model(&models.BudgetItem{}).
		Where("budget_id NOT IN (?)", db.Model(&models.Budget{}).Select("id")).
		Count(&orphans).Error; err != nil {
		return err
	}
	w.summary.OrphanItems = orphans
	if orphans > 0 {
		return &IntegrityViolation{Check: "orphan_items", Detail: fmt.Sprintf("%d items reference a missing budget", orphans)}
	}

	limit := w.now.Add(futureTolerance)
	var future int64
	if err := db.Model(&models.Budget{}).
		Where("budget_date > ?", limit).
		Count(&future).Error; err != nil {
		return err
	}
	w.summary.FutureDatedBudget = future
	if future > 0 {
		return &IntegrityViolation{Check: "future_dates", Detail: fmt.Sprintf("%d budgets dated after %s", future, limit.Format(time.RFC3339))}
	}

	var futureStamps, futureItemStamps int64
	if err := db.Model(&models.Budget{}).
		Where("last_modified_at > ?", limit).
		Count(&futureStamps).Error; err != nil {
		return err
	}
	if err := db.Model(&models.BudgetItem{}).
		Where("last_modified_at > ?", limit).
		Count(&futureItemStamps).Error; err != nil {
		return err
	}
	w.summary.FutureStamped = futureStamps + futureItemStamps
	if w.summary.FutureStamped > 0 {
		return &IntegrityViolation{Check: "future_last_modified", Detail: fmt.Sprintf("%d budgets and %d items modified after %s", futureStamps, futureItemStamps, limit.Format(time.RFC3339))}
	}

	return checkMappingConsistency(ctx, w.tx, -1)
}

// recommendationsFor turns error patterns into operator hints.
func recommendationsFor(r *FullRefreshResult, err error) []string {
	var out []string
	if v := r.Validation; v != nil {
		if v.DatesCorrected > 0 {
			out = append(out, fmt.Sprintf("%d dates were auto-corrected from serial or unpadded formats", v.DatesCorrected))
		}
		if v.DatesRejected > 0 {
			out = append(out, fmt.Sprintf("%d dates were in the future or outside %d-%d and were stored empty; fix them in the sheet", v.DatesRejected, minDateYear, maxDateYear))
		}
		if n := v.InvalidBudgets + v.InvalidItems; n > 0 {
			out = append(out, fmt.Sprintf("%d rows were skipped as structurally invalid; fill in budget id, description and quantity", n))
		}
		if v.DuplicateItemIds > 0 {
			out = append(out, fmt.Sprintf("%d item ids appear more than once in the sheet; give each row its own id", v.DuplicateItemIds))
		}
	}
	if n := r.Summary.BudgetsSynth; n > 0 {
		out = append(out, fmt.Sprintf("%d budgets referenced by items were missing from the budgets table; placeholders were created", n))
	}
	if r.Backup != nil && r.Backup.ExportError != "" {
		out = append(out, "backup export failed: "+r.Backup.ExportError)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrQuotaExceeded):
		out = append(out, "remote quota exhausted; retry after the quota window resets")
	case errors.Is(err, ErrConnectivity):
		out = append(out, "check spreadsheet sharing, credentials and database connectivity, then retry")
	case errors.Is(err, ErrSchema):
		out = append(out, "run migrations or fix the sheet headers before retrying")
	case errors.Is(err, ErrValidation):
		out = append(out, "too many invalid source rows; correct the sheet and run a dry run first")
	case errors.Is(err, ErrIntegrity):
		out = append(out, "integrity check failed and nothing was changed; inspect the reported check")
	}
	return out
}
