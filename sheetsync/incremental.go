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
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// windowSkew admits remote timestamps slightly ahead of this host's clock.
const windowSkew = time.Hour

// RunIncrementalSync reconciles items touched inside the lookback window.
// The local side changes in one transaction; remote row writes are flushed just
// before commit, so a failed flush rolls the local side back.
func (s *Service) RunIncrementalSync(ctx context.Context) (*IncrementalResult, error) {
	release, ok := s.begin(ctx, models.SyncKindIncremental)
	if !ok {
		return &IncrementalResult{Errores: []string{ErrSyncInProgress.Error()}}, ErrSyncInProgress
	}
	defer release()

	runId := uuid.NewString()
	ctx = appctx.SetRunId(ctx, runId)
	ctx, span := s.tracer.Start(ctx, "sheetsync.incremental")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runId))

	started := s.now()
	result := &IncrementalResult{RunId: runId, Errores: []string{}}

	cfg, err := models.GetActiveSyncConfig(ctx, s.db)
	if err != nil {
		// singleton violations stop here: no further reads or writes
		result.Errores = append(result.Errores, err.Error())
		result.DuracionMs = s.now().Sub(started).Milliseconds()
		s.state.Finish(RunSummary{RunId: runId, Kind: models.SyncKindIncremental, Error: err.Error(), ErrorCount: 1, StartedAt: started, FinishedAt: s.now()}, StepRolledBack)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	errs := &itemErrors{}
	passErr := s.incrementalPass(ctx, cfg, started, result, errs)

	finished := s.now()
	result.DuracionMs = finished.Sub(started).Milliseconds()
	result.Errores = append(result.Errores, errs.messages...)
	finalStep := StepCommitted
	if passErr != nil {
		finalStep = StepRolledBack
		result.Exitoso = false
		result.Errores = append(result.Errores, passErr.Error())
		errs.rows = append(errs.rows, models.SyncRunError{Code: passErrorCode(passErr), Message: passErr.Error()})
		span.RecordError(passErr)
		span.SetStatus(codes.Error, passErr.Error())
	} else {
		result.Exitoso = true
		if result.RegistrosNuevos > 0 {
			if err := models.SetLastMappingAt(ctx, s.db, finished); err != nil {
				config.LogError(s.logger, "sheetsync", "RunIncrementalSync", "update last mapping time", runId, err)
			}
		}
	}

	run := models.SyncRunLog{
		RunId:      runId,
		Kind:       models.SyncKindIncremental,
		Success:    result.Exitoso,
		Processed:  result.RegistrosProcesados,
		Created:    result.RegistrosNuevos,
		Updated:    result.RegistrosActualizados,
		Conflicts:  result.Conflictos,
		ErrorCount: len(result.Errores),
		DurationMs: result.DuracionMs,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if passErr != nil {
		run.ErrorText = passErr.Error()
	}
	s.recordRun(ctx, run, result, errs.rows)

	summary := RunSummary{
		RunId:      runId,
		Kind:       models.SyncKindIncremental,
		Success:    result.Exitoso,
		Processed:  result.RegistrosProcesados,
		Created:    result.RegistrosNuevos,
		Updated:    result.RegistrosActualizados,
		ErrorCount: len(result.Errores),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if passErr != nil {
		summary.Error = passErr.Error()
	}
	s.state.Finish(summary, finalStep)
	return result, passErr
}

func passErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return codeQuotaExceeded
	case errors.Is(err, ErrConnectivity):
		return codeConnectivityError
	case errors.Is(err, ErrIntegrity):
		return codeIntegrityFailure
	case errors.Is(err, models.ErrConfigSingletonViolation):
		return codeSingletonConfig
	default:
		return codePassFailure
	}
}

func (s *Service) incrementalWindow(cfg *models.SyncConfig, now time.Time) Window {
	days := cfg.LookbackDays
	if days <= 0 {
		days = models.DefaultSyncConfig().LookbackDays
	}
	start := now.AddDate(0, 0, -days)
	if cfg.CutoffAt != nil && cfg.CutoffAt.After(start) {
		start = *cfg.CutoffAt
	}
	return Window{Start: start, End: now.Add(windowSkew)}
}

func (s *Service) incrementalPass(ctx context.Context, cfg *models.SyncConfig, now time.Time, result *IncrementalResult, errs *itemErrors) (err error) {
	loc := s.location(cfg.TimeZone)
	window := s.incrementalWindow(cfg, now)
	logger := s.logger.WithFields(logrus.Fields{"field": "SheetSync", "run_id": result.RunId})

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return &ConnectivityError{Target: "database", Err: tx.Error}
	}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			err = fmt.Errorf("incremental pass panic: %v", r)
			return
		}
		if !committed {
			tx.Rollback()
		}
	}()

	s.state.SetStep(StepLoadingLocalChanges, 5)
	locals, err := models.GetBudgetItemsModifiedSince(ctx, tx, window.Start)
	if err != nil {
		return fmt.Errorf("load local changes: %w", err)
	}

	s.state.SetStep(StepLoadingRemoteChanges, 20)
	table, remoteRows, err := s.readItems(ctx, loc)
	if err != nil {
		return err
	}
	byId := make(map[string]RemoteItem, len(remoteRows))
	var recentIds []string
	for _, r := range remoteRows {
		if r.ItemId == "" {
			continue
		}
		if _, dup := byId[r.ItemId]; dup {
			errs.addf(codeInvalidRow, 0, r.ItemId, "remote item id %s repeated at row %d; first row kept", r.ItemId, r.RowIndex)
			continue
		}
		byId[r.ItemId] = r
		if window.Contains(r.LastModified) {
			recentIds = append(recentIds, r.ItemId)
		}
	}

	s.state.SetStep(StepMatching, 40)
	store := NewMappingStore(tx).withClock(s.now)
	cleaned, err := store.CleanOrphans(ctx)
	if err != nil {
		return fmt.Errorf("clean orphan mappings: %w", err)
	}
	before, err := store.Count(ctx)
	if err != nil {
		return err
	}

	localIds := make([]uint, 0, len(locals))
	inWindow := make(map[uint]bool, len(locals))
	for _, l := range locals {
		localIds = append(localIds, l.ID)
		inWindow[l.ID] = true
	}
	mappings, err := store.LoadByLocalIds(ctx, localIds)
	if err != nil {
		return err
	}

	// remote rows changed in the window whose local side is older still need a merge
	recentMapped, err := store.LoadByRemoteIds(ctx, recentIds)
	if err != nil {
		return err
	}
	var extraIds []uint
	for _, m := range recentMapped {
		if !inWindow[m.LocalItemId] {
			extraIds = append(extraIds, m.LocalItemId)
			mappings[m.LocalItemId] = m
		}
	}
	sort.Slice(extraIds, func(i, j int) bool { return extraIds[i] < extraIds[j] })
	extras, err := models.GetBudgetItemsByIds(ctx, tx, extraIds)
	if err != nil {
		return err
	}
	candidates := append(locals, extras...)

	matcher := NewMatcher(remoteRows)
	engine := &mergeEngine{
		tx:        tx,
		store:     store,
		table:     table,
		headers:   s.settings.ItemHeaders,
		loc:       loc,
		mergeTime: now.Truncate(time.Second),
	}

	s.state.SetStep(StepMerging, 50)
	for i := range candidates {
		local := &candidates[i]
		result.RegistrosProcesados++

		m, mapped := mappings[local.ID]
		if !mapped {
			res := matcher.Match(local, window)
			switch res.Outcome {
			case MatchConflict:
				result.Conflictos++
				errs.add(codeAmbiguousMatch, local.ID, "", fmt.Errorf("local item %d: %w", local.ID, res.Err))
				continue
			case MatchUnmatched, MatchNotMatchable:
				result.Pendientes++
				continue
			}
			if !inWindow[local.ID] {
				result.Pendientes++
				continue
			}
			if err := store.SetMapping(ctx, local.ID, res.Remote.ItemId, res.Provenance); err != nil {
				var dup *DuplicateRemoteBindingError
				if errors.As(err, &dup) {
					result.Conflictos++
					errs.add(codeDuplicateBinding, local.ID, res.Remote.ItemId, err)
					continue
				}
				return fmt.Errorf("set mapping for local item %d: %w", local.ID, err)
			}
			result.RegistrosNuevos++
			fresh, err := store.GetByLocal(ctx, local.ID)
			if err != nil {
				return err
			}
			m = *fresh
		}

		remote, ok := byId[m.RemoteItemId]
		if !ok {
			errs.addf(codeRemoteMissing, local.ID, m.RemoteItemId, "local item %d: mapped remote item %s not found in %s", local.ID, m.RemoteItemId, s.settings.ItemsTable)
			continue
		}

		out := engine.merge(ctx, local, &remote, &m)
		if out.Err != nil {
			if out.Code == codePassFailure {
				return out.Err
			}
			errs.add(out.Code, local.ID, remote.ItemId, out.Err)
			continue
		}
		switch out.Decision {
		case DecisionPushLocal, DecisionPullRemote:
			result.RegistrosActualizados++
		default:
			result.SinCambios++
		}
		s.state.SetStep(StepMerging, 50+int(float64(i+1)/float64(len(candidates))*30))
	}

	s.state.SetStep(StepConsistencyCheck, 85)
	if err := checkMappingConsistency(ctx, tx, before+int64(result.RegistrosNuevos)); err != nil {
		return err
	}

	for _, w := range engine.writes {
		if err := s.client.WriteRange(ctx, s.settings.SpreadsheetId, w.Range, w.Values); err != nil {
			return fmt.Errorf("write remote item %s: %w", w.RemoteItemId, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit incremental pass: %w", err)
	}
	committed = true

	logger.WithFields(logrus.Fields{
		"window_start":    window.Start,
		"local_changes":   len(locals),
		"remote_rows":     len(remoteRows),
		"remote_recent":   len(recentIds),
		"orphans_cleaned": cleaned,
		"remote_writes":   len(engine.writes),
		"conflict_keys":   len(matcher.ConflictKeys()),
	}).Info("incremental pass committed")
	return nil
}
