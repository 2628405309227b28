package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/models"
)

// upsertViaStage loads the remote state into the stage tables, checks it there,
// and merges it into the live tables without deleting anything.
func (w *refreshWriter) upsertViaStage(ctx context.Context, p *parsedRemote) error {
	tx := w.tx.WithContext(ctx)

	var err error
	if w.budgetsBefore, err = models.CountBudgets(ctx, tx); err != nil {
		return err
	}
	if w.itemsBefore, err = models.CountBudgetItems(ctx, tx); err != nil {
		return err
	}

	if err := tx.Where("1 = 1").Delete(&models.BudgetItemStage{}).Error; err != nil {
		return fmt.Errorf("clear item stage: %w", err)
	}
	if err := tx.Where("1 = 1").Delete(&models.BudgetStage{}).Error; err != nil {
		return fmt.Errorf("clear budget stage: %w", err)
	}

	budgetStage := make([]models.BudgetStage, 0, len(p.budgets))
	for _, b := range p.budgets {
		budgetStage = append(budgetStage, models.BudgetStage{
			ExternalId:     b.ExternalId,
			Customer:       b.Customer,
			BudgetDate:     b.Date,
			Status:         b.Status,
			Total:          b.Total,
			LastModifiedAt: b.LastModified,
			RowIndex:       b.RowIndex,
		})
	}
	if len(budgetStage) > 0 {
		if err := tx.CreateInBatches(&budgetStage, 200).Error; err != nil {
			return fmt.Errorf("stage budgets: %w", err)
		}
	}
	itemStage := make([]models.BudgetItemStage, 0, len(p.items))
	for _, it := range p.items {
		itemStage = append(itemStage, models.BudgetItemStage{
			RemoteItemId:     it.RemoteItemId,
			BudgetExternalId: it.BudgetExternalId,
			Description:      it.Description,
			Quantity:         it.Quantity,
			UnitPrice:        it.UnitPrice,
			Discount:         it.Discount,
			LastModifiedAt:   it.LastModified,
			RowIndex:         it.RowIndex,
		})
	}
	if len(itemStage) > 0 {
		if err := tx.CreateInBatches(&itemStage, 500).Error; err != nil {
			return fmt.Errorf("stage items: %w", err)
		}
	}

	if err := validateStage(ctx, w, len(p.budgets), len(p.items)); err != nil {
		return err
	}

	idByExt, err := w.upsertBudgets(ctx, p)
	if err != nil {
		return err
	}
	return w.upsertItems(ctx, p, idByExt)
}

// validateStage re-checks the staged rows with SQL before they touch live tables.
func validateStage(ctx context.Context, w *refreshWriter, budgets, items int) error {
	db := w.tx.WithContext(ctx)

	var stagedBudgets, stagedItems int64
	if err := db.Model(&models.BudgetStage{}).Count(&stagedBudgets).Error; err != nil {
		return err
	}
	if err := db.Model(&models.BudgetItemStage{}).Count(&stagedItems).Error; err != nil {
		return err
	}
	if stagedBudgets != int64(budgets) || stagedItems != int64(items) {
		return &IntegrityViolation{Check: "stage_count", Detail: fmt.Sprintf("staged %d/%d budgets and %d/%d items", stagedBudgets, budgets, stagedItems, items)}
	}

	var invalid int64
	if err := db.Model(&models.BudgetItemStage{}).
		Where("budget_external_id = '' OR description = ''").
		Count(&invalid).Error; err != nil {
		return err
	}
	if invalid > 0 {
		return &ValidationError{Stage: "item stage", Invalid: int(invalid), Total: items, Rate: float64(invalid) / float64(max(items, 1))}
	}

	var dupBudgets []string
	if err := db.Model(&models.BudgetStage{}).
		Select("external_id").
		Group("external_id").
		Having("COUNT(*) > 1").
		Pluck("external_id", &dupBudgets).Error; err != nil {
		return err
	}
	if len(dupBudgets) > 0 {
		return &IntegrityViolation{Check: "stage_budget_unique", Detail: fmt.Sprintf("budget ids staged more than once: %v", dupBudgets)}
	}
	return nil
}

func (w *refreshWriter) upsertBudgets(ctx context.Context, p *parsedRemote) (map[string]uint, error) {
	db := w.tx.WithContext(ctx)

	var existing []models.Budget
	if err := db.Find(&existing).Error; err != nil {
		return nil, err
	}
	idByExt := make(map[string]uint, len(existing)+len(p.budgets))
	for _, b := range existing {
		idByExt[b.ExternalId] = b.ID
	}

	var staged []models.BudgetStage
	if err := db.Order("row_index").Find(&staged).Error; err != nil {
		return nil, err
	}
	for _, st := range staged {
		if id, ok := idByExt[st.ExternalId]; ok {
			err := db.Model(&models.Budget{}).Where("id = ?", id).Updates(map[string]interface{}{
				"customer":         st.Customer,
				"budget_date":      st.BudgetDate,
				"status":           st.Status,
				"total":            st.Total,
				"synthesized":      false,
				"last_modified_at": st.LastModifiedAt,
			}).Error
			if err != nil {
				return nil, fmt.Errorf("update budget %s: %w", st.ExternalId, err)
			}
			w.summary.BudgetsUpdated++
			continue
		}
		b := models.Budget{
			ExternalId:     st.ExternalId,
			Customer:       st.Customer,
			BudgetDate:     st.BudgetDate,
			Status:         st.Status,
			Total:          st.Total,
			LastModifiedAt: st.LastModifiedAt,
		}
		if err := db.Create(&b).Error; err != nil {
			return nil, fmt.Errorf("insert budget %s: %w", st.ExternalId, err)
		}
		idByExt[b.ExternalId] = b.ID
		w.summary.BudgetsInserted++
	}

	synthesized := 0
	for _, ext := range p.synthesized {
		if _, ok := idByExt[ext]; ok {
			continue
		}
		b := synthesizedBudget(ext, w.now)
		if err := db.Create(&b).Error; err != nil {
			return nil, fmt.Errorf("insert placeholder budget %s: %w", ext, err)
		}
		idByExt[ext] = b.ID
		synthesized++
	}
	w.summary.BudgetsSynth = synthesized
	return idByExt, nil
}

// upsertItems resolves each staged row to a local item by mapping first, then
// by an unambiguous composite key among unmapped local items; otherwise inserts.
func (w *refreshWriter) upsertItems(ctx context.Context, p *parsedRemote, idByExt map[string]uint) error {
	db := w.tx.WithContext(ctx)
	store := NewMappingStore(w.tx).withClock(func() time.Time { return w.now })

	mappings, err := store.List(ctx)
	if err != nil {
		return err
	}
	localByRemote := make(map[string]uint, len(mappings))
	mappedLocal := make(map[uint]bool, len(mappings))
	for _, m := range mappings {
		localByRemote[m.RemoteItemId] = m.LocalItemId
		mappedLocal[m.LocalItemId] = true
	}

	var locals []models.BudgetItem
	if err := db.Preload("Budget").Order("id").Find(&locals).Error; err != nil {
		return err
	}
	byKey := make(map[CompositeKey][]uint)
	for i := range locals {
		if mappedLocal[locals[i].ID] {
			continue
		}
		if key, ok := LocalKey(&locals[i]); ok {
			byKey[key] = append(byKey[key], locals[i].ID)
		}
	}
	claimed := make(map[uint]bool)

	var staged []models.BudgetItemStage
	if err := db.Order("row_index").Find(&staged).Error; err != nil {
		return err
	}
	remoteAtByRow := make(map[int]time.Time, len(p.items))
	for _, it := range p.items {
		remoteAtByRow[it.RowIndex] = it.RemoteAt
	}
	// a key staged on more than one row never pairs with a local item
	stagedByKey := make(map[CompositeKey][]string, len(staged))
	for _, st := range staged {
		label := st.RemoteItemId
		if label == "" {
			label = fmt.Sprintf("row %d", st.RowIndex)
		}
		key := stagedKey(st)
		stagedByKey[key] = append(stagedByKey[key], label)
	}

	for _, st := range staged {
		budgetId, ok := idByExt[st.BudgetExternalId]
		if !ok {
			w.summary.ItemsSkipped++
			w.errs.addf(codeMissingParent, 0, st.RemoteItemId, "row %d: budget %s not found", st.RowIndex, st.BudgetExternalId)
			continue
		}

		var localId uint
		if st.RemoteItemId != "" {
			localId = localByRemote[st.RemoteItemId]
		}
		if localId == 0 {
			key := stagedKey(st)
			var free []uint
			for _, id := range byKey[key] {
				if !claimed[id] {
					free = append(free, id)
				}
			}
			if rows := stagedByKey[key]; len(rows) > 1 && len(free) > 0 {
				w.summary.ItemsSkipped++
				w.errs.add(codeAmbiguousMatch, 0, st.RemoteItemId, fmt.Errorf("row %d: %w", st.RowIndex,
					&AmbiguousMatchError{Key: key, Candidates: rows}))
				continue
			}
			if len(free) > 1 {
				w.summary.ItemsSkipped++
				w.errs.add(codeAmbiguousMatch, 0, st.RemoteItemId, fmt.Errorf("row %d: %w", st.RowIndex,
					&AmbiguousMatchError{Key: key, Candidates: uintsToStrings(free)}))
				continue
			}
			if len(free) == 1 {
				localId = free[0]
			}
		}

		fields := map[string]interface{}{
			"budget_id":        budgetId,
			"description":      st.Description,
			"quantity":         st.Quantity,
			"unit_price":       st.UnitPrice,
			"discount":         st.Discount,
			"last_modified_at": st.LastModifiedAt,
		}
		if localId != 0 {
			if err := db.Model(&models.BudgetItem{}).Where("id = ?", localId).Updates(fields).Error; err != nil {
				return fmt.Errorf("update item %d: %w", localId, err)
			}
			w.summary.ItemsUpdated++
		} else {
			item := models.BudgetItem{
				BudgetId:       budgetId,
				Description:    st.Description,
				Quantity:       st.Quantity,
				UnitPrice:      st.UnitPrice,
				Discount:       st.Discount,
				LastModifiedAt: st.LastModifiedAt,
			}
			if err := db.Create(&item).Error; err != nil {
				return fmt.Errorf("insert item row %d: %w", st.RowIndex, err)
			}
			localId = item.ID
			w.summary.ItemsInserted++
		}
		claimed[localId] = true

		if st.RemoteItemId == "" {
			continue
		}
		if err := store.SetMapping(ctx, localId, st.RemoteItemId, models.MappingProvenanceRemote); err != nil {
			var dup *DuplicateRemoteBindingError
			if errors.As(err, &dup) {
				w.errs.add(codeDuplicateBinding, localId, st.RemoteItemId, err)
				continue
			}
			return err
		}
		if _, known := localByRemote[st.RemoteItemId]; !known {
			localByRemote[st.RemoteItemId] = localId
			w.summary.MappingsRebuilt++
		}
		if err := store.MarkSynced(ctx, localId, st.LastModifiedAt, remoteAtByRow[st.RowIndex]); err != nil {
			return err
		}
	}
	return nil
}

func stagedKey(st models.BudgetItemStage) CompositeKey {
	return CompositeKey{
		BudgetExternalId: st.BudgetExternalId,
		Descriptor:       NormalizeDescriptor(st.Description),
		Quantity:         st.Quantity.StringFixed(2),
	}
}

func uintsToStrings(ids []uint) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprint(id)
	}
	return out
}
