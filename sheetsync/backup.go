package sheetsync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const backupSampleSize = 5

// takeBackup records counts and a sample before mutation. It is informational:
// failures are reported in the snapshot and never stop the refresh.
func (s *Service) takeBackup(ctx context.Context, runId string) *BackupSnapshot {
	snap := &BackupSnapshot{TakenAt: s.now()}
	db := s.db.WithContext(ctx)

	var err error
	if snap.BudgetCount, err = models.CountBudgets(ctx, db); err != nil {
		snap.ExportError = err.Error()
		return snap
	}
	if snap.ItemCount, err = models.CountBudgetItems(ctx, db); err != nil {
		snap.ExportError = err.Error()
		return snap
	}
	if snap.Mappings, err = NewMappingStore(db).Count(ctx); err != nil {
		snap.ExportError = err.Error()
		return snap
	}
	if err := db.Preload("Budget").Order("id").Limit(backupSampleSize).Find(&snap.SampleItems).Error; err != nil {
		snap.ExportError = err.Error()
		return snap
	}

	if s.uploadBackup == nil || !config.BackupExportEnabled() {
		return snap
	}
	data, err := exportWorkbook(ctx, db)
	if err != nil {
		snap.ExportError = err.Error()
		config.LogError(s.logger, "sheetsync", "takeBackup", "build backup workbook", runId, err)
		return snap
	}
	name := fmt.Sprintf("sheet-sync/backups/%s_%s.xlsx", snap.TakenAt.Format("20060102T150405Z"), runId)
	uri, err := s.uploadBackup(ctx, name, data)
	if err != nil {
		snap.ExportError = err.Error()
		config.LogError(s.logger, "sheetsync", "takeBackup", "upload backup workbook", name, err)
		return snap
	}
	snap.ExportUri = uri
	return snap
}

// exportWorkbook dumps budgets and items into an xlsx with one sheet each.
func exportWorkbook(ctx context.Context, db *gorm.DB) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const budgetSheet = "Budgets"
	const itemSheet = "Items"
	if err := f.SetSheetName("Sheet1", budgetSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(itemSheet); err != nil {
		return nil, err
	}

	if err := f.SetSheetRow(budgetSheet, "A1", &[]interface{}{"id", "external_id", "customer", "budget_date", "status", "total", "synthesized", "last_modified_at"}); err != nil {
		return nil, err
	}
	var budgets []models.Budget
	if err := db.WithContext(ctx).Order("id").Find(&budgets).Error; err != nil {
		return nil, err
	}
	for i, b := range budgets {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		date := ""
		if b.BudgetDate != nil {
			date = b.BudgetDate.Format(time.RFC3339)
		}
		row := []interface{}{b.ID, b.ExternalId, b.Customer, date, b.Status, b.Total.String(), b.Synthesized, b.LastModifiedAt.Format(time.RFC3339)}
		if err := f.SetSheetRow(budgetSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	if err := f.SetSheetRow(itemSheet, "A1", &[]interface{}{"id", "budget_id", "description", "quantity", "unit_price", "discount", "last_modified_at", "remote_item_id"}); err != nil {
		return nil, err
	}
	var items []models.BudgetItem
	if err := db.WithContext(ctx).Order("id").Find(&items).Error; err != nil {
		return nil, err
	}
	var mappings []models.ItemMapping
	if err := db.WithContext(ctx).Find(&mappings).Error; err != nil {
		return nil, err
	}
	remoteOf := make(map[uint]string, len(mappings))
	for _, m := range mappings {
		remoteOf[m.LocalItemId] = m.RemoteItemId
	}
	for i, it := range items {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{it.ID, it.BudgetId, it.Description, it.Quantity.StringFixed(2), it.UnitPrice.String(), it.Discount.String(), it.LastModifiedAt.Format(time.RFC3339), remoteOf[it.ID]}
		if err := f.SetSheetRow(itemSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
