package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

const (
	preflightSampleSize = 20
	maxInvalidRate      = 0.05
)

// remoteSnapshot is one read of both remote tables.
type remoteSnapshot struct {
	itemsTable   *Table
	items        []RemoteItem
	budgetsTable *Table
	budgets      []RemoteBudget
}

var requiredColumns = map[string][]string{
	"budgets":       {"id", "external_id", "customer", "budget_date", "status", "total", "last_modified_at"},
	"budget_items":  {"id", "budget_id", "description", "quantity", "unit_price", "discount", "last_modified_at"},
	"item_mappings": {"local_item_id", "remote_item_id", "provenance", "assigned_at"},
	"sync_configs":  {"is_active", "lookback_days"},
	"sync_run_logs": {"run_id", "kind", "success"},
}

var stageColumns = map[string][]string{
	"budget_stages":      {"external_id", "last_modified_at"},
	"budget_item_stages": {"remote_item_id", "budget_external_id", "quantity"},
}

// runPreflight checks both stores before anything is changed. The tables it
// reads are returned so the load step does not spend quota on a second read.
func (s *Service) runPreflight(ctx context.Context, mode RefreshMode, loc *time.Location) ([]PreflightCheck, *remoteSnapshot, error) {
	var checks []PreflightCheck
	fail := func(name string, err error) ([]PreflightCheck, *remoteSnapshot, error) {
		checks = append(checks, PreflightCheck{Name: name, Passed: false, Message: err.Error()})
		return checks, nil, err
	}

	// remote
	itemsTable, err := s.client.ReadTable(ctx, s.settings.SpreadsheetId, s.settings.Range, s.settings.ItemsTable)
	if err != nil {
		return fail("remote_reachable", asConnectivity("sheets", err))
	}
	budgetsTable, err := s.client.ReadTable(ctx, s.settings.SpreadsheetId, s.settings.Range, s.settings.BudgetsTable)
	if err != nil {
		return fail("remote_reachable", asConnectivity("sheets", err))
	}
	checks = append(checks, PreflightCheck{Name: "remote_reachable", Passed: true,
		Message: fmt.Sprintf("%d item rows, %d budget rows", len(itemsTable.Rows), len(budgetsTable.Rows))})

	// local
	if err := pingDB(ctx, s.db); err != nil {
		return fail("local_reachable", &ConnectivityError{Target: "database", Err: err})
	}
	checks = append(checks, PreflightCheck{Name: "local_reachable", Passed: true})

	want := requiredColumns
	if mode == ModeUpsertStage {
		want = mergeColumnSets(requiredColumns, stageColumns)
	}
	if err := checkSchema(s.db.WithContext(ctx), want); err != nil {
		return fail("local_schema", err)
	}
	checks = append(checks, PreflightCheck{Name: "local_schema", Passed: true})

	items, err := DecodeItems(itemsTable, s.settings.ItemHeaders, loc)
	if err != nil {
		return fail("remote_headers", err)
	}
	budgets, err := DecodeBudgets(budgetsTable, s.settings.BudgetHeaders, loc)
	if err != nil {
		return fail("remote_headers", err)
	}
	checks = append(checks, PreflightCheck{Name: "remote_headers", Passed: true})

	sample := items[:min(preflightSampleSize, len(items))]
	invalid := 0
	for _, it := range sample {
		if itemInvalidReason(it) != "" {
			invalid++
		}
	}
	if len(sample) > 0 {
		rate := float64(invalid) / float64(len(sample))
		if rate > maxInvalidRate {
			return fail("remote_sample", &ValidationError{Stage: "preflight sample", Invalid: invalid, Total: len(sample), Rate: rate})
		}
	}
	checks = append(checks, PreflightCheck{Name: "remote_sample", Passed: true,
		Message: fmt.Sprintf("%d/%d sample rows invalid", invalid, len(sample))})

	return checks, &remoteSnapshot{itemsTable: itemsTable, items: items, budgetsTable: budgetsTable, budgets: budgets}, nil
}

func asConnectivity(target string, err error) error {
	if errors.Is(err, ErrConnectivity) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrSchema) {
		return err
	}
	return &ConnectivityError{Target: target, Err: err}
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func checkSchema(db *gorm.DB, want map[string][]string) error {
	m := db.Migrator()
	for _, table := range sortedKeys(want) {
		if !m.HasTable(table) {
			return &SchemaError{Table: table, Missing: []string{"table"}}
		}
		var missing []string
		for _, col := range want[table] {
			if !m.HasColumn(table, col) {
				missing = append(missing, col)
			}
		}
		if len(missing) > 0 {
			return &SchemaError{Table: table, Missing: missing}
		}
	}
	return nil
}

func mergeColumnSets(a, b map[string][]string) map[string][]string {
	out := make(map[string][]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// itemInvalidReason is "" for a structurally usable row.
func itemInvalidReason(it RemoteItem) string {
	switch {
	case normalizeExternalId(it.BudgetExternalId) == "":
		return "missing budget id"
	case collapseSpaces(it.Description) == "":
		return "missing description"
	}
	if _, ok := parseSheetDecimal(it.Quantity); !ok {
		return fmt.Sprintf("invalid quantity %q", it.Quantity)
	}
	return ""
}
