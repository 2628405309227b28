package sheetsync

import (
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
)

// RemoteItem is one decoded line-item row.
type RemoteItem struct {
	ItemId           string
	BudgetExternalId string
	Description      string
	Quantity         string
	UnitPrice        string
	Discount         string
	LastModifiedRaw  string
	LastModified     time.Time
	RowIndex         int

	raw []string
}

type RemoteBudget struct {
	ExternalId      string
	Customer        string
	DateRaw         string
	Status          string
	Total           string
	LastModifiedRaw string
	LastModified    time.Time
	RowIndex        int
}

// itemColumns holds the header positions of the item table, -1 when absent.
type itemColumns struct {
	itemId, budgetId, description, quantity, unitPrice, discount, lastModified int
}

type budgetColumns struct {
	budgetId, customer, date, status, total, lastModified int
}

func headerIndex(headers []string) map[string]int {
	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h))
		if key == "" {
			continue
		}
		if _, seen := idx[key]; !seen {
			idx[key] = i
		}
	}
	return idx
}

func lookup(idx map[string]int, name string) int {
	if i, ok := idx[strings.ToLower(strings.TrimSpace(name))]; ok {
		return i
	}
	return -1
}

func resolveItemColumns(t *Table, h config.ItemHeaders) (itemColumns, error) {
	idx := headerIndex(t.Headers)
	cols := itemColumns{
		itemId:       lookup(idx, h.ItemId),
		budgetId:     lookup(idx, h.BudgetId),
		description:  lookup(idx, h.Description),
		quantity:     lookup(idx, h.Quantity),
		unitPrice:    lookup(idx, h.UnitPrice),
		discount:     lookup(idx, h.Discount),
		lastModified: lookup(idx, h.LastModified),
	}
	var missing []string
	for name, pos := range map[string]int{
		h.ItemId:       cols.itemId,
		h.BudgetId:     cols.budgetId,
		h.Description:  cols.description,
		h.Quantity:     cols.quantity,
		h.LastModified: cols.lastModified,
	} {
		if pos < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return cols, &SchemaError{Table: t.Name, Missing: missing}
	}
	return cols, nil
}

func resolveBudgetColumns(t *Table, h config.BudgetHeaders) (budgetColumns, error) {
	idx := headerIndex(t.Headers)
	cols := budgetColumns{
		budgetId:     lookup(idx, h.BudgetId),
		customer:     lookup(idx, h.Customer),
		date:         lookup(idx, h.Date),
		status:       lookup(idx, h.Status),
		total:        lookup(idx, h.Total),
		lastModified: lookup(idx, h.LastModified),
	}
	if cols.budgetId < 0 {
		return cols, &SchemaError{Table: t.Name, Missing: []string{h.BudgetId}}
	}
	return cols, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// DecodeItems turns the item table into typed rows. Blank rows are skipped.
func DecodeItems(t *Table, h config.ItemHeaders, loc *time.Location) ([]RemoteItem, error) {
	cols, err := resolveItemColumns(t, h)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteItem, 0, len(t.Rows))
	for i, row := range t.Rows {
		if rowIsBlank(row) {
			continue
		}
		item := RemoteItem{
			ItemId:           cell(row, cols.itemId),
			BudgetExternalId: cell(row, cols.budgetId),
			Description:      cell(row, cols.description),
			Quantity:         cell(row, cols.quantity),
			UnitPrice:        cell(row, cols.unitPrice),
			Discount:         cell(row, cols.discount),
			LastModifiedRaw:  cell(row, cols.lastModified),
			RowIndex:         t.FirstRow + i,
			raw:              row,
		}
		item.LastModified, _ = ParseRemoteTimestamp(item.LastModifiedRaw, loc)
		out = append(out, item)
	}
	return out, nil
}

func DecodeBudgets(t *Table, h config.BudgetHeaders, loc *time.Location) ([]RemoteBudget, error) {
	cols, err := resolveBudgetColumns(t, h)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteBudget, 0, len(t.Rows))
	for i, row := range t.Rows {
		if rowIsBlank(row) {
			continue
		}
		b := RemoteBudget{
			ExternalId:      cell(row, cols.budgetId),
			Customer:        cell(row, cols.customer),
			DateRaw:         cell(row, cols.date),
			Status:          cell(row, cols.status),
			Total:           cell(row, cols.total),
			LastModifiedRaw: cell(row, cols.lastModified),
			RowIndex:        t.FirstRow + i,
		}
		b.LastModified, _ = ParseRemoteTimestamp(b.LastModifiedRaw, loc)
		out = append(out, b)
	}
	return out, nil
}

func rowIsBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// encodeItemRow rebuilds a full row for a targeted write. Columns the sync does
// not own keep the values read from the sheet.
func encodeItemRow(t *Table, h config.ItemHeaders, base []string, fields itemRowFields) ([]interface{}, error) {
	cols, err := resolveItemColumns(t, h)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(t.Headers))
	for i := range values {
		values[i] = cell(base, i)
	}
	set := func(pos int, v string) {
		if pos >= 0 && pos < len(values) {
			values[pos] = v
		}
	}
	set(cols.itemId, fields.ItemId)
	set(cols.budgetId, fields.BudgetExternalId)
	set(cols.description, fields.Description)
	set(cols.quantity, fields.Quantity)
	set(cols.unitPrice, fields.UnitPrice)
	set(cols.discount, fields.Discount)
	set(cols.lastModified, fields.LastModified)
	return values, nil
}

type itemRowFields struct {
	ItemId           string
	BudgetExternalId string
	Description      string
	Quantity         string
	UnitPrice        string
	Discount         string
	LastModified     string
}
