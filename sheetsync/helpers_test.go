package sheetsync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	itemHeaders   = []string{"item_id", "budget_id", "description", "quantity", "unit_price", "discount", "last_modified"}
	budgetHeaders = []string{"budget_id", "customer", "date", "status", "total", "last_modified"}
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), config.NewGormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, config.InstallPlugins(db))
	require.NoError(t, models.MigrateTable(db))
	_, err = models.EnsureSyncConfig(context.Background(), db)
	require.NoError(t, err)
	return db
}

// fakeSheet is an in-memory TableClient. Writes land in the stored rows so a
// second pass reads what the first one wrote.
type fakeSheet struct {
	mu       sync.Mutex
	tables   map[string]*Table
	readErrs []error
	writeErr error
	reads    int
	writes   []string
}

func newFakeSheet(tables ...*Table) *fakeSheet {
	f := &fakeSheet{tables: map[string]*Table{}}
	for _, t := range tables {
		f.tables[t.Name] = t
	}
	return f
}

func (f *fakeSheet) ReadTable(ctx context.Context, spreadsheetId, rangeSpec, table string) (*Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	t, ok := f.tables[table]
	if !ok {
		return nil, &SchemaError{Table: table, Missing: []string{"table"}}
	}
	cp := *t
	cp.Headers = append([]string(nil), t.Headers...)
	cp.Rows = make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		cp.Rows[i] = append([]string(nil), r...)
	}
	return &cp, nil
}

func (f *fakeSheet) WriteRange(ctx context.Context, spreadsheetId, rangeSpec string, values []interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, rangeSpec)

	i := strings.LastIndex(rangeSpec, "!")
	name := strings.Trim(rangeSpec[:i], "'")
	first := strings.Split(rangeSpec[i+1:], ":")[0]
	col, row, err := excelize.CellNameToCoordinates(first)
	if err != nil {
		return err
	}
	t := f.tables[name]
	idx := row - t.FirstRow
	for len(t.Rows) <= idx {
		t.Rows = append(t.Rows, make([]string, len(t.Headers)))
	}
	target := t.Rows[idx]
	for len(target) < col-1+len(values) {
		target = append(target, "")
	}
	for j, v := range values {
		target[col-1+j] = fmt.Sprint(v)
	}
	t.Rows[idx] = target
	return nil
}

func (f *fakeSheet) row(table string, i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tables[table].Rows[i]...)
}

func itemsTable(rows ...[]string) *Table {
	return &Table{Name: "Items", Headers: itemHeaders, Rows: rows, FirstRow: 2, FirstCol: "A", LastCol: "Z"}
}

func budgetsTable(rows ...[]string) *Table {
	return &Table{Name: "Budgets", Headers: budgetHeaders, Rows: rows, FirstRow: 2, FirstCol: "A", LastCol: "Z"}
}

func testSettings() config.SheetSettings {
	return config.SheetSettings{
		SpreadsheetId:   "sheet-test",
		ItemsTable:      "Items",
		BudgetsTable:    "Budgets",
		Range:           "A1:Z",
		DefaultTimeZone: "UTC",
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testClock is a settable clock shared by a service and its tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, db *gorm.DB, client TableClient, clock *testClock, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithClock(clock.Now),
		WithLogger(quietLogger()),
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
	}
	return NewService(db, client, testSettings(), append(base, opts...)...)
}

func seedBudget(t *testing.T, db *gorm.DB, externalId string, modified time.Time) models.Budget {
	t.Helper()
	b := models.Budget{ExternalId: externalId, Total: decimal.Zero, LastModifiedAt: modified.UTC()}
	require.NoError(t, db.Create(&b).Error)
	return b
}

func seedItem(t *testing.T, db *gorm.DB, budget models.Budget, desc string, qty, price string, modified time.Time) models.BudgetItem {
	t.Helper()
	item := models.BudgetItem{
		BudgetId:       budget.ID,
		Description:    desc,
		Quantity:       decimal.RequireFromString(qty),
		UnitPrice:      decimal.RequireFromString(price),
		Discount:       decimal.Zero,
		LastModifiedAt: modified.UTC(),
	}
	require.NoError(t, db.Create(&item).Error)
	return item
}

func loadItem(t *testing.T, db *gorm.DB, id uint) models.BudgetItem {
	t.Helper()
	var item models.BudgetItem
	require.NoError(t, db.Preload("Budget").First(&item, id).Error)
	return item
}

func stamp(t time.Time) string {
	return FormatRemoteTimestamp(t, time.UTC)
}

func countMappings(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	n, err := NewMappingStore(db).Count(context.Background())
	require.NoError(t, err)
	return n
}
