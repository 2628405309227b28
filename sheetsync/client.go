package sheetsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/sheets/v4"
)

// Table is one sheet read as strings. Rows excludes the header row.
type Table struct {
	Name     string
	Headers  []string
	Rows     [][]string
	FirstRow int // sheet row number of Rows[0]
	FirstCol string
	LastCol  string
}

// TableClient is the remote tabular store.
type TableClient interface {
	ReadTable(ctx context.Context, spreadsheetId, rangeSpec, table string) (*Table, error)
	WriteRange(ctx context.Context, spreadsheetId, rangeSpec string, values []interface{}) error
}

const defaultPageRows = 1000

// SheetsClient reads and writes through the Sheets Values API behind a rate limiter.
type SheetsClient struct {
	svc      *sheets.Service
	limiter  *rate.Limiter
	pageRows int
}

func NewSheetsClient(svc *sheets.Service, perMinute int) *SheetsClient {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &SheetsClient{
		svc:      svc,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		pageRows: defaultPageRows,
	}
}

// ReadTable pages through the table in blocks of pageRows up to the sheet's
// grid row count. The first row of rangeSpec is the header row.
func (c *SheetsClient) ReadTable(ctx context.Context, spreadsheetId, rangeSpec, table string) (*Table, error) {
	firstCol, lastCol, headerRow, err := parseRangeSpec(rangeSpec)
	if err != nil {
		return nil, &SchemaError{Table: table, Missing: []string{"range " + rangeSpec}}
	}
	rowCount, err := c.sheetRowCount(ctx, spreadsheetId, table)
	if err != nil {
		return nil, err
	}
	if rowCount < headerRow {
		return nil, &SchemaError{Table: table, Missing: []string{"header row"}}
	}

	out := &Table{Name: table, FirstRow: headerRow + 1, FirstCol: firstCol, LastCol: lastCol}
	for start := headerRow; start <= rowCount; start += c.pageRows {
		end := start + c.pageRows - 1
		if end > rowCount {
			end = rowCount
		}
		a1 := fmt.Sprintf("%s!%s%d:%s%d", quoteSheet(table), firstCol, start, lastCol, end)
		values, err := c.getValues(ctx, spreadsheetId, a1)
		if err != nil {
			return nil, err
		}
		// Trailing blank rows are omitted by the API; pad so row positions
		// stay aligned with sheet row numbers across pages.
		if end < rowCount {
			for len(values) < end-start+1 {
				values = append(values, nil)
			}
		}
		rows := values
		if start == headerRow {
			if len(rows) == 0 || rowIsBlank(rows[0]) {
				return nil, &SchemaError{Table: table, Missing: []string{"header row"}}
			}
			out.Headers = rows[0]
			rows = rows[1:]
		}
		out.Rows = append(out.Rows, rows...)
	}
	return out, nil
}

// sheetRowCount reads the grid size of one sheet.
func (c *SheetsClient) sheetRowCount(ctx context.Context, spreadsheetId, table string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	resp, err := c.svc.Spreadsheets.Get(spreadsheetId).
		Fields("sheets.properties(title,gridProperties.rowCount)").
		Context(ctx).
		Do()
	if err != nil {
		return 0, classifyRemoteError("metadata "+table, err)
	}
	for _, sh := range resp.Sheets {
		if sh.Properties == nil || sh.Properties.Title != table {
			continue
		}
		if sh.Properties.GridProperties == nil {
			return 0, nil
		}
		return int(sh.Properties.GridProperties.RowCount), nil
	}
	return 0, &SchemaError{Table: table, Missing: []string{"sheet " + table}}
}

func (c *SheetsClient) getValues(ctx context.Context, spreadsheetId, a1 string) ([][]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.svc.Spreadsheets.Values.Get(spreadsheetId, a1).
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("SERIAL_NUMBER").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyRemoteError("read "+a1, err)
	}
	out := make([][]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cellString(v)
		}
		out = append(out, cells)
	}
	return out, nil
}

// WriteRange overwrites one A1 range with a single row of raw values.
func (c *SheetsClient) WriteRange(ctx context.Context, spreadsheetId, rangeSpec string, values []interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	vr := &sheets.ValueRange{
		Range:  rangeSpec,
		Values: [][]interface{}{values},
	}
	_, err := c.svc.Spreadsheets.Values.Update(spreadsheetId, rangeSpec, vr).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return classifyRemoteError("write "+rangeSpec, err)
	}
	return nil
}

func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// classifyRemoteError maps Sheets API failures onto the sync error taxonomy.
func classifyRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if isQuotaError(gerr) {
			return &QuotaExceededError{Op: op, Err: err}
		}
		if gerr.Code >= http.StatusInternalServerError {
			return &ConnectivityError{Target: "sheets", Err: err}
		}
		return fmt.Errorf("sheets %s: %w", op, err)
	}
	return &ConnectivityError{Target: "sheets", Err: err}
}

func isQuotaError(gerr *googleapi.Error) bool {
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(gerr.Message, "RESOURCE_EXHAUSTED") || strings.Contains(gerr.Body, "RESOURCE_EXHAUSTED")
}

// parseRangeSpec splits "A1:Z" into columns and the header row number.
func parseRangeSpec(spec string) (firstCol, lastCol string, headerRow int, err error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("range %q: want <col><row>:<col>", spec)
	}
	firstCol, headerRow, err = excelize.SplitCellName(strings.ToUpper(parts[0]))
	if err != nil {
		return "", "", 0, err
	}
	lastCol = strings.TrimRight(strings.ToUpper(parts[1]), "0123456789")
	if _, err := excelize.ColumnNameToNumber(lastCol); err != nil {
		return "", "", 0, err
	}
	return firstCol, lastCol, headerRow, nil
}

func quoteSheet(name string) string {
	if strings.ContainsAny(name, " '!") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}

// rowRange is the A1 range covering one full data row of t.
func rowRange(t *Table, rowIndex int) (string, error) {
	firstCell, err := excelize.CoordinatesToCellName(mustColumnNumber(t.FirstCol), rowIndex)
	if err != nil {
		return "", err
	}
	lastColNum := mustColumnNumber(t.FirstCol) + len(t.Headers) - 1
	lastCell, err := excelize.CoordinatesToCellName(lastColNum, rowIndex)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s!%s:%s", quoteSheet(t.Name), firstCell, lastCell), nil
}

func mustColumnNumber(col string) int {
	if col == "" {
		return 1
	}
	n, err := excelize.ColumnNameToNumber(col)
	if err != nil {
		return 1
	}
	return n
}
