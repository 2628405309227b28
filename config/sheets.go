package config

import (
	"context"
	"os"
	"strconv"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetSettings locates the spreadsheet and names the columns the sync reads.
type SheetSettings struct {
	SpreadsheetId   string
	ItemsTable      string
	BudgetsTable    string
	Range           string
	RateLimitPerMin int
	ItemHeaders     ItemHeaders
	BudgetHeaders   BudgetHeaders
	DefaultTimeZone string
	CredentialsJSON string
}

type ItemHeaders struct {
	ItemId       string
	BudgetId     string
	Description  string
	Quantity     string
	UnitPrice    string
	Discount     string
	LastModified string
}

type BudgetHeaders struct {
	BudgetId     string
	Customer     string
	Date         string
	Status       string
	Total        string
	LastModified string
}

func DefaultItemHeaders() ItemHeaders {
	return ItemHeaders{
		ItemId:       "item_id",
		BudgetId:     "budget_id",
		Description:  "description",
		Quantity:     "quantity",
		UnitPrice:    "unit_price",
		Discount:     "discount",
		LastModified: "last_modified",
	}
}

func DefaultBudgetHeaders() BudgetHeaders {
	return BudgetHeaders{
		BudgetId:     "budget_id",
		Customer:     "customer",
		Date:         "date",
		Status:       "status",
		Total:        "total",
		LastModified: "last_modified",
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// LoadSheetSettings reads SHEETS_* variables.
func LoadSheetSettings() SheetSettings {
	ih := DefaultItemHeaders()
	bh := DefaultBudgetHeaders()

	rate := 60
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("SHEETS_RATE_LIMIT_PER_MIN"))); err == nil && v > 0 {
		rate = v
	}

	return SheetSettings{
		SpreadsheetId:   strings.TrimSpace(os.Getenv("SHEETS_SPREADSHEET_ID")),
		ItemsTable:      envOr("SHEETS_ITEMS_TABLE", "Items"),
		BudgetsTable:    envOr("SHEETS_BUDGETS_TABLE", "Budgets"),
		Range:           envOr("SHEETS_RANGE", "A1:Z"),
		RateLimitPerMin: rate,
		DefaultTimeZone: envOr("SHEETS_TIME_ZONE", "UTC"),
		CredentialsJSON: os.Getenv("SHEETS_CREDENTIALS_JSON"),
		ItemHeaders: ItemHeaders{
			ItemId:       envOr("SHEETS_HEADER_ITEM_ID", ih.ItemId),
			BudgetId:     envOr("SHEETS_HEADER_BUDGET_ID", ih.BudgetId),
			Description:  envOr("SHEETS_HEADER_DESCRIPTION", ih.Description),
			Quantity:     envOr("SHEETS_HEADER_QUANTITY", ih.Quantity),
			UnitPrice:    envOr("SHEETS_HEADER_UNIT_PRICE", ih.UnitPrice),
			Discount:     envOr("SHEETS_HEADER_DISCOUNT", ih.Discount),
			LastModified: envOr("SHEETS_HEADER_LAST_MODIFIED", ih.LastModified),
		},
		BudgetHeaders: BudgetHeaders{
			BudgetId:     envOr("SHEETS_HEADER_BUDGET_ID", bh.BudgetId),
			Customer:     envOr("SHEETS_HEADER_CUSTOMER", bh.Customer),
			Date:         envOr("SHEETS_HEADER_DATE", bh.Date),
			Status:       envOr("SHEETS_HEADER_STATUS", bh.Status),
			Total:        envOr("SHEETS_HEADER_TOTAL", bh.Total),
			LastModified: envOr("SHEETS_HEADER_LAST_MODIFIED", bh.LastModified),
		},
	}
}

// NewSheetsService builds a Sheets API client.
// Uses Application Default Credentials unless SHEETS_CREDENTIALS_JSON is provided.
func NewSheetsService(ctx context.Context, s SheetSettings) (*sheets.Service, error) {
	if strings.TrimSpace(s.CredentialsJSON) != "" {
		return sheets.NewService(ctx, option.WithCredentialsJSON([]byte(s.CredentialsJSON)))
	}
	return sheets.NewService(ctx, option.WithScopes(sheets.SpreadsheetsScope))
}
