package sheetsync

import (
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/budget_sync/models"
	"github.com/shopspring/decimal"
)

// CompositeKey identifies a line item across stores that do not share ids.
type CompositeKey struct {
	BudgetExternalId string
	Descriptor       string
	Quantity         string
}

func (k CompositeKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.BudgetExternalId, k.Descriptor, k.Quantity)
}

func (k CompositeKey) matchable() bool {
	return k.BudgetExternalId != "" && k.Descriptor != "" && k.Quantity != ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeDescriptor trims, collapses inner whitespace and lowercases.
func NormalizeDescriptor(s string) string {
	return strings.ToLower(collapseSpaces(s))
}

func normalizeExternalId(s string) string {
	return collapseSpaces(s)
}

// NormalizeQuantity renders a quantity with two decimals, or "" when it is not a number.
func NormalizeQuantity(raw string) string {
	d, ok := parseSheetDecimal(raw)
	if !ok {
		return ""
	}
	return d.StringFixed(2)
}

// parseSheetDecimal accepts "1234.5", "1,234.5" and "1234,5".
func parseSheetDecimal(raw string) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if s == "" {
		return decimal.Zero, false
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ",", ".")
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// LocalKey returns the key of a local item; ok is false when any part is empty.
// The item's Budget must be loaded.
func LocalKey(item *models.BudgetItem) (CompositeKey, bool) {
	if item == nil {
		return CompositeKey{}, false
	}
	k := CompositeKey{
		BudgetExternalId: normalizeExternalId(item.BudgetExternalId()),
		Descriptor:       NormalizeDescriptor(item.Description),
		Quantity:         item.Quantity.StringFixed(2),
	}
	return k, k.matchable()
}

func RemoteKey(r RemoteItem) (CompositeKey, bool) {
	k := CompositeKey{
		BudgetExternalId: normalizeExternalId(r.BudgetExternalId),
		Descriptor:       NormalizeDescriptor(r.Description),
		Quantity:         NormalizeQuantity(r.Quantity),
	}
	return k, k.matchable()
}

// parseSheetDecimalOrZero treats an empty cell as zero.
func parseSheetDecimalOrZero(raw string) (decimal.Decimal, bool) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, true
	}
	return parseSheetDecimal(raw)
}
