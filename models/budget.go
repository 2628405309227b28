package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Budget struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	ExternalId     string          `gorm:"uniqueIndex;size:128;not null" json:"external_id"`
	Customer       string          `gorm:"size:255" json:"customer"`
	BudgetDate     *time.Time      `json:"budget_date"`
	Status         string          `gorm:"size:50" json:"status"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total"`
	Synthesized    bool            `gorm:"not null" json:"synthesized"`
	LastModifiedAt time.Time       `gorm:"index;not null" json:"last_modified_at"`
	Items          []BudgetItem    `gorm:"foreignKey:BudgetId" json:"items,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BudgetItem is a line item. Only the full refresh may delete one.
type BudgetItem struct {
	ID             uint            `gorm:"primary_key" json:"id"`
	BudgetId       uint            `gorm:"index;not null" json:"budget_id"`
	Budget         *Budget         `gorm:"foreignKey:BudgetId" json:"budget,omitempty"`
	Description    string          `gorm:"size:500" json:"description"`
	Quantity       decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"quantity"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	Discount       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"discount"`
	LastModifiedAt time.Time       `gorm:"index;not null" json:"last_modified_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BudgetExternalId is the parent's external id, empty when the parent is not loaded.
func (item *BudgetItem) BudgetExternalId() string {
	if item == nil || item.Budget == nil {
		return ""
	}
	return item.Budget.ExternalId
}

// GetBudgetItemsModifiedSince loads items whose own or parent's change is at or after since.
func GetBudgetItemsModifiedSince(ctx context.Context, db *gorm.DB, since time.Time) ([]BudgetItem, error) {
	var items []BudgetItem
	tx := db.WithContext(ctx)
	recentBudgets := tx.Model(&Budget{}).Select("id").Where("last_modified_at >= ?", since)
	err := tx.
		Preload("Budget").
		Where("last_modified_at >= ? OR budget_id IN (?)", since, recentBudgets).
		Order("id").
		Find(&items).Error
	return items, err
}

func GetBudgetItemsByIds(ctx context.Context, db *gorm.DB, ids []uint) ([]BudgetItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []BudgetItem
	err := db.WithContext(ctx).
		Preload("Budget").
		Where("id IN ?", ids).
		Order("id").
		Find(&items).Error
	return items, err
}

func GetBudgetByExternalId(ctx context.Context, db *gorm.DB, externalId string) (*Budget, error) {
	var b Budget
	if err := db.WithContext(ctx).Where("external_id = ?", externalId).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func CountBudgets(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Budget{}).Count(&n).Error
	return n, err
}

func CountBudgetItems(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&BudgetItem{}).Count(&n).Error
	return n, err
}
