package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetStage and BudgetItemStage hold one remote snapshot during an upsert_stage refresh.
// They are regular tables cleared inside the refresh transaction; MySQL DDL would commit it.
type BudgetStage struct {
	ID             uint            `gorm:"primary_key"`
	ExternalId     string          `gorm:"index;size:128;not null"`
	Customer       string          `gorm:"size:255"`
	BudgetDate     *time.Time
	Status         string          `gorm:"size:50"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	LastModifiedAt time.Time       `gorm:"not null"`
	RowIndex       int
}

type BudgetItemStage struct {
	ID               uint            `gorm:"primary_key"`
	RemoteItemId     string          `gorm:"index;size:128;not null"`
	BudgetExternalId string          `gorm:"index;size:128;not null"`
	Description      string          `gorm:"size:500"`
	Quantity         decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Discount         decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	LastModifiedAt   time.Time       `gorm:"not null"`
	RowIndex         int
}
