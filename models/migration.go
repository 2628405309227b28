package models

import (
	"gorm.io/gorm"
)

// AllModels is the migration set, parents before children.
func AllModels() []interface{} {
	return []interface{}{
		&Budget{}, &BudgetItem{},
		&ItemMapping{},
		&SyncConfig{},
		&SyncRunLog{}, &SyncRunError{},
		&BudgetStage{}, &BudgetItemStage{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
