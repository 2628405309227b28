package sheetsync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/budget_sync/models"
	"gorm.io/gorm"
)

// checkMappingConsistency runs inside the pass transaction before commit.
func checkMappingConsistency(ctx context.Context, tx *gorm.DB, expectedMappings int64) error {
	db := tx.WithContext(ctx)

	var dupLocal []uint
	if err := db.Model(&models.ItemMapping{}).
		Select("local_item_id").
		Group("local_item_id").
		Having("COUNT(*) > 1").
		Pluck("local_item_id", &dupLocal).Error; err != nil {
		return err
	}
	if len(dupLocal) > 0 {
		return &IntegrityViolation{Check: "mapping_local_unique", Detail: fmt.Sprintf("local items mapped more than once: %v", dupLocal)}
	}

	var dupRemote []string
	if err := db.Model(&models.ItemMapping{}).
		Select("remote_item_id").
		Group("remote_item_id").
		Having("COUNT(*) > 1").
		Pluck("remote_item_id", &dupRemote).Error; err != nil {
		return err
	}
	if len(dupRemote) > 0 {
		return &IntegrityViolation{Check: "mapping_remote_unique", Detail: fmt.Sprintf("remote items mapped more than once: %v", dupRemote)}
	}

	var dangling int64
	if err := db.Model(&models.ItemMapping{}).
		Where("local_item_id NOT IN (?)", db.Model(&models.BudgetItem{}).Select("id")).
		Count(&dangling).Error; err != nil {
		return err
	}
	if dangling > 0 {
		return &IntegrityViolation{Check: "mapping_local_exists", Detail: fmt.Sprintf("%d mappings point at missing local items", dangling)}
	}

	var total int64
	if err := db.Model(&models.ItemMapping{}).Count(&total).Error; err != nil {
		return err
	}
	if expectedMappings >= 0 && total != expectedMappings {
		return &IntegrityViolation{Check: "mapping_count", Detail: fmt.Sprintf("expected %d mappings, found %d", expectedMappings, total)}
	}
	return nil
}
