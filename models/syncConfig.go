package models

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const ConfigSingletonViolationCode = "CONFIG_SINGLETON_VIOLATION"

var ErrConfigSingletonViolation = errors.New(ConfigSingletonViolationCode)

// ConfigSingletonError reports how many active sync configs were found instead of one.
type ConfigSingletonError struct {
	ActiveCount int64
}

func (e *ConfigSingletonError) Error() string {
	return fmt.Sprintf("%s: expected exactly one active sync config, found %d", ConfigSingletonViolationCode, e.ActiveCount)
}

func (e *ConfigSingletonError) Unwrap() error { return ErrConfigSingletonViolation }

// SyncConfig holds the runtime sync settings. Exactly one row is active.
type SyncConfig struct {
	ID                  uint       `gorm:"primary_key" json:"id"`
	IsActive            bool       `gorm:"index;not null" json:"is_active"`
	LookbackDays        int        `gorm:"not null" json:"lookback_days"`
	AutoSyncEnabled     bool       `gorm:"not null" json:"auto_sync_enabled"`
	SyncIntervalMinutes int        `gorm:"not null" json:"sync_interval_minutes"`
	ActiveHoursStart    string     `gorm:"size:5;not null" json:"active_hours_start"`
	ActiveHoursEnd      string     `gorm:"size:5;not null" json:"active_hours_end"`
	TimeZone            string     `gorm:"size:64;not null" json:"time_zone"`
	LastMappingAt       *time.Time `json:"last_mapping_at"`
	CutoffAt            *time.Time `json:"cutoff_at"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		IsActive:            true,
		LookbackDays:        7,
		AutoSyncEnabled:     false,
		SyncIntervalMinutes: 30,
		ActiveHoursStart:    "08:00",
		ActiveHoursEnd:      "20:00",
		TimeZone:            "UTC",
	}
}

// Location falls back to UTC for an empty or unknown zone.
func (c *SyncConfig) Location() *time.Location {
	if c == nil || c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetActiveSyncConfig returns the single active row or a *ConfigSingletonError.
func GetActiveSyncConfig(ctx context.Context, db *gorm.DB) (*SyncConfig, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&SyncConfig{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return nil, err
	}
	if count != 1 {
		return nil, &ConfigSingletonError{ActiveCount: count}
	}
	var cfg SyncConfig
	if err := db.WithContext(ctx).Where("is_active = ?", true).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnsureSyncConfig seeds the default row when the table has no active config.
func EnsureSyncConfig(ctx context.Context, db *gorm.DB) (*SyncConfig, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&SyncConfig{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		cfg := DefaultSyncConfig()
		if err := db.WithContext(ctx).Create(&cfg).Error; err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return GetActiveSyncConfig(ctx, db)
}

type UpdateSyncConfigInput struct {
	LookbackDays        *int       `json:"lookback_days" validate:"omitempty,min=1,max=365"`
	AutoSyncEnabled     *bool      `json:"auto_sync_enabled"`
	SyncIntervalMinutes *int       `json:"sync_interval_minutes" validate:"omitempty,min=1,max=1440"`
	ActiveHoursStart    *string    `json:"active_hours_start" validate:"omitempty,hhmm"`
	ActiveHoursEnd      *string    `json:"active_hours_end" validate:"omitempty,hhmm"`
	TimeZone            *string    `json:"time_zone" validate:"omitempty,timezone"`
	CutoffAt            *time.Time `json:"cutoff_at"`
}

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateSyncConfigInput returns validator.ValidationErrors on bad input.
func ValidateSyncConfigInput(input UpdateSyncConfigInput) error {
	return validate.Struct(input)
}

// UpdateSyncConfig applies the non-nil fields of input to the active config.
func UpdateSyncConfig(ctx context.Context, db *gorm.DB, input UpdateSyncConfigInput) (*SyncConfig, error) {
	if err := ValidateSyncConfigInput(input); err != nil {
		return nil, err
	}

	var updated *SyncConfig
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := GetActiveSyncConfig(ctx, tx)
		if err != nil {
			return err
		}
		if input.LookbackDays != nil {
			cfg.LookbackDays = *input.LookbackDays
		}
		if input.AutoSyncEnabled != nil {
			cfg.AutoSyncEnabled = *input.AutoSyncEnabled
		}
		if input.SyncIntervalMinutes != nil {
			cfg.SyncIntervalMinutes = *input.SyncIntervalMinutes
		}
		if input.ActiveHoursStart != nil {
			cfg.ActiveHoursStart = *input.ActiveHoursStart
		}
		if input.ActiveHoursEnd != nil {
			cfg.ActiveHoursEnd = *input.ActiveHoursEnd
		}
		if input.TimeZone != nil {
			cfg.TimeZone = *input.TimeZone
		}
		if input.CutoffAt != nil {
			t := input.CutoffAt.UTC()
			cfg.CutoffAt = &t
		}
		if err := tx.Save(cfg).Error; err != nil {
			return err
		}
		updated = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetAutoSyncEnabled persists the flag on the active config.
func SetAutoSyncEnabled(ctx context.Context, db *gorm.DB, enabled bool) error {
	return updateActiveSyncConfig(ctx, db, "auto_sync_enabled", enabled)
}

func SetLastMappingAt(ctx context.Context, db *gorm.DB, at time.Time) error {
	return updateActiveSyncConfig(ctx, db, "last_mapping_at", at.UTC())
}

// updateActiveSyncConfig re-checks the singleton and writes one column in the same transaction.
func updateActiveSyncConfig(ctx context.Context, db *gorm.DB, column string, value interface{}) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := GetActiveSyncConfig(ctx, tx)
		if err != nil {
			return err
		}
		return tx.Model(cfg).Update(column, value).Error
	})
}
