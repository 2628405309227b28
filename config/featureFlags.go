package config

import (
	"os"
	"strings"
)

func envFlag(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// PublishSyncEvents enables run-completed Pub/Sub messages.
//
// Set via env:
// - SHEET_SYNC_PUBLISH_EVENTS=true
func PublishSyncEvents() bool {
	return envFlag("SHEET_SYNC_PUBLISH_EVENTS")
}

// BackupExportEnabled uploads the full-refresh backup workbook to BACKUP_BUCKET.
//
// Set via env:
// - SHEET_SYNC_BACKUP_EXPORT=true
// - BACKUP_BUCKET=<gcs bucket>
func BackupExportEnabled() bool {
	return envFlag("SHEET_SYNC_BACKUP_EXPORT") && BackupBucket() != ""
}

func BackupBucket() string {
	return strings.TrimSpace(os.Getenv("BACKUP_BUCKET"))
}

// SkipMigrations disables AutoMigrate at startup (schema managed elsewhere).
func SkipMigrations() bool {
	return envFlag("SKIP_MIGRATIONS")
}
