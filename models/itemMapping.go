package models

import "time"

const (
	MappingProvenanceLocal  = "local"
	MappingProvenanceRemote = "remote"
)

// ItemMapping binds one local budget item to one remote row id.
// Both columns are unique so the table is a partial bijection.
// LocalSyncedAt/RemoteSyncedAt are the timestamps seen at the last merge.
type ItemMapping struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	LocalItemId    uint       `gorm:"uniqueIndex:idx_item_mapping_local;not null" json:"local_item_id"`
	RemoteItemId   string     `gorm:"uniqueIndex:idx_item_mapping_remote;size:128;not null" json:"remote_item_id"`
	Provenance     string     `gorm:"size:10;not null" json:"provenance"`
	AssignedAt     time.Time  `gorm:"not null" json:"assigned_at"`
	LocalSyncedAt  *time.Time `json:"local_synced_at"`
	RemoteSyncedAt *time.Time `json:"remote_synced_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
