// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"
)

// CRDTEntry is one persisted key of a named last-writer-wins map. The
// coordinator flushes dirty entries in batches and reloads the full set on
// startup.
type CRDTEntry struct {
	MapName   string    `gorm:"primaryKey;type:text" json:"map_name"`
	Key       string    `gorm:"primaryKey;type:text" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for CRDTEntry
func (CRDTEntry) TableName() string {
	return "crdt_entries"
}
