package database

import "time"

// Counter is a fixed-window counter row. A row whose ExpiresAt is in the
// past is treated as absent.
type Counter struct {
	Key       string    `gorm:"primaryKey;size:255" json:"key"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}

// ListEntry is one element of a capped list. Newer entries have larger IDs.
type ListEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ListKey   string    `gorm:"not null;index;size:255" json:"list_key"`
	Value     []byte    `gorm:"not null" json:"value"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
