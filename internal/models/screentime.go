package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScreenTimeRecord — per-device per-day usage aggregate. Categories holds
// minutes by category as a JSON object. Totals only grow within a day; once
// Sealed the record accepts no further writes.
type ScreenTimeRecord struct {
	gorm.Model
	DeviceUUID   string         `gorm:"type:char(36);index:idx_st_day,priority:1"`
	Day          string         `gorm:"type:char(10);index:idx_st_day,priority:2"` // YYYY-MM-DD
	TotalMinutes int            `gorm:"default:0"`
	Categories   datatypes.JSON `gorm:"type:json"`
	Sealed       bool           `gorm:"default:false"`
	LimitFlagged bool           `gorm:"default:false"` // a LimitExceeded event was already emitted for this day
}

// UsageEvent — raw usage report, kept per (device, event) for dedupe and for
// auditing late arrivals. Applied=false marks events rejected by day-seal.
type UsageEvent struct {
	gorm.Model
	DeviceUUID string `gorm:"type:char(36);index:idx_usage_evt,priority:1"`
	EventID    string `gorm:"type:varchar(64);index:idx_usage_evt,priority:2"`
	Category   string `gorm:"type:varchar(64)"`
	Minutes    int
	OccurredAt time.Time
	Applied    bool `gorm:"default:true"`
}
