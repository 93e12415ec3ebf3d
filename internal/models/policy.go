package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PolicyType string

const (
	PolicySecurity      PolicyType = "security"
	PolicyAppControl    PolicyType = "app_control"
	PolicyContentFilter PolicyType = "content_filter"
	PolicyScreenTime    PolicyType = "screen_time"
)

type ScopeType string

const (
	ScopeDevice     ScopeType = "device"
	ScopeUser       ScopeType = "user"
	ScopeGroup      ScopeType = "group"
	ScopeDeviceType ScopeType = "device_type"
	ScopeAll        ScopeType = "all"
)

// Policy — a scoped rule set. Rules is a flat key→value object whose keys
// are validated against the ruleschema catalog for the policy type.
type Policy struct {
	gorm.Model
	InstitutionID string         `gorm:"type:varchar(64);index"`
	Name          string         `gorm:"type:varchar(128)"`
	Type          PolicyType     `gorm:"type:varchar(24);index"`
	Priority      int            `gorm:"default:0;index"`
	Rules         datatypes.JSON `gorm:"type:json"`
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = no end
}

// ActiveAt reports whether the policy window [EffectiveFrom, EffectiveTo)
// covers t.
func (p Policy) ActiveAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && !t.Before(*p.EffectiveTo) {
		return false
	}
	return true
}

// PolicyAssignment binds a policy to a concrete target. ScopeValue holds
// the device UUID, user ID, group ID (decimal) or device type depending on
// ScopeType; empty for ScopeAll.
type PolicyAssignment struct {
	gorm.Model
	PolicyID   uint      `gorm:"index"`
	ScopeType  ScopeType `gorm:"type:varchar(16);index:idx_assign_scope,priority:1"`
	ScopeValue string    `gorm:"type:varchar(64);index:idx_assign_scope,priority:2"`
}
