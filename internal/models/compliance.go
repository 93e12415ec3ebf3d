package models

import (
	"time"

	"gorm.io/gorm"
)

type CheckResult string

const (
	CheckCompliant    CheckResult = "compliant"
	CheckNonCompliant CheckResult = "non_compliant"
	CheckUnknown      CheckResult = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ComplianceCheck — point-in-time evaluation of one check type on one device.
type ComplianceCheck struct {
	gorm.Model
	DeviceUUID string      `gorm:"type:char(36);index"`
	CheckType  string      `gorm:"type:varchar(32);index"`
	Result     CheckResult `gorm:"type:varchar(16)"`
	Detail     string      `gorm:"type:text"`
	PolicyID   uint        `gorm:"index"` // policy whose rule drove the check, 0 if none
	CheckedAt  time.Time
}

// ComplianceViolation — durable record opened on a failed check. Open iff
// ResolvedAt is nil; at most one open row per (DeviceUUID, CheckType),
// enforced at the write boundary.
type ComplianceViolation struct {
	gorm.Model
	DeviceUUID string   `gorm:"type:char(36);index:idx_viol_key,priority:1"`
	CheckType  string   `gorm:"type:varchar(32);index:idx_viol_key,priority:2"`
	Kind       string   `gorm:"type:varchar(64)"`
	Severity   Severity `gorm:"type:varchar(16)"`
	Detail     string   `gorm:"type:text"`
	PolicyID   uint     `gorm:"index"`
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

func (v ComplianceViolation) Open() bool { return v.ResolvedAt == nil }
