package models

import (
	"time"

	"gorm.io/gorm"
)

// SoftwareLicense — purchased seats for one software product. UsedSeats is
// recomputed from active installations by reconciliation; 0 ≤ UsedSeats ≤
// TotalSeats is the target state, violations flag departures from it.
type SoftwareLicense struct {
	gorm.Model
	InstitutionID string `gorm:"type:varchar(64);index"`
	Name          string `gorm:"type:varchar(128);index:idx_lic_product,priority:1"`
	Vendor        string `gorm:"type:varchar(128);index:idx_lic_product,priority:2"`
	TotalSeats    int
	UsedSeats     int `gorm:"default:0"`
	ExpiresAt     *time.Time
}

func (l SoftwareLicense) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// SoftwareInstallation — one piece of software observed on one device.
// LicenseID is set when the installation was matched to a license by
// name/vendor; Active flips to false when the agent stops reporting it.
type SoftwareInstallation struct {
	gorm.Model
	DeviceUUID string `gorm:"type:char(36);index:idx_inst_key,priority:1"`
	Software   string `gorm:"type:varchar(128);index:idx_inst_key,priority:2"`
	Vendor     string `gorm:"type:varchar(128)"`
	Version    string `gorm:"type:varchar(64)"`
	LicenseID  *uint  `gorm:"index"`
	Active     bool   `gorm:"default:true"`
	ReportedAt time.Time
}

const (
	LicViolationSeatExceeded = "seat_exceeded"
	LicViolationExpired      = "expired_license"
)

// LicenseViolation — advisory, durable. Open iff ResolvedAt is nil.
type LicenseViolation struct {
	gorm.Model
	LicenseID  uint   `gorm:"index"`
	Kind       string `gorm:"type:varchar(32);index"`
	Detail     string `gorm:"type:text"`
	OpenedAt   time.Time
	ResolvedAt *time.Time
}

type RequestStatus string

const (
	RequestRequested RequestStatus = "requested"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestPurchased RequestStatus = "purchased"
	RequestDeployed  RequestStatus = "deployed"
)

// SoftwareRequest — request→approve/reject→purchased→deployed workflow.
// Approval decisions come from an external collaborator; we persist and
// validate the state progression.
type SoftwareRequest struct {
	gorm.Model
	InstitutionID string        `gorm:"type:varchar(64);index"`
	Software      string        `gorm:"type:varchar(128)"`
	Vendor        string        `gorm:"type:varchar(128)"`
	RequestedBy   string        `gorm:"type:varchar(64)"`
	Status        RequestStatus `gorm:"type:varchar(16);index;default:'requested'"`
	Notes         string        `gorm:"type:text"`
}
