package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceEnrolled DeviceStatus = "enrolled"
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
	DeviceLost     DeviceStatus = "lost"
	DeviceStolen   DeviceStatus = "stolen"
	DeviceWiped    DeviceStatus = "wiped"
	DeviceRetired  DeviceStatus = "retired"
)

// IsTerminal reports whether s is an end state. A device in a terminal
// state never transitions again; re-enrollment creates a new Device row.
func (s DeviceStatus) IsTerminal() bool {
	return s == DeviceWiped || s == DeviceRetired
}

// Device — an enrolled end-user device (tablet/laptop/phone).
type Device struct {
	gorm.Model
	UUID          string `gorm:"type:char(36);uniqueIndex;not null"`
	DeviceKey     string `gorm:"column:device_key;index"`
	Serial        string `gorm:"type:varchar(128);index"`
	Name          string `gorm:"type:text"`
	InstitutionID string `gorm:"type:varchar(64);index"`
	OwnerUserID   string `gorm:"type:varchar(64);index"` // optional
	DeviceType    string `gorm:"type:varchar(32);index"` // tablet|laptop|phone
	Platform      string `gorm:"type:varchar(32)"`
	OSVersion     string `gorm:"type:varchar(64)"`

	Status     DeviceStatus `gorm:"type:varchar(16);index;default:'enrolled'"`
	LastSeenAt *time.Time
	Latitude   *float64
	Longitude  *float64
	BatteryPct *int
	StorageMB  *int
	Compliant  bool           `gorm:"default:true"`
	Apps       datatypes.JSON `gorm:"type:json"` // installed-app inventory: [{"name":..,"vendor":..,"version":..}]
}

// AppInfo is one entry of the Device.Apps inventory.
type AppInfo struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor,omitempty"`
	Version string `json:"version,omitempty"`
}

type DeviceStatusHistory struct {
	gorm.Model
	DeviceUUID string       `gorm:"type:char(36);index"`
	FromStatus DeviceStatus `gorm:"type:varchar(16)"`
	ToStatus   DeviceStatus `gorm:"type:varchar(16)"`
	Reason     string       `gorm:"type:varchar(255)"`
}

type Group struct {
	gorm.Model
	InstitutionID string `gorm:"type:varchar(64);index"`
	Name          string `gorm:"uniqueIndex"`
}

type DeviceGroup struct {
	gorm.Model
	DeviceUUID string `gorm:"type:char(36);index"`
	GroupID    uint   `gorm:"index"`
}
