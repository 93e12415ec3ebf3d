package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActionType string

const (
	ActionLock       ActionType = "lock"
	ActionUnlock     ActionType = "unlock"
	ActionWipe       ActionType = "wipe"
	ActionLocate     ActionType = "locate"
	ActionInstallApp ActionType = "install_app"
	ActionRemoveApp  ActionType = "remove_app"
	ActionPushPolicy ActionType = "push_policy"
)

type ActionState string

const (
	ActionPending   ActionState = "pending"
	ActionExecuting ActionState = "executing"
	ActionCompleted ActionState = "completed"
	ActionFailed    ActionState = "failed"
	ActionTimeout   ActionState = "timeout"
	ActionCancelled ActionState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible. Note that
// failed/timeout are terminal only once the retry budget is spent; the
// dispatcher re-enters pending from them while attempts remain.
func (s ActionState) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// RemoteAction — one requested command against one device. UUID is the
// dedupe key for dispatch and acks.
type RemoteAction struct {
	gorm.Model
	UUID        string         `gorm:"type:char(36);uniqueIndex;not null"`
	DeviceUUID  string         `gorm:"type:char(36);index"`
	Type        ActionType     `gorm:"type:varchar(24)"`
	RequestedBy string         `gorm:"type:varchar(64)"`
	State       ActionState    `gorm:"type:varchar(16);index;default:'pending'"`
	Parameters  datatypes.JSON `gorm:"type:json"`
	Result      datatypes.JSON `gorm:"type:json"` // set only on transition out of executing

	Attempts        int `gorm:"default:0"`
	NextAttemptAt   *time.Time
	AckDeadline     *time.Time
	ExecutedAt      *time.Time
	LastError       string `gorm:"type:text"`
	CancelRequested bool   `gorm:"default:false"`
}
