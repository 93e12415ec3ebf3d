package db

import (
	"fmt"

	"corral/internal/models"

	"gorm.io/gorm"
)

// AutoMigrate creates/updates every domain table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		// registry
		&models.Device{},
		&models.DeviceStatusHistory{},
		&models.Group{},
		&models.DeviceGroup{},

		// policy
		&models.Policy{},
		&models.PolicyAssignment{},

		// compliance
		&models.ComplianceCheck{},
		&models.ComplianceViolation{},

		// remote actions
		&models.RemoteAction{},

		// screen time
		&models.ScreenTimeRecord{},
		&models.UsageEvent{},

		// licensing
		&models.SoftwareLicense{},
		&models.SoftwareInstallation{},
		&models.LicenseViolation{},
		&models.SoftwareRequest{},
	)
}

// MigrateOpenViolationIndex enforces "one open violation per (device, check
// type)" at the storage level where the dialect supports partial indexes.
// MySQL has no partial unique index; there the write boundary alone guards
// the invariant.
func MigrateOpenViolationIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	switch db.Dialector.Name() {
	case "postgres":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_violations_open
			ON "compliance_violations" ("device_uuid", "check_type")
			WHERE "resolved_at" IS NULL AND "deleted_at" IS NULL`).Error
	case "mysql":
		return nil
	case "sqlite":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_violations_open
			ON compliance_violations (device_uuid, check_type)
			WHERE resolved_at IS NULL AND deleted_at IS NULL`).Error
	default:
		return fmt.Errorf("unsupported dialect: %s", db.Dialector.Name())
	}
}
