package compliance

import (
	"errors"

	"corral/internal/models"

	"gorm.io/gorm"
)

type gormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) SaveCheck(c *models.ComplianceCheck) error {
	return s.db.Create(c).Error
}

func (s *gormStore) CreateViolation(v *models.ComplianceViolation) error {
	return s.db.Create(v).Error
}

func (s *gormStore) SaveViolation(v *models.ComplianceViolation) error {
	return s.db.Save(v).Error
}

func (s *gormStore) OpenViolation(deviceUUID, checkType string) (*models.ComplianceViolation, bool, error) {
	var v models.ComplianceViolation
	err := s.db.
		Where("device_uuid = ? AND check_type = ? AND resolved_at IS NULL", deviceUUID, checkType).
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &v, true, nil
}

func (s *gormStore) ListOpen(deviceUUID string) ([]models.ComplianceViolation, error) {
	var out []models.ComplianceViolation
	err := s.db.
		Where("device_uuid = ? AND resolved_at IS NULL", deviceUUID).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *gormStore) ListOpenAll() ([]models.ComplianceViolation, error) {
	var out []models.ComplianceViolation
	err := s.db.Where("resolved_at IS NULL").Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) Checks(deviceUUID string) ([]models.ComplianceCheck, error) {
	var out []models.ComplianceCheck
	err := s.db.Where("device_uuid = ?", deviceUUID).Order("id").Find(&out).Error
	return out, err
}
