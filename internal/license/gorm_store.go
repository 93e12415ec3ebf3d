package license

import (
	"errors"

	"corral/internal/models"

	"gorm.io/gorm"
)

type gormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) CreateLicense(l *models.SoftwareLicense) error {
	return s.db.Create(l).Error
}

func (s *gormStore) SaveLicense(l *models.SoftwareLicense) error {
	return s.db.Save(l).Error
}

func (s *gormStore) GetLicense(id uint) (*models.SoftwareLicense, bool, error) {
	var l models.SoftwareLicense
	err := s.db.First(&l, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &l, true, nil
}

func (s *gormStore) ListLicenses(institutionID string) ([]models.SoftwareLicense, error) {
	var out []models.SoftwareLicense
	q := s.db.Order("id")
	if institutionID != "" {
		q = q.Where("institution_id = ?", institutionID)
	}
	return out, q.Find(&out).Error
}

func (s *gormStore) FindLicense(name, vendor string) (*models.SoftwareLicense, bool, error) {
	var l models.SoftwareLicense
	q := s.db.Where("LOWER(name) = LOWER(?)", name)
	if vendor != "" {
		q = q.Where("LOWER(vendor) = LOWER(?)", vendor)
	}
	err := q.First(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &l, true, nil
}

func (s *gormStore) Installation(deviceUUID, software string) (*models.SoftwareInstallation, bool, error) {
	var i models.SoftwareInstallation
	err := s.db.Where("device_uuid = ? AND software = ?", deviceUUID, software).First(&i).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &i, true, nil
}

func (s *gormStore) CreateInstallation(i *models.SoftwareInstallation) error {
	return s.db.Create(i).Error
}

func (s *gormStore) SaveInstallation(i *models.SoftwareInstallation) error {
	return s.db.Save(i).Error
}

func (s *gormStore) InstallationsForDevice(deviceUUID string) ([]models.SoftwareInstallation, error) {
	var out []models.SoftwareInstallation
	err := s.db.Where("device_uuid = ?", deviceUUID).Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) ActiveCount(licenseID uint) (int, error) {
	var n int64
	err := s.db.Model(&models.SoftwareInstallation{}).
		Where("license_id = ? AND active = ?", licenseID, true).
		Count(&n).Error
	return int(n), err
}

func (s *gormStore) OpenViolation(licenseID uint, kind string) (*models.LicenseViolation, bool, error) {
	var v models.LicenseViolation
	err := s.db.Where("license_id = ? AND kind = ? AND resolved_at IS NULL", licenseID, kind).First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &v, true, nil
}

func (s *gormStore) CreateViolation(v *models.LicenseViolation) error {
	return s.db.Create(v).Error
}

func (s *gormStore) SaveViolation(v *models.LicenseViolation) error {
	return s.db.Save(v).Error
}

func (s *gormStore) ListViolations(licenseID uint) ([]models.LicenseViolation, error) {
	var out []models.LicenseViolation
	err := s.db.Where("license_id = ?", licenseID).Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) CreateRequest(r *models.SoftwareRequest) error {
	return s.db.Create(r).Error
}

func (s *gormStore) GetRequest(id uint) (*models.SoftwareRequest, bool, error) {
	var r models.SoftwareRequest
	err := s.db.First(&r, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &r, true, nil
}

func (s *gormStore) SaveRequest(r *models.SoftwareRequest) error {
	return s.db.Save(r).Error
}

func (s *gormStore) ListRequests(institutionID string) ([]models.SoftwareRequest, error) {
	var out []models.SoftwareRequest
	q := s.db.Order("id")
	if institutionID != "" {
		q = q.Where("institution_id = ?", institutionID)
	}
	return out, q.Find(&out).Error
}
