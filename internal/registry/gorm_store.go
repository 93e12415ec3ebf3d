package registry

import (
	"errors"
	"time"

	"corral/internal/models"

	"gorm.io/gorm"
)

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(d *models.Device) error {
	return s.db.Create(d).Error
}

func (s *gormStore) ByUUID(uuid string) (*models.Device, bool, error) {
	var m models.Device
	if err := s.db.Where("uuid = ?", uuid).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &m, true, nil
}

func (s *gormStore) ActiveBySerial(serial string) (*models.Device, bool, error) {
	var m models.Device
	err := s.db.
		Where("serial = ? AND status NOT IN ?", serial,
			[]models.DeviceStatus{models.DeviceWiped, models.DeviceRetired}).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &m, true, nil
}

func (s *gormStore) Save(d *models.Device) error {
	return s.db.Save(d).Error
}

func (s *gormStore) List(institutionID string) ([]models.Device, error) {
	var out []models.Device
	q := s.db.Order("id")
	if institutionID != "" {
		q = q.Where("institution_id = ?", institutionID)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *gormStore) StaleActive(cutoff time.Time) ([]models.Device, error) {
	var out []models.Device
	err := s.db.
		Where("status IN ?", []models.DeviceStatus{models.DeviceEnrolled, models.DeviceActive}).
		Where("last_seen_at IS NULL OR last_seen_at < ?", cutoff).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *gormStore) AppendHistory(h *models.DeviceStatusHistory) error {
	return s.db.Create(h).Error
}

func (s *gormStore) History(uuid string) ([]models.DeviceStatusHistory, error) {
	var out []models.DeviceStatusHistory
	err := s.db.Where("device_uuid = ?", uuid).Order("id").Find(&out).Error
	return out, err
}
