package screentime

import (
	"errors"

	"corral/internal/models"

	"gorm.io/gorm"
)

type gormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) Record(deviceUUID, day string) (*models.ScreenTimeRecord, bool, error) {
	var r models.ScreenTimeRecord
	err := s.db.Where("device_uuid = ? AND day = ?", deviceUUID, day).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &r, true, nil
}

func (s *gormStore) CreateRecord(rec *models.ScreenTimeRecord) error {
	return s.db.Create(rec).Error
}

func (s *gormStore) SaveRecord(rec *models.ScreenTimeRecord) error {
	return s.db.Save(rec).Error
}

func (s *gormStore) HasEvent(deviceUUID, eventID string) (bool, error) {
	var e models.UsageEvent
	err := s.db.Where("device_uuid = ? AND event_id = ?", deviceUUID, eventID).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *gormStore) SaveEvent(e *models.UsageEvent) error {
	return s.db.Create(e).Error
}

func (s *gormStore) UnsealedBefore(day string) ([]models.ScreenTimeRecord, error) {
	var out []models.ScreenTimeRecord
	err := s.db.Where("sealed = ? AND day < ?", false, day).Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) Records(deviceUUID string) ([]models.ScreenTimeRecord, error) {
	var out []models.ScreenTimeRecord
	err := s.db.Where("device_uuid = ?", deviceUUID).Order("day").Find(&out).Error
	return out, err
}
