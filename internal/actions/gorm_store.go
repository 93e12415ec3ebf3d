package actions

import (
	"errors"
	"time"

	"corral/internal/models"

	"gorm.io/gorm"
)

type gormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) Create(a *models.RemoteAction) error { return s.db.Create(a).Error }

func (s *gormStore) ByUUID(uuid string) (*models.RemoteAction, bool, error) {
	var a models.RemoteAction
	if err := s.db.Where("uuid = ?", uuid).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &a, true, nil
}

func (s *gormStore) Save(a *models.RemoteAction) error { return s.db.Save(a).Error }

func (s *gormStore) ListForDevice(deviceUUID string) ([]models.RemoteAction, error) {
	var out []models.RemoteAction
	err := s.db.Where("device_uuid = ?", deviceUUID).Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) DuePending(now time.Time) ([]models.RemoteAction, error) {
	var out []models.RemoteAction
	err := s.db.
		Where("state = ?", models.ActionPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *gormStore) ExpiredExecuting(now time.Time) ([]models.RemoteAction, error) {
	var out []models.RemoteAction
	err := s.db.
		Where("state = ? AND ack_deadline < ?", models.ActionExecuting, now).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *gormStore) PendingForDevice(deviceUUID string) ([]models.RemoteAction, error) {
	var out []models.RemoteAction
	err := s.db.
		Where("device_uuid = ? AND state = ?", deviceUUID, models.ActionPending).
		Order("id").
		Find(&out).Error
	return out, err
}
