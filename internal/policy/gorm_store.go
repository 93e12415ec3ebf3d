package policy

import (
	"errors"

	"corral/internal/models"

	"gorm.io/gorm"
)

type gormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) CreatePolicy(p *models.Policy) error { return s.db.Create(p).Error }
func (s *gormStore) UpdatePolicy(p *models.Policy) error { return s.db.Save(p).Error }
func (s *gormStore) DeletePolicy(id uint) error {
	return s.db.Delete(&models.Policy{}, id).Error
}

func (s *gormStore) GetPolicy(id uint) (*models.Policy, bool, error) {
	var p models.Policy
	if err := s.db.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &p, true, nil
}

func (s *gormStore) ListPolicies() ([]models.Policy, error) {
	var out []models.Policy
	err := s.db.Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) CreateAssignment(a *models.PolicyAssignment) error { return s.db.Create(a).Error }
func (s *gormStore) DeleteAssignment(id uint) error {
	return s.db.Delete(&models.PolicyAssignment{}, id).Error
}

func (s *gormStore) ListAssignments() ([]models.PolicyAssignment, error) {
	var out []models.PolicyAssignment
	err := s.db.Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) AssignmentsForScopes(scopes []Scope) ([]models.PolicyAssignment, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	q := s.db.Session(&gorm.Session{})
	cond := s.db.Where("1 = 0")
	for _, sc := range scopes {
		if sc.Type == models.ScopeAll {
			cond = cond.Or("scope_type = ?", models.ScopeAll)
			continue
		}
		cond = cond.Or("scope_type = ? AND scope_value = ?", sc.Type, sc.Value)
	}
	var out []models.PolicyAssignment
	err := q.Where(cond).Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) CreateGroup(g *models.Group) error { return s.db.Create(g).Error }

func (s *gormStore) ListGroups() ([]models.Group, error) {
	var out []models.Group
	err := s.db.Order("id").Find(&out).Error
	return out, err
}

func (s *gormStore) AddDeviceToGroup(deviceUUID string, groupID uint) error {
	var link models.DeviceGroup
	tx := s.db.Where(&models.DeviceGroup{DeviceUUID: deviceUUID, GroupID: groupID}).First(&link)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			link = models.DeviceGroup{DeviceUUID: deviceUUID, GroupID: groupID}
			return s.db.Create(&link).Error
		}
		return tx.Error
	}
	return nil
}

func (s *gormStore) GroupIDs(deviceUUID string) ([]uint, error) {
	var links []models.DeviceGroup
	if err := s.db.Where("device_uuid = ?", deviceUUID).Order("group_id").Find(&links).Error; err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(links))
	for _, l := range links {
		out = append(out, l.GroupID)
	}
	return out, nil
}
