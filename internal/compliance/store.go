package compliance

import (
	"sort"
	"sync"
	"time"

	"corral/internal/models"
)

// Store — compliance persistence contract.
type Store interface {
	SaveCheck(c *models.ComplianceCheck) error
	CreateViolation(v *models.ComplianceViolation) error
	SaveViolation(v *models.ComplianceViolation) error
	// OpenViolation finds the open violation for (device, checkType), if any.
	OpenViolation(deviceUUID, checkType string) (*models.ComplianceViolation, bool, error)
	ListOpen(deviceUUID string) ([]models.ComplianceViolation, error)
	ListOpenAll() ([]models.ComplianceViolation, error)
	Checks(deviceUUID string) ([]models.ComplianceCheck, error)
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type memStore struct {
	mu         sync.RWMutex
	checks     []models.ComplianceCheck
	violations map[uint]models.ComplianceViolation
	nextID     uint
}

func NewMemStore() Store {
	return &memStore{violations: make(map[uint]models.ComplianceViolation)}
}

func (m *memStore) SaveCheck(c *models.ComplianceCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now()
	m.checks = append(m.checks, *c)
	return nil
}

func (m *memStore) CreateViolation(v *models.ComplianceViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	v.ID = m.nextID
	v.CreatedAt = time.Now()
	m.violations[v.ID] = *v
	return nil
}

func (m *memStore) SaveViolation(v *models.ComplianceViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.UpdatedAt = time.Now()
	m.violations[v.ID] = *v
	return nil
}

func (m *memStore) OpenViolation(deviceUUID, checkType string) (*models.ComplianceViolation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.violations {
		if v.DeviceUUID == deviceUUID && v.CheckType == checkType && v.Open() {
			cp := v
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) ListOpen(deviceUUID string) ([]models.ComplianceViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ComplianceViolation
	for _, v := range m.violations {
		if v.DeviceUUID == deviceUUID && v.Open() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListOpenAll() ([]models.ComplianceViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ComplianceViolation
	for _, v := range m.violations {
		if v.Open() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Checks(deviceUUID string) ([]models.ComplianceCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ComplianceCheck
	for _, c := range m.checks {
		if c.DeviceUUID == deviceUUID {
			out = append(out, c)
		}
	}
	return out, nil
}
