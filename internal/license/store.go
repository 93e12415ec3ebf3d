package license

import (
	"sort"
	"strings"
	"sync"
	"time"

	"corral/internal/models"
)

// Store — licensing persistence contract.
type Store interface {
	CreateLicense(l *models.SoftwareLicense) error
	SaveLicense(l *models.SoftwareLicense) error
	GetLicense(id uint) (*models.SoftwareLicense, bool, error)
	ListLicenses(institutionID string) ([]models.SoftwareLicense, error)
	FindLicense(name, vendor string) (*models.SoftwareLicense, bool, error)

	Installation(deviceUUID, software string) (*models.SoftwareInstallation, bool, error)
	CreateInstallation(i *models.SoftwareInstallation) error
	SaveInstallation(i *models.SoftwareInstallation) error
	InstallationsForDevice(deviceUUID string) ([]models.SoftwareInstallation, error)
	// ActiveCount counts active installations matched to the license.
	ActiveCount(licenseID uint) (int, error)

	OpenViolation(licenseID uint, kind string) (*models.LicenseViolation, bool, error)
	CreateViolation(v *models.LicenseViolation) error
	SaveViolation(v *models.LicenseViolation) error
	ListViolations(licenseID uint) ([]models.LicenseViolation, error)

	CreateRequest(r *models.SoftwareRequest) error
	GetRequest(id uint) (*models.SoftwareRequest, bool, error)
	SaveRequest(r *models.SoftwareRequest) error
	ListRequests(institutionID string) ([]models.SoftwareRequest, error)
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type instKey struct{ device, software string }

type memStore struct {
	mu         sync.RWMutex
	licenses   map[uint]models.SoftwareLicense
	installs   map[instKey]models.SoftwareInstallation
	violations map[uint]models.LicenseViolation
	requests   map[uint]models.SoftwareRequest
	nextID     uint
}

func NewMemStore() Store {
	return &memStore{
		licenses:   make(map[uint]models.SoftwareLicense),
		installs:   make(map[instKey]models.SoftwareInstallation),
		violations: make(map[uint]models.LicenseViolation),
		requests:   make(map[uint]models.SoftwareRequest),
	}
}

func (m *memStore) id() uint { m.nextID++; return m.nextID }

func (m *memStore) CreateLicense(l *models.SoftwareLicense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.id()
	l.CreatedAt = time.Now()
	m.licenses[l.ID] = *l
	return nil
}

func (m *memStore) SaveLicense(l *models.SoftwareLicense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.UpdatedAt = time.Now()
	m.licenses[l.ID] = *l
	return nil
}

func (m *memStore) GetLicense(id uint) (*models.SoftwareLicense, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.licenses[id]
	if !ok {
		return nil, false, nil
	}
	cp := l
	return &cp, true, nil
}

func (m *memStore) ListLicenses(institutionID string) ([]models.SoftwareLicense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SoftwareLicense, 0, len(m.licenses))
	for _, l := range m.licenses {
		if institutionID == "" || l.InstitutionID == institutionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) FindLicense(name, vendor string) (*models.SoftwareLicense, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.licenses {
		if strings.EqualFold(l.Name, name) && (vendor == "" || strings.EqualFold(l.Vendor, vendor)) {
			cp := l
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) Installation(deviceUUID, software string) (*models.SoftwareInstallation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.installs[instKey{deviceUUID, software}]
	if !ok {
		return nil, false, nil
	}
	cp := i
	return &cp, true, nil
}

func (m *memStore) CreateInstallation(i *models.SoftwareInstallation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.ID = m.id()
	i.CreatedAt = time.Now()
	m.installs[instKey{i.DeviceUUID, i.Software}] = *i
	return nil
}

func (m *memStore) SaveInstallation(i *models.SoftwareInstallation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.UpdatedAt = time.Now()
	m.installs[instKey{i.DeviceUUID, i.Software}] = *i
	return nil
}

func (m *memStore) InstallationsForDevice(deviceUUID string) ([]models.SoftwareInstallation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SoftwareInstallation
	for _, i := range m.installs {
		if i.DeviceUUID == deviceUUID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ActiveCount(licenseID uint) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, i := range m.installs {
		if i.Active && i.LicenseID != nil && *i.LicenseID == licenseID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) OpenViolation(licenseID uint, kind string) (*models.LicenseViolation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.violations {
		if v.LicenseID == licenseID && v.Kind == kind && v.ResolvedAt == nil {
			cp := v
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) CreateViolation(v *models.LicenseViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = m.id()
	v.CreatedAt = time.Now()
	m.violations[v.ID] = *v
	return nil
}

func (m *memStore) SaveViolation(v *models.LicenseViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.UpdatedAt = time.Now()
	m.violations[v.ID] = *v
	return nil
}

func (m *memStore) ListViolations(licenseID uint) ([]models.LicenseViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LicenseViolation
	for _, v := range m.violations {
		if v.LicenseID == licenseID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateRequest(r *models.SoftwareRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	r.CreatedAt = time.Now()
	m.requests[r.ID] = *r
	return nil
}

func (m *memStore) GetRequest(id uint) (*models.SoftwareRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, nil
	}
	cp := r
	return &cp, true, nil
}

func (m *memStore) SaveRequest(r *models.SoftwareRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.UpdatedAt = time.Now()
	m.requests[r.ID] = *r
	return nil
}

func (m *memStore) ListRequests(institutionID string) ([]models.SoftwareRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SoftwareRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if institutionID == "" || r.InstitutionID == institutionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
