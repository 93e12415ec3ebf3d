package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"corral/internal/models"
)

// Store — device persistence contract.
type Store interface {
	Create(d *models.Device) error
	ByUUID(uuid string) (*models.Device, bool, error)
	// ActiveBySerial finds a non-terminal device bound to serial.
	ActiveBySerial(serial string) (*models.Device, bool, error)
	Save(d *models.Device) error
	List(institutionID string) ([]models.Device, error)
	// StaleActive returns enrolled/active devices not heard from since cutoff.
	StaleActive(cutoff time.Time) ([]models.Device, error)
	AppendHistory(h *models.DeviceStatusHistory) error
	History(uuid string) ([]models.DeviceStatusHistory, error)
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type memStore struct {
	mu      sync.RWMutex
	byUUID  map[string]models.Device
	history map[string][]models.DeviceStatusHistory
	nextID  uint
}

func NewMemStore() Store {
	return &memStore{
		byUUID:  make(map[string]models.Device),
		history: make(map[string][]models.DeviceStatusHistory),
	}
}

func (m *memStore) Create(d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	m.byUUID[d.UUID] = *d
	return nil
}

func (m *memStore) ByUUID(uuid string) (*models.Device, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byUUID[uuid]
	if !ok {
		return nil, false, nil
	}
	cp := d
	return &cp, true, nil
}

func (m *memStore) ActiveBySerial(serial string) (*models.Device, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.byUUID {
		if strings.EqualFold(d.Serial, serial) && !d.Status.IsTerminal() {
			cp := d
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) Save(d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = time.Now()
	m.byUUID[d.UUID] = *d
	return nil
}

func (m *memStore) List(institutionID string) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Device, 0, len(m.byUUID))
	for _, d := range m.byUUID {
		if institutionID == "" || d.InstitutionID == institutionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) StaleActive(cutoff time.Time) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Device
	for _, d := range m.byUUID {
		if d.Status != models.DeviceEnrolled && d.Status != models.DeviceActive {
			continue
		}
		if d.LastSeenAt == nil || d.LastSeenAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AppendHistory(h *models.DeviceStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.CreatedAt = time.Now()
	m.history[h.DeviceUUID] = append(m.history[h.DeviceUUID], *h)
	return nil
}

func (m *memStore) History(uuid string) ([]models.DeviceStatusHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DeviceStatusHistory(nil), m.history[uuid]...), nil
}
