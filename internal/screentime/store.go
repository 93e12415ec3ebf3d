package screentime

import (
	"sort"
	"sync"
	"time"

	"corral/internal/models"
)

// Store — screen time persistence contract. Records are keyed (device, day).
type Store interface {
	Record(deviceUUID, day string) (*models.ScreenTimeRecord, bool, error)
	CreateRecord(rec *models.ScreenTimeRecord) error
	SaveRecord(rec *models.ScreenTimeRecord) error
	HasEvent(deviceUUID, eventID string) (bool, error)
	SaveEvent(e *models.UsageEvent) error
	// UnsealedBefore returns unsealed records for days strictly before day.
	UnsealedBefore(day string) ([]models.ScreenTimeRecord, error)
	Records(deviceUUID string) ([]models.ScreenTimeRecord, error)
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type recordKey struct{ device, day string }
type eventKey struct{ device, event string }

type memStore struct {
	mu      sync.RWMutex
	records map[recordKey]models.ScreenTimeRecord
	events  map[eventKey]models.UsageEvent
	nextID  uint
}

func NewMemStore() Store {
	return &memStore{
		records: make(map[recordKey]models.ScreenTimeRecord),
		events:  make(map[eventKey]models.UsageEvent),
	}
}

func (m *memStore) Record(deviceUUID, day string) (*models.ScreenTimeRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[recordKey{deviceUUID, day}]
	if !ok {
		return nil, false, nil
	}
	cp := r
	return &cp, true, nil
}

func (m *memStore) CreateRecord(rec *models.ScreenTimeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now()
	m.records[recordKey{rec.DeviceUUID, rec.Day}] = *rec
	return nil
}

func (m *memStore) SaveRecord(rec *models.ScreenTimeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now()
	m.records[recordKey{rec.DeviceUUID, rec.Day}] = *rec
	return nil
}

func (m *memStore) HasEvent(deviceUUID, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventKey{deviceUUID, eventID}]
	return ok, nil
}

func (m *memStore) SaveEvent(e *models.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	m.events[eventKey{e.DeviceUUID, e.EventID}] = *e
	return nil
}

func (m *memStore) UnsealedBefore(day string) ([]models.ScreenTimeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ScreenTimeRecord
	for _, r := range m.records {
		if !r.Sealed && r.Day < day {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Records(deviceUUID string) ([]models.ScreenTimeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ScreenTimeRecord
	for _, r := range m.records {
		if r.DeviceUUID == deviceUUID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}
