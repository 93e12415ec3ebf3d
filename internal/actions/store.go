package actions

import (
	"sort"
	"sync"
	"time"

	"corral/internal/models"
)

// Store — remote action persistence contract.
type Store interface {
	Create(a *models.RemoteAction) error
	ByUUID(uuid string) (*models.RemoteAction, bool, error)
	Save(a *models.RemoteAction) error
	ListForDevice(deviceUUID string) ([]models.RemoteAction, error)
	// DuePending returns pending actions whose next attempt time has passed.
	DuePending(now time.Time) ([]models.RemoteAction, error)
	// ExpiredExecuting returns executing actions past their ack deadline.
	ExpiredExecuting(now time.Time) ([]models.RemoteAction, error)
	PendingForDevice(deviceUUID string) ([]models.RemoteAction, error)
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type memStore struct {
	mu     sync.RWMutex
	byUUID map[string]models.RemoteAction
	nextID uint
}

func NewMemStore() Store {
	return &memStore{byUUID: make(map[string]models.RemoteAction)}
}

func (m *memStore) Create(a *models.RemoteAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	a.CreatedAt = time.Now()
	m.byUUID[a.UUID] = *a
	return nil
}

func (m *memStore) ByUUID(uuid string) (*models.RemoteAction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byUUID[uuid]
	if !ok {
		return nil, false, nil
	}
	cp := a
	return &cp, true, nil
}

func (m *memStore) Save(a *models.RemoteAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.UpdatedAt = time.Now()
	m.byUUID[a.UUID] = *a
	return nil
}

func (m *memStore) ListForDevice(deviceUUID string) ([]models.RemoteAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RemoteAction
	for _, a := range m.byUUID {
		if a.DeviceUUID == deviceUUID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DuePending(now time.Time) ([]models.RemoteAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RemoteAction
	for _, a := range m.byUUID {
		if a.State != models.ActionPending {
			continue
		}
		if a.NextAttemptAt == nil || !a.NextAttemptAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ExpiredExecuting(now time.Time) ([]models.RemoteAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RemoteAction
	for _, a := range m.byUUID {
		if a.State == models.ActionExecuting && a.AckDeadline != nil && a.AckDeadline.Before(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) PendingForDevice(deviceUUID string) ([]models.RemoteAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RemoteAction
	for _, a := range m.byUUID {
		if a.DeviceUUID == deviceUUID && a.State == models.ActionPending {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
