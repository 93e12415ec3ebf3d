package policy

import (
	"errors"
	"sort"
	"sync"
	"time"

	"corral/internal/models"
)

var ErrPolicyWindowInvalid = errors.New("policy window invalid")

// Scope is one (type, value) pair a device matches.
type Scope struct {
	Type  models.ScopeType
	Value string
}

// Store — policy/assignment/group persistence contract.
type Store interface {
	CreatePolicy(p *models.Policy) error
	UpdatePolicy(p *models.Policy) error
	DeletePolicy(id uint) error
	GetPolicy(id uint) (*models.Policy, bool, error)
	ListPolicies() ([]models.Policy, error)

	CreateAssignment(a *models.PolicyAssignment) error
	DeleteAssignment(id uint) error
	ListAssignments() ([]models.PolicyAssignment, error)
	// AssignmentsForScopes returns assignments whose (type, value) matches any scope.
	AssignmentsForScopes(scopes []Scope) ([]models.PolicyAssignment, error)

	CreateGroup(g *models.Group) error
	ListGroups() ([]models.Group, error)
	AddDeviceToGroup(deviceUUID string, groupID uint) error
	GroupIDs(deviceUUID string) ([]uint, error)
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type memStore struct {
	mu           sync.RWMutex
	policies     map[uint]models.Policy
	assignments  map[uint]models.PolicyAssignment
	groups       map[uint]models.Group
	deviceGroups map[string][]uint
	nextID       uint
}

func NewMemStore() Store {
	return &memStore{
		policies:     make(map[uint]models.Policy),
		assignments:  make(map[uint]models.PolicyAssignment),
		groups:       make(map[uint]models.Group),
		deviceGroups: make(map[string][]uint),
	}
}

func (m *memStore) id() uint { m.nextID++; return m.nextID }

func (m *memStore) CreatePolicy(p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	m.policies[p.ID] = *p
	return nil
}

func (m *memStore) UpdatePolicy(p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		return errors.New("not found")
	}
	p.UpdatedAt = time.Now()
	m.policies[p.ID] = *p
	return nil
}

func (m *memStore) DeletePolicy(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, id)
	return nil
}

func (m *memStore) GetPolicy(id uint) (*models.Policy, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, false, nil
	}
	cp := p
	return &cp, true, nil
}

func (m *memStore) ListPolicies() ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateAssignment(a *models.PolicyAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	a.CreatedAt = time.Now()
	m.assignments[a.ID] = *a
	return nil
}

func (m *memStore) DeleteAssignment(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, id)
	return nil
}

func (m *memStore) ListAssignments() ([]models.PolicyAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PolicyAssignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AssignmentsForScopes(scopes []Scope) ([]models.PolicyAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PolicyAssignment
	for _, a := range m.assignments {
		for _, s := range scopes {
			if a.ScopeType == s.Type && (a.ScopeType == models.ScopeAll || a.ScopeValue == s.Value) {
				out = append(out, a)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateGroup(g *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	g.CreatedAt = time.Now()
	m.groups[g.ID] = *g
	return nil
}

func (m *memStore) ListGroups() ([]models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AddDeviceToGroup(deviceUUID string, groupID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.deviceGroups[deviceUUID] {
		if id == groupID {
			return nil
		}
	}
	m.deviceGroups[deviceUUID] = append(m.deviceGroups[deviceUUID], groupID)
	return nil
}

func (m *memStore) GroupIDs(deviceUUID string) ([]uint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint(nil), m.deviceGroups[deviceUUID]...), nil
}
