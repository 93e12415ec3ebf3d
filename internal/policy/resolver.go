package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"corral/internal/models"
	"corral/internal/registry"
)

// DeviceSource — the resolver's view of the device registry. Satisfied by
// registry.Store.
type DeviceSource interface {
	ByUUID(uuid string) (*models.Device, bool, error)
}

// ResolvedRule is one winning rule value with its provenance, kept for audit.
type ResolvedRule struct {
	Value    string `json:"value"`
	PolicyID uint   `json:"policy_id"`
	Priority int    `json:"priority"`
}

// EffectivePolicySet is the merged rule set for one device. An empty set is
// the defined "no constraint" result, not an error.
type EffectivePolicySet struct {
	DeviceUUID string                                        `json:"device_uuid"`
	Rules      map[models.PolicyType]map[string]ResolvedRule `json:"rules"`
	ResolvedAt time.Time                                     `json:"resolved_at"`
}

func (s EffectivePolicySet) Rule(pt models.PolicyType, key string) (ResolvedRule, bool) {
	r, ok := s.Rules[pt][key]
	return r, ok
}

func (s EffectivePolicySet) Empty() bool {
	for _, m := range s.Rules {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

type cacheEntry struct {
	set EffectivePolicySet
	at  time.Time
}

// Resolver computes effective policy per device. Resolution is pure given
// the stores' contents; results are cached per device and invalidated
// globally on any policy/assignment write (policies are read-heavy).
type Resolver struct {
	store   Store
	devices DeviceSource
	ttl     time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewResolver(store Store, devices DeviceSource, ttl time.Duration) *Resolver {
	return &Resolver{
		store:   store,
		devices: devices,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func (r *Resolver) InvalidateDevice(deviceUUID string) {
	r.mu.Lock()
	delete(r.cache, deviceUUID)
	r.mu.Unlock()
}

// Resolve returns the effective merged rule set for the device, from cache
// when fresh.
func (r *Resolver) Resolve(deviceUUID string) (EffectivePolicySet, error) {
	r.mu.RLock()
	e, ok := r.cache[deviceUUID]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.at) < r.ttl {
		return e.set, nil
	}

	set, err := r.resolve(deviceUUID)
	if err != nil {
		return EffectivePolicySet{}, err
	}

	r.mu.Lock()
	r.cache[deviceUUID] = cacheEntry{set: set, at: r.now()}
	r.mu.Unlock()
	return set, nil
}

func (r *Resolver) resolve(deviceUUID string) (EffectivePolicySet, error) {
	d, ok, err := r.devices.ByUUID(deviceUUID)
	if err != nil {
		return EffectivePolicySet{}, err
	}
	if !ok {
		return EffectivePolicySet{}, fmt.Errorf("%s: %w", deviceUUID, registry.ErrUnknownDevice)
	}

	scopes := []Scope{
		{Type: models.ScopeDevice, Value: d.UUID},
		{Type: models.ScopeDeviceType, Value: d.DeviceType},
		{Type: models.ScopeAll},
	}
	if d.OwnerUserID != "" {
		scopes = append(scopes, Scope{Type: models.ScopeUser, Value: d.OwnerUserID})
	}
	gids, err := r.store.GroupIDs(d.UUID)
	if err != nil {
		return EffectivePolicySet{}, err
	}
	for _, gid := range gids {
		scopes = append(scopes, Scope{Type: models.ScopeGroup, Value: strconv.FormatUint(uint64(gid), 10)})
	}

	assigns, err := r.store.AssignmentsForScopes(scopes)
	if err != nil {
		return EffectivePolicySet{}, err
	}

	now := r.now()
	type candidate struct {
		policy models.Policy
		rules  map[string]string
	}
	var candidates []candidate
	seen := map[uint]struct{}{}
	for _, a := range assigns {
		if _, dup := seen[a.PolicyID]; dup {
			continue
		}
		seen[a.PolicyID] = struct{}{}
		p, ok, err := r.store.GetPolicy(a.PolicyID)
		if err != nil {
			return EffectivePolicySet{}, err
		}
		if !ok || !p.ActiveAt(now) {
			continue
		}
		rules := map[string]string{}
		if len(p.Rules) > 0 {
			if err := json.Unmarshal(p.Rules, &rules); err != nil {
				return EffectivePolicySet{}, fmt.Errorf("policy %d rules: %w", p.ID, err)
			}
		}
		candidates = append(candidates, candidate{policy: *p, rules: rules})
	}

	// Deterministic merge: apply ascending by (priority, createdAt, id) so
	// the highest priority lands last and wins; priority ties fall to the
	// newest createdAt, then the larger id. Reproducible for audit.
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].policy, candidates[j].policy
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		if !pi.CreatedAt.Equal(pj.CreatedAt) {
			return pi.CreatedAt.Before(pj.CreatedAt)
		}
		return pi.ID < pj.ID
	})

	set := EffectivePolicySet{
		DeviceUUID: deviceUUID,
		Rules:      make(map[models.PolicyType]map[string]ResolvedRule),
		ResolvedAt: now,
	}
	for _, c := range candidates {
		bucket := set.Rules[c.policy.Type]
		if bucket == nil {
			bucket = make(map[string]ResolvedRule)
			set.Rules[c.policy.Type] = bucket
		}
		keys := make([]string, 0, len(c.rules))
		for k := range c.rules {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			bucket[k] = ResolvedRule{
				Value:    c.rules[k],
				PolicyID: c.policy.ID,
				Priority: c.policy.Priority,
			}
		}
	}
	return set, nil
}

// SetNow overrides the clock; tests only.
func (r *Resolver) SetNow(now func() time.Time) { r.now = now }
