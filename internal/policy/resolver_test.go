package policy

import (
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"corral/internal/models"
	"corral/internal/registry"

	"gorm.io/datatypes"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    Store
	devices  registry.Store
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemStore(),
		devices: registry.NewMemStore(),
	}
	f.resolver = NewResolver(f.store, f.devices, 5*time.Minute)
	f.resolver.SetNow(func() time.Time { return testNow })
	return f
}

func (f *fixture) addDevice(t *testing.T, uuid, deviceType, owner string) {
	t.Helper()
	if err := f.devices.Create(&models.Device{
		UUID:        uuid,
		Serial:      "SN-" + uuid,
		DeviceType:  deviceType,
		OwnerUserID: owner,
		Status:      models.DeviceActive,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
}

func (f *fixture) addPolicy(t *testing.T, pt models.PolicyType, prio int, createdAt time.Time, rules map[string]string, scope Scope) uint {
	t.Helper()
	raw, _ := json.Marshal(rules)
	p := &models.Policy{
		Name:          "p",
		Type:          pt,
		Priority:      prio,
		Rules:         datatypes.JSON(raw),
		EffectiveFrom: testNow.Add(-24 * time.Hour),
	}
	p.CreatedAt = createdAt
	if err := f.store.CreatePolicy(p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if err := f.store.CreateAssignment(&models.PolicyAssignment{
		PolicyID: p.ID, ScopeType: scope.Type, ScopeValue: scope.Value,
	}); err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return p.ID
}

func TestResolveEmptySet(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.Empty() {
		t.Fatalf("set not empty: %+v", set.Rules)
	}
}

func TestResolveUnknownDevice(t *testing.T) {
	f := newFixture(t)
	if _, err := f.resolver.Resolve("ghost"); !errors.Is(err, registry.ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestResolveNarrowScopeWinsByPriority(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")

	created := testNow.Add(-48 * time.Hour)
	fleetID := f.addPolicy(t, models.PolicyScreenTime, 10, created,
		map[string]string{"daily_limit_minutes": "120"}, Scope{Type: models.ScopeAll})
	devID := f.addPolicy(t, models.PolicyScreenTime, 50, created,
		map[string]string{"daily_limit_minutes": "60"}, Scope{Type: models.ScopeDevice, Value: "d1"})

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rule, ok := set.Rule(models.PolicyScreenTime, "daily_limit_minutes")
	if !ok {
		t.Fatal("rule missing")
	}
	if rule.Value != "60" || rule.PolicyID != devID {
		t.Fatalf("winner = %q from policy %d, want 60 from %d (loser %d)", rule.Value, rule.PolicyID, devID, fleetID)
	}
}

func TestResolvePriorityTieNewestWins(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")

	f.addPolicy(t, models.PolicySecurity, 20, testNow.Add(-72*time.Hour),
		map[string]string{"min_os_version": "16.0"}, Scope{Type: models.ScopeAll})
	newer := f.addPolicy(t, models.PolicySecurity, 20, testNow.Add(-1*time.Hour),
		map[string]string{"min_os_version": "17.0"}, Scope{Type: models.ScopeAll})

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rule, _ := set.Rule(models.PolicySecurity, "min_os_version")
	if rule.Value != "17.0" || rule.PolicyID != newer {
		t.Fatalf("winner = %q from %d, want 17.0 from %d", rule.Value, rule.PolicyID, newer)
	}
}

func TestResolveMergesAcrossKeys(t *testing.T) {
	// non-conflicting keys from different policies coexist in one set
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "u1")

	created := testNow.Add(-24 * time.Hour)
	f.addPolicy(t, models.PolicySecurity, 10, created,
		map[string]string{"require_passcode": "1"}, Scope{Type: models.ScopeAll})
	f.addPolicy(t, models.PolicySecurity, 30, created,
		map[string]string{"require_encryption": "1"}, Scope{Type: models.ScopeUser, Value: "u1"})

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r, ok := set.Rule(models.PolicySecurity, "require_passcode"); !ok || r.Value != "1" {
		t.Fatalf("require_passcode = %+v", r)
	}
	if r, ok := set.Rule(models.PolicySecurity, "require_encryption"); !ok || r.Value != "1" {
		t.Fatalf("require_encryption = %+v", r)
	}
}

func TestResolveSkipsInactiveWindow(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")

	raw, _ := json.Marshal(map[string]string{"require_passcode": "1"})
	ended := testNow.Add(-1 * time.Hour)
	p := &models.Policy{
		Type:          models.PolicySecurity,
		Rules:         datatypes.JSON(raw),
		EffectiveFrom: testNow.Add(-48 * time.Hour),
		EffectiveTo:   &ended,
	}
	if err := f.store.CreatePolicy(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = f.store.CreateAssignment(&models.PolicyAssignment{PolicyID: p.ID, ScopeType: models.ScopeAll})

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.Empty() {
		t.Fatal("expired policy leaked into the set")
	}
}

func TestResolveGroupScope(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")

	g := &models.Group{Name: "grade-7"}
	if err := f.store.CreateGroup(g); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := f.store.AddDeviceToGroup("d1", g.ID); err != nil {
		t.Fatalf("membership: %v", err)
	}
	f.addPolicy(t, models.PolicyAppControl, 10, testNow.Add(-24*time.Hour),
		map[string]string{"blocked_apps": "game-a,game-b"},
		Scope{Type: models.ScopeGroup, Value: strconv.FormatUint(uint64(g.ID), 10)})

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := set.Rule(models.PolicyAppControl, "blocked_apps"); !ok {
		t.Fatal("group-scoped rule missing")
	}
}

func TestResolveDeterministic(t *testing.T) {
	build := func() EffectivePolicySet {
		f := newFixture(t)
		f.addDevice(t, "d1", "tablet", "u1")
		created := testNow.Add(-24 * time.Hour)
		f.addPolicy(t, models.PolicyScreenTime, 10, created,
			map[string]string{"daily_limit_minutes": "180", "enforce_lock": "0"}, Scope{Type: models.ScopeAll})
		f.addPolicy(t, models.PolicyScreenTime, 10, created,
			map[string]string{"daily_limit_minutes": "90", "enforce_lock": "1"},
			Scope{Type: models.ScopeDeviceType, Value: "tablet"})
		f.addPolicy(t, models.PolicySecurity, 5, created,
			map[string]string{"require_passcode": "1"}, Scope{Type: models.ScopeUser, Value: "u1"})

		set, err := f.resolver.Resolve("d1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		return set
	}

	a, b := build(), build()
	if !reflect.DeepEqual(a.Rules, b.Rules) {
		t.Fatalf("resolution not deterministic:\n%+v\n%+v", a.Rules, b.Rules)
	}
}

func TestResolveCacheAndInvalidation(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")
	f.addPolicy(t, models.PolicyScreenTime, 10, testNow.Add(-24*time.Hour),
		map[string]string{"daily_limit_minutes": "120"}, Scope{Type: models.ScopeAll})

	set, err := f.resolver.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r, _ := set.Rule(models.PolicyScreenTime, "daily_limit_minutes"); r.Value != "120" {
		t.Fatalf("limit = %q, want 120", r.Value)
	}

	// a higher-priority policy lands, but the cache still answers
	f.addPolicy(t, models.PolicyScreenTime, 99, testNow,
		map[string]string{"daily_limit_minutes": "30"}, Scope{Type: models.ScopeDevice, Value: "d1"})
	set, _ = f.resolver.Resolve("d1")
	if r, _ := set.Rule(models.PolicyScreenTime, "daily_limit_minutes"); r.Value != "120" {
		t.Fatalf("cached limit = %q, want 120", r.Value)
	}

	f.resolver.InvalidateAll()
	set, _ = f.resolver.Resolve("d1")
	if r, _ := set.Rule(models.PolicyScreenTime, "daily_limit_minutes"); r.Value != "30" {
		t.Fatalf("limit after invalidation = %q, want 30", r.Value)
	}
}

func TestResolveCacheTTLExpiry(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "d1", "tablet", "")
	f.addPolicy(t, models.PolicyScreenTime, 10, testNow.Add(-24*time.Hour),
		map[string]string{"daily_limit_minutes": "120"}, Scope{Type: models.ScopeAll})

	if _, err := f.resolver.Resolve("d1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.addPolicy(t, models.PolicyScreenTime, 99, testNow,
		map[string]string{"daily_limit_minutes": "30"}, Scope{Type: models.ScopeDevice, Value: "d1"})

	// past the TTL the stale entry must be recomputed without any invalidation
	f.resolver.SetNow(func() time.Time { return testNow.Add(6 * time.Minute) })
	set, _ := f.resolver.Resolve("d1")
	if r, _ := set.Rule(models.PolicyScreenTime, "daily_limit_minutes"); r.Value != "30" {
		t.Fatalf("limit after ttl = %q, want 30", r.Value)
	}
}
