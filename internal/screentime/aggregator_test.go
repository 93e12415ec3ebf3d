package screentime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"corral/internal/events"
	"corral/internal/models"
	"corral/internal/policy"
	"corral/internal/registry"

	"gorm.io/datatypes"
)

var testNow = time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store    Store
	policies policy.Store
	registry *registry.Service
	bus      *events.Bus
	agg      *Aggregator
	device   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemStore(),
		policies: policy.NewMemStore(),
		bus:      events.NewBus(),
	}
	regStore := registry.NewMemStore()
	f.registry = registry.NewService(regStore, 15*time.Minute)

	resolver := policy.NewResolver(f.policies, regStore, time.Minute)
	resolver.SetNow(func() time.Time { return testNow })

	f.agg = NewAggregator(f.store, resolver, f.registry, f.bus)
	f.agg.SetNow(func() time.Time { return testNow })

	d, err := f.registry.Enroll(registry.EnrollRequest{Serial: "SN-1", DeviceType: "tablet"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	f.device = d.UUID
	return f
}

func (f *fixture) addLimits(t *testing.T, rules map[string]string) {
	t.Helper()
	raw, _ := json.Marshal(rules)
	p := &models.Policy{
		Type:          models.PolicyScreenTime,
		Priority:      10,
		Rules:         datatypes.JSON(raw),
		EffectiveFrom: testNow.Add(-24 * time.Hour),
	}
	if err := f.policies.CreatePolicy(p); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if err := f.policies.CreateAssignment(&models.PolicyAssignment{
		PolicyID: p.ID, ScopeType: models.ScopeAll,
	}); err != nil {
		t.Fatalf("assignment: %v", err)
	}
}

func (f *fixture) today(t *testing.T) *models.ScreenTimeRecord {
	t.Helper()
	rec, found, err := f.store.Record(f.device, testNow.Format(dayLayout))
	if err != nil || !found {
		t.Fatalf("record lookup: found=%v err=%v", found, err)
	}
	return rec
}

func TestRecordUsageAccumulates(t *testing.T) {
	f := newFixture(t)

	if err := f.agg.RecordUsage(f.device, "ev-1", "games", 30, testNow); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := f.agg.RecordUsage(f.device, "ev-2", "education", 25, testNow.Add(10*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := f.agg.RecordUsage(f.device, "ev-3", "games", 5, testNow.Add(20*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := f.today(t)
	if rec.TotalMinutes != 60 {
		t.Fatalf("total = %d, want 60", rec.TotalMinutes)
	}
	cats := map[string]int{}
	_ = json.Unmarshal(rec.Categories, &cats)
	if cats["games"] != 35 || cats["education"] != 25 {
		t.Fatalf("categories = %v", cats)
	}
}

func TestRecordUsageDuplicateEvent(t *testing.T) {
	f := newFixture(t)

	if err := f.agg.RecordUsage(f.device, "ev-1", "games", 30, testNow); err != nil {
		t.Fatalf("record: %v", err)
	}
	// same event re-delivered by a flaky agent
	if err := f.agg.RecordUsage(f.device, "ev-1", "games", 30, testNow); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	if rec := f.today(t); rec.TotalMinutes != 30 {
		t.Fatalf("total = %d, want 30 (no double count)", rec.TotalMinutes)
	}
}

func TestRecordUsageValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.agg.RecordUsage(f.device, "ev-1", "games", 0, testNow); err == nil {
		t.Fatal("zero minutes accepted")
	}
	if err := f.agg.RecordUsage(f.device, "ev-1", "games", -5, testNow); err == nil {
		t.Fatal("negative minutes accepted")
	}
	if err := f.agg.RecordUsage(f.device, "", "games", 5, testNow); err == nil {
		t.Fatal("empty event id accepted")
	}
	if err := f.agg.RecordUsage("ghost", "ev-1", "games", 5, testNow); !errors.Is(err, registry.ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestRecordUsagePastDayRejected(t *testing.T) {
	f := newFixture(t)

	err := f.agg.RecordUsage(f.device, "ev-late", "games", 30, testNow.AddDate(0, 0, -1))
	if !errors.Is(err, ErrSealedPeriod) {
		t.Fatalf("err = %v, want ErrSealedPeriod", err)
	}
	// the late event is still kept for audit, so a re-delivery dedupes
	has, _ := f.store.HasEvent(f.device, "ev-late")
	if !has {
		t.Fatal("late event not persisted")
	}
	if err := f.agg.RecordUsage(f.device, "ev-late", "games", 30, testNow.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("re-delivered late event: %v", err)
	}
}

func TestSealExpired(t *testing.T) {
	f := newFixture(t)
	yesterday := testNow.AddDate(0, 0, -1).Format(dayLayout)
	if err := f.store.CreateRecord(&models.ScreenTimeRecord{
		DeviceUUID: f.device, Day: yesterday, TotalMinutes: 120,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if n := f.agg.SealExpired(); n != 1 {
		t.Fatalf("sealed = %d, want 1", n)
	}
	rec, _, _ := f.store.Record(f.device, yesterday)
	if !rec.Sealed {
		t.Fatal("record not sealed")
	}
	// idempotent
	if n := f.agg.SealExpired(); n != 0 {
		t.Fatalf("second sweep sealed %d", n)
	}
}

func TestCheckLimitNoConstraint(t *testing.T) {
	f := newFixture(t)
	_ = f.agg.RecordUsage(f.device, "ev-1", "games", 500, testNow)

	st, err := f.agg.CheckLimit(f.device)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Exceeded {
		t.Fatal("exceeded without any limit rule")
	}
}

func TestCheckLimitDailyExceeded(t *testing.T) {
	f := newFixture(t)
	f.addLimits(t, map[string]string{"daily_limit_minutes": "60", "enforce_lock": "1"})
	exceeded := 0
	var lastPayload map[string]any
	f.bus.Subscribe(events.LimitExceeded, func(e events.Event) {
		exceeded++
		lastPayload = e.Payload
	})

	_ = f.agg.RecordUsage(f.device, "ev-1", "games", 45, testNow)
	st, err := f.agg.CheckLimit(f.device)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Exceeded {
		t.Fatal("exceeded below the limit")
	}

	_ = f.agg.RecordUsage(f.device, "ev-2", "video", 20, testNow)
	st, _ = f.agg.CheckLimit(f.device)
	if !st.Exceeded || st.TotalMinutes != 65 || st.LimitMinutes != 60 {
		t.Fatalf("status = %+v", st)
	}
	if exceeded != 1 {
		t.Fatalf("LimitExceeded events = %d, want 1", exceeded)
	}
	if enforce, _ := lastPayload["enforce_lock"].(bool); !enforce {
		t.Fatalf("payload = %v, want enforce_lock true", lastPayload)
	}

	// further checks the same day stay quiet
	_ = f.agg.RecordUsage(f.device, "ev-3", "games", 10, testNow)
	if _, err := f.agg.CheckLimit(f.device); err != nil {
		t.Fatalf("check: %v", err)
	}
	if exceeded != 1 {
		t.Fatalf("LimitExceeded events = %d, want 1 per day", exceeded)
	}
}

func TestCheckLimitPerCategory(t *testing.T) {
	f := newFixture(t)
	f.addLimits(t, map[string]string{"category_limits": "games:30,video:60"})

	_ = f.agg.RecordUsage(f.device, "ev-1", "games", 31, testNow)
	_ = f.agg.RecordUsage(f.device, "ev-2", "video", 10, testNow)

	st, err := f.agg.CheckLimit(f.device)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !st.Exceeded {
		t.Fatal("category limit not detected")
	}
	if len(st.ExceededCategories) != 1 || st.ExceededCategories[0] != "games" {
		t.Fatalf("exceeded categories = %v, want [games]", st.ExceededCategories)
	}
}
