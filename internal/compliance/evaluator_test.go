package compliance

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"corral/internal/events"
	"corral/internal/models"
	"corral/internal/policy"
	"corral/internal/registry"

	"gorm.io/datatypes"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    Store
	policies policy.Store
	registry *registry.Service
	bus      *events.Bus
	eval     *Evaluator
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

	f.eval = NewEvaluator(f.store, resolver, f.registry, f.bus)
	f.eval.SetNow(func() time.Time { return testNow })

	d, err := f.registry.Enroll(registry.EnrollRequest{Serial: "SN-1", DeviceType: "tablet"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	f.device = d.UUID
	return f
}

func (f *fixture) addRule(t *testing.T, pt models.PolicyType, rules map[string]string) {
	t.Helper()
	raw, _ := json.Marshal(rules)
	p := &models.Policy{
		Type:          pt,
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

func (f *fixture) countEvents(kind events.Kind) *int {
	n := new(int)
	f.bus.Subscribe(kind, func(events.Event) { *n++ })
	return n
}

func TestEvaluateConcurrentSingleOpenViolation(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicySecurity, map[string]string{"require_encryption": "1"})
	opened := f.countEvents(events.ViolationOpened)

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.eval.Evaluate(f.device, CheckEncryption, map[string]any{"encryption_enabled": false})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	open, _ := f.store.ListOpen(f.device)
	if len(open) != 1 {
		t.Fatalf("open violations = %d, want 1", len(open))
	}
	if *opened != 1 {
		t.Fatalf("ViolationOpened events = %d, want 1", *opened)
	}
	d, _ := f.registry.Get(f.device)
	if d.Compliant {
		t.Fatal("device still compliant with an open violation")
	}
}

func TestEvaluatePassWithoutConstraint(t *testing.T) {
	f := newFixture(t)

	check, err := f.eval.Evaluate(f.device, CheckPasscode, map[string]any{"passcode_enabled": false})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if check.Result != models.CheckCompliant {
		t.Fatalf("result = %s, want compliant (no constraint)", check.Result)
	}
}

func TestEvaluateOpensViolationOnce(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicySecurity, map[string]string{"require_passcode": "1"})
	opened := f.countEvents(events.ViolationOpened)

	for i := 0; i < 3; i++ {
		check, err := f.eval.Evaluate(f.device, CheckPasscode, map[string]any{"passcode_enabled": false})
		if err != nil {
			t.Fatalf("evaluate #%d: %v", i, err)
		}
		if check.Result != models.CheckNonCompliant {
			t.Fatalf("result = %s, want non_compliant", check.Result)
		}
	}

	open, _ := f.store.ListOpen(f.device)
	if len(open) != 1 {
		t.Fatalf("open violations = %d, want 1", len(open))
	}
	if open[0].Kind != "missing_passcode" || open[0].Severity != models.SeverityHigh {
		t.Fatalf("violation = %+v", open[0])
	}
	if *opened != 1 {
		t.Fatalf("ViolationOpened events = %d, want 1", *opened)
	}

	d, _ := f.registry.Get(f.device)
	if d.Compliant {
		t.Fatal("device still marked compliant")
	}
}

func TestEvaluateClosesViolationOnce(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicySecurity, map[string]string{"require_passcode": "1"})
	closed := f.countEvents(events.ViolationClosed)

	if _, err := f.eval.Evaluate(f.device, CheckPasscode, map[string]any{"passcode_enabled": false}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.eval.Evaluate(f.device, CheckPasscode, map[string]any{"passcode_enabled": true}); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	open, _ := f.store.ListOpen(f.device)
	if len(open) != 0 {
		t.Fatalf("open violations = %d, want 0", len(open))
	}
	if *closed != 1 {
		t.Fatalf("ViolationClosed events = %d, want 1", *closed)
	}

	d, _ := f.registry.Get(f.device)
	if !d.Compliant {
		t.Fatal("device not restored to compliant")
	}
}

func TestEvaluateMalformedReportFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicySecurity, map[string]string{"require_passcode": "1"})

	// establish a clean compliant state first
	if _, err := f.eval.Evaluate(f.device, CheckPasscode, map[string]any{"passcode_enabled": true}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	before, _ := f.store.Checks(f.device)

	_, err := f.eval.Evaluate(f.device, CheckPasscode, map[string]any{"passcode_enabled": "maybe"})
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("err = %v, want ErrEvaluation", err)
	}

	after, _ := f.store.Checks(f.device)
	if len(after) != len(before) {
		t.Fatalf("checks grew on malformed report: %d → %d", len(before), len(after))
	}
	open, _ := f.store.ListOpen(f.device)
	if len(open) != 0 {
		t.Fatal("malformed report opened a violation")
	}
	d, _ := f.registry.Get(f.device)
	if !d.Compliant {
		t.Fatal("malformed report flipped compliance")
	}
}

func TestEvaluateUnknownCheckType(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eval.Evaluate(f.device, "bogus", map[string]any{}); !errors.Is(err, ErrEvaluation) {
		t.Fatalf("err = %v, want ErrEvaluation", err)
	}
}

func TestEvaluateUnknownDevice(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eval.Evaluate("ghost", CheckPasscode, map[string]any{}); !errors.Is(err, registry.ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestEvaluateOSVersion(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicySecurity, map[string]string{"min_os_version": "17.1"})

	tests := []struct {
		ver  string
		want models.CheckResult
	}{
		{"17.1", models.CheckCompliant},
		{"17.2", models.CheckCompliant},
		{"18.0", models.CheckCompliant},
		{"17.0", models.CheckNonCompliant},
		{"16.9", models.CheckNonCompliant},
	}
	for _, tt := range tests {
		t.Run(tt.ver, func(t *testing.T) {
			check, err := f.eval.Evaluate(f.device, CheckOSVersion, map[string]any{"os_version": tt.ver})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if check.Result != tt.want {
				t.Fatalf("os %s: result = %s, want %s", tt.ver, check.Result, tt.want)
			}
		})
	}
}

func TestEvaluateAppInventory(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicyAppControl, map[string]string{"blocked_apps": "game-x,game-y"})

	check, err := f.eval.Evaluate(f.device, CheckAppInventory, map[string]any{
		"apps": []any{"notes", "game-x"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if check.Result != models.CheckNonCompliant {
		t.Fatal("blocked app not flagged")
	}
	open, _ := f.store.ListOpen(f.device)
	if len(open) != 1 || open[0].Kind != "blocked_app" || open[0].Severity != models.SeverityHigh {
		t.Fatalf("violation = %+v", open)
	}
}

func TestEvaluateAllowlist(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, models.PolicyAppControl, map[string]string{
		"enforce_allowlist": "1",
		"allowed_apps":      "notes,calculator",
	})

	check, err := f.eval.Evaluate(f.device, CheckAppInventory, map[string]any{
		"apps": []any{"notes", "doom"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if check.Result != models.CheckNonCompliant {
		t.Fatal("off-allowlist app not flagged")
	}
	open, _ := f.store.ListOpen(f.device)
	if len(open) != 1 || open[0].Kind != "unapproved_app" {
		t.Fatalf("violation = %+v", open)
	}
}

func TestEvaluateViolationKindUpdatesInPlace(t *testing.T) {
	// same (device, checkType) but the failure reason changes: the open row
	// is rewritten, not duplicated
	f := newFixture(t)
	f.addRule(t, models.PolicyAppControl, map[string]string{
		"blocked_apps":      "game-x",
		"enforce_allowlist": "1",
		"allowed_apps":      "notes",
	})

	if _, err := f.eval.Evaluate(f.device, CheckAppInventory, map[string]any{"apps": []any{"game-x"}}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := f.eval.Evaluate(f.device, CheckAppInventory, map[string]any{"apps": []any{"doom"}}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	open, _ := f.store.ListOpen(f.device)
	if len(open) != 1 {
		t.Fatalf("open violations = %d, want 1", len(open))
	}
	if open[0].Kind != "unapproved_app" {
		t.Fatalf("kind = %s, want unapproved_app", open[0].Kind)
	}
}
