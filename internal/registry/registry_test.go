package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"corral/internal/models"
)

func newTestService() *Service {
	return NewService(NewMemStore(), 15*time.Minute)
}

func TestEnrollAndDuplicate(t *testing.T) {
	svc := newTestService()

	d, err := svc.Enroll(EnrollRequest{Serial: "SN-1", Name: "tablet-1"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if d.UUID == "" {
		t.Fatal("enroll: empty uuid")
	}
	if d.Status != models.DeviceEnrolled {
		t.Fatalf("enroll: status = %s, want enrolled", d.Status)
	}

	if _, err := svc.Enroll(EnrollRequest{Serial: "SN-1"}); !errors.Is(err, ErrDuplicateEnrollment) {
		t.Fatalf("second enroll: err = %v, want ErrDuplicateEnrollment", err)
	}
}

func TestEnrollConcurrentSameSerial(t *testing.T) {
	svc := newTestService()

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Enroll(EnrollRequest{Serial: "SN-1"})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrDuplicateEnrollment):
			t.Fatalf("err = %v, want ErrDuplicateEnrollment", err)
		}
	}
	if wins != 1 {
		t.Fatalf("successful enrolls = %d, want 1", wins)
	}
	devices, _ := svc.List("")
	if len(devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(devices))
	}
}

func TestEnrollRequiresSerial(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Enroll(EnrollRequest{}); err == nil {
		t.Fatal("enroll without serial succeeded")
	}
}

func TestReenrollAfterWipe(t *testing.T) {
	svc := newTestService()
	d, err := svc.Enroll(EnrollRequest{Serial: "SN-1"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := svc.Transition(d.UUID, models.DeviceWiped, "test"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	// the serial is free again once the old identity is terminal
	d2, err := svc.Enroll(EnrollRequest{Serial: "SN-1"})
	if err != nil {
		t.Fatalf("re-enroll: %v", err)
	}
	if d2.UUID == d.UUID {
		t.Fatal("re-enroll reused the old identity")
	}
}

func TestHeartbeatActivates(t *testing.T) {
	svc := newTestService()
	d, _ := svc.Enroll(EnrollRequest{Serial: "SN-1"})

	battery := 73
	got, err := svc.RecordHeartbeat(d.UUID, Telemetry{BatteryPct: &battery, OSVersion: "17.2"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got.Status != models.DeviceActive {
		t.Fatalf("status after heartbeat = %s, want active", got.Status)
	}
	if got.BatteryPct == nil || *got.BatteryPct != 73 {
		t.Fatalf("battery = %v, want 73", got.BatteryPct)
	}
	if got.OSVersion != "17.2" {
		t.Fatalf("os = %s, want 17.2", got.OSVersion)
	}
	if got.LastSeenAt == nil {
		t.Fatal("lastSeen not set")
	}

	hist, _ := svc.History(d.UUID)
	if len(hist) != 2 { // enrolled + enrolled→active
		t.Fatalf("history entries = %d, want 2", len(hist))
	}
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		name string
		path []models.DeviceStatus
		to   models.DeviceStatus
		ok   bool
	}{
		{"enrolled to active", nil, models.DeviceActive, true},
		{"enrolled to lost", nil, models.DeviceLost, true},
		{"lost recovered", []models.DeviceStatus{models.DeviceLost}, models.DeviceActive, true},
		{"lost escalates to stolen", []models.DeviceStatus{models.DeviceLost}, models.DeviceStolen, true},
		{"stolen to wiped", []models.DeviceStatus{models.DeviceStolen}, models.DeviceWiped, true},
		{"wiped is terminal", []models.DeviceStatus{models.DeviceWiped}, models.DeviceActive, false},
		{"retired is terminal", []models.DeviceStatus{models.DeviceRetired}, models.DeviceLost, false},
		{"stolen cannot revert to lost", []models.DeviceStatus{models.DeviceStolen}, models.DeviceLost, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService()
			d, _ := svc.Enroll(EnrollRequest{Serial: "SN-1"})
			for _, s := range tt.path {
				if _, err := svc.Transition(d.UUID, s, "setup"); err != nil {
					t.Fatalf("setup transition to %s: %v", s, err)
				}
			}
			_, err := svc.Transition(d.UUID, tt.to, "test")
			if tt.ok && err != nil {
				t.Fatalf("transition: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("transition err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestTransitionSelfIsNoop(t *testing.T) {
	svc := newTestService()
	d, _ := svc.Enroll(EnrollRequest{Serial: "SN-1"})
	if _, err := svc.Transition(d.UUID, models.DeviceEnrolled, "noop"); err != nil {
		t.Fatalf("self transition: %v", err)
	}
	hist, _ := svc.History(d.UUID)
	if len(hist) != 1 {
		t.Fatalf("history entries = %d, want 1 (no-op must not append)", len(hist))
	}
}

func TestTransitionUnknownDevice(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Transition("nope", models.DeviceActive, ""); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestTransitionHooksFire(t *testing.T) {
	svc := newTestService()
	d, _ := svc.Enroll(EnrollRequest{Serial: "SN-1"})

	var fromSeen, toSeen models.DeviceStatus
	calls := 0
	svc.OnTransition(func(uuid string, from, to models.DeviceStatus) {
		if uuid != d.UUID {
			t.Errorf("hook uuid = %s, want %s", uuid, d.UUID)
		}
		fromSeen, toSeen = from, to
		calls++
	})

	if _, err := svc.Transition(d.UUID, models.DeviceRetired, "eol"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if calls != 1 || fromSeen != models.DeviceEnrolled || toSeen != models.DeviceRetired {
		t.Fatalf("hook: calls=%d from=%s to=%s", calls, fromSeen, toSeen)
	}
}

func TestSweepInactive(t *testing.T) {
	svc := newTestService()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	svc.SetNow(func() time.Time { return base })

	stale, _ := svc.Enroll(EnrollRequest{Serial: "SN-stale"})
	fresh, _ := svc.Enroll(EnrollRequest{Serial: "SN-fresh"})
	if _, err := svc.RecordHeartbeat(stale.UUID, Telemetry{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// fresh heartbeats again just before the sweep; stale stays silent
	svc.SetNow(func() time.Time { return base.Add(20 * time.Minute) })
	if _, err := svc.RecordHeartbeat(fresh.UUID, Telemetry{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if n := svc.SweepInactive(); n != 1 {
		t.Fatalf("sweep = %d, want 1", n)
	}
	got, _ := svc.Get(stale.UUID)
	if got.Status != models.DeviceInactive {
		t.Fatalf("stale status = %s, want inactive", got.Status)
	}
	got, _ = svc.Get(fresh.UUID)
	if got.Status != models.DeviceActive {
		t.Fatalf("fresh status = %s, want active", got.Status)
	}

	// an inactive device comes back on its next heartbeat
	svc.SetNow(func() time.Time { return base.Add(30 * time.Minute) })
	back, err := svc.RecordHeartbeat(stale.UUID, Telemetry{})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if back.Status != models.DeviceActive {
		t.Fatalf("status after return = %s, want active", back.Status)
	}
}

func TestSetCompliance(t *testing.T) {
	svc := newTestService()
	d, _ := svc.Enroll(EnrollRequest{Serial: "SN-1"})
	if err := svc.SetCompliance(d.UUID, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := svc.Get(d.UUID)
	if got.Compliant {
		t.Fatal("device still compliant")
	}
}
