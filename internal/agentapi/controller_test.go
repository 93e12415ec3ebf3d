package agentapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"corral/internal/actions"
	"corral/internal/compliance"
	"corral/internal/events"
	"corral/internal/license"
	"corral/internal/models"
	"corral/internal/policy"
	"corral/internal/registry"
	"corral/internal/screentime"

	"github.com/gorilla/mux"
)

const testSecret = "fleet-secret"

type fixture struct {
	router     *mux.Router
	registry   *registry.Service
	dispatcher *actions.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus()
	regStore := registry.NewMemStore()
	reg := registry.NewService(regStore, 15*time.Minute)
	resolver := policy.NewResolver(policy.NewMemStore(), regStore, time.Minute)
	eval := compliance.NewEvaluator(compliance.NewMemStore(), resolver, reg, bus)
	disp := actions.NewDispatcher(actions.NewMemStore(), reg, nil, bus, actions.Config{
		AckDeadline: 2 * time.Minute,
		RetryBudget: 2,
		BackoffBase: 30 * time.Second,
		BackoffCap:  10 * time.Minute,
	})
	agg := screentime.NewAggregator(screentime.NewMemStore(), resolver, reg, bus)
	trk := license.NewTracker(license.NewMemStore(), bus)

	router := mux.NewRouter()
	NewController(reg, eval, disp, agg, trk, testSecret).RegisterRoutes(router)
	return &fixture{router: router, registry: reg, dispatcher: disp}
}

func (f *fixture) post(t *testing.T, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) enroll(t *testing.T) (uuid, key string) {
	t.Helper()
	w := f.post(t, "/agent/enroll/", map[string]any{
		"secret": testSecret, "serial": "SN-1", "name": "tablet-1",
		"device_type": "tablet", "platform": "android", "os_version": "14",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enroll status = %d: %s", w.Code, w.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out["uuid"] == "" || out["key"] == "" {
		t.Fatalf("enroll response = %v", out)
	}
	return out["uuid"], out["key"]
}

func TestEnrollRejectsBadSecret(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/agent/enroll/", map[string]any{"secret": "wrong", "serial": "SN-1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestEnrollDuplicateSerial(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)
	w := f.post(t, "/agent/enroll/", map[string]any{"secret": testSecret, "serial": "SN-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestHeartbeatAuth(t *testing.T) {
	f := newFixture(t)
	uuid, key := f.enroll(t)

	w := f.post(t, "/agent/heartbeat/"+uuid+"/", map[string]any{"key": "bogus"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad key status = %d, want 403", w.Code)
	}

	w = f.post(t, "/agent/heartbeat/"+uuid+"/", map[string]any{"key": key, "battery_pct": 80})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out["status"] != "active" {
		t.Fatalf("status after heartbeat = %v, want active", out["status"])
	}

	w = f.post(t, "/agent/heartbeat/unknown-uuid/", map[string]any{"key": key})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d, want 404", w.Code)
	}
}

func TestReportComplianceNoConstraint(t *testing.T) {
	f := newFixture(t)
	uuid, key := f.enroll(t)

	w := f.post(t, "/agent/report-compliance/"+uuid+"/", map[string]any{
		"key": key, "check_type": "passcode",
		"reported": map[string]any{"passcode_enabled": false},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var check models.ComplianceCheck
	_ = json.Unmarshal(w.Body.Bytes(), &check)
	if check.Result != models.CheckCompliant {
		t.Fatalf("result = %s, want compliant without a policy", check.Result)
	}
}

func TestReportComplianceMalformed(t *testing.T) {
	f := newFixture(t)
	uuid, key := f.enroll(t)

	w := f.post(t, "/agent/report-compliance/"+uuid+"/", map[string]any{
		"key": key, "check_type": "no-such-check", "reported": map[string]any{},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestReportUsageAndPollActions(t *testing.T) {
	f := newFixture(t)
	uuid, key := f.enroll(t)

	w := f.post(t, "/agent/report-usage/"+uuid+"/", map[string]any{
		"key": key,
		"events": []map[string]any{
			{"event_id": "ev-1", "category": "games", "minutes": 30, "occurred_at": time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("usage status = %d: %s", w.Code, w.Body.String())
	}

	// queue an action and let the agent discover it
	a, err := f.dispatcher.Request(uuid, models.ActionLock, nil, "admin")
	if err != nil {
		t.Fatalf("request action: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/agent/actions/"+uuid+"/?key="+key, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	var open []models.RemoteAction
	_ = json.Unmarshal(rec.Body.Bytes(), &open)
	if len(open) != 1 || open[0].UUID != a.UUID {
		t.Fatalf("poll = %+v", open)
	}
}

func TestAckAction(t *testing.T) {
	f := newFixture(t)
	uuid, key := f.enroll(t)

	a, err := f.dispatcher.Request(uuid, models.ActionLocate, nil, "admin")
	if err != nil {
		t.Fatalf("request action: %v", err)
	}

	w := f.post(t, "/agent/ack-action/"+a.UUID+"/", map[string]any{
		"key": "bogus", "success": true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad key status = %d, want 403", w.Code)
	}

	w = f.post(t, "/agent/ack-action/"+a.UUID+"/", map[string]any{
		"key": key, "success": true, "result": map[string]any{"lat": 55.75},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d: %s", w.Code, w.Body.String())
	}
	got, _ := f.dispatcher.Get(a.UUID)
	if got.State != models.ActionCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestReportInstallations(t *testing.T) {
	f := newFixture(t)
	uuid, key := f.enroll(t)

	w := f.post(t, "/agent/report-installations/"+uuid+"/", map[string]any{
		"key": key,
		"installations": []map[string]any{
			{"software": "MathWorks", "vendor": "Acme", "version": "2.1"},
		},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
}
