package compliance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"corral/internal/events"
	"corral/internal/logs"
	"corral/internal/models"
	"corral/internal/policy"
	"corral/internal/registry"

	"gorm.io/datatypes"
)

// ErrEvaluation — malformed compliance report. Fail-closed: no Check is
// written and open Violations stay as they were.
var ErrEvaluation = errors.New("evaluation error")

// Check types accepted from agents.
const (
	CheckPasscode      = "passcode"
	CheckEncryption    = "encryption"
	CheckOSVersion     = "os_version"
	CheckAppInventory  = "app_inventory"
	CheckScreenTime    = "screen_time"
	CheckContentFilter = "content_filter"
)

// severityTable — fixed severity per checkType × violation kind.
var severityTable = map[string]map[string]models.Severity{
	CheckPasscode:      {"missing_passcode": models.SeverityHigh},
	CheckEncryption:    {"missing_encryption": models.SeverityCritical},
	CheckOSVersion:     {"os_outdated": models.SeverityMedium},
	CheckAppInventory:  {"unapproved_app": models.SeverityMedium, "blocked_app": models.SeverityHigh},
	CheckScreenTime:    {"limit_exceeded": models.SeverityLow},
	CheckContentFilter: {"filter_disabled": models.SeverityHigh},
}

func severityFor(checkType, kind string) models.Severity {
	if s, ok := severityTable[checkType][kind]; ok {
		return s
	}
	return models.SeverityMedium
}

type Evaluator struct {
	store    Store
	resolver *policy.Resolver
	registry *registry.Service
	bus      *events.Bus
	now      func() time.Time
}

func NewEvaluator(store Store, resolver *policy.Resolver, reg *registry.Service, bus *events.Bus) *Evaluator {
	return &Evaluator{
		store:    store,
		resolver: resolver,
		registry: reg,
		bus:      bus,
		now:      time.Now,
	}
}

// outcome of comparing a reported state against the resolved constraints.
type outcome struct {
	pass   bool
	kind   string
	detail string
}

// Evaluate compares reportedState against the device's resolved policy for
// checkType, persists a ComplianceCheck and opens/closes the violation for
// (device, checkType).
func (e *Evaluator) Evaluate(deviceUUID, checkType string, reported map[string]any) (*models.ComplianceCheck, error) {
	if _, err := e.registry.Get(deviceUUID); err != nil {
		return nil, err
	}
	set, err := e.resolver.Resolve(deviceUUID)
	if err != nil {
		return nil, err
	}

	out, policyID, err := e.judge(checkType, set, reported)
	if err != nil {
		// fail-closed: prior Check/Violation state untouched
		return nil, fmt.Errorf("%s %s: %w", deviceUUID, checkType, ErrEvaluation)
	}

	// the check row and the violation open/close are check-then-act over the
	// store, so they run under the device lock; the event is published after
	// the lock is released (subscribers re-enter per-device operations)
	unlock := e.registry.Locks().Lock(deviceUUID)
	check, ev, openLeft, err := e.applyLocked(deviceUUID, checkType, out, policyID)
	unlock()
	if err != nil {
		return nil, err
	}
	if openLeft >= 0 {
		if err := e.registry.SetCompliance(deviceUUID, openLeft == 0); err != nil {
			logs.Logger.Warnf("compliance flag %s: %v", deviceUUID, err)
		}
	}
	if ev != nil {
		e.bus.Publish(*ev)
	}
	return check, nil
}

// applyLocked persists the check and opens/closes the violation for the key.
// Caller holds the device lock. Returns the event to publish (nil when the
// violation state did not change) and the open-violation count (-1 when the
// count could not be read).
func (e *Evaluator) applyLocked(deviceUUID, checkType string, out outcome, policyID uint) (*models.ComplianceCheck, *events.Event, int, error) {
	now := e.now()
	result := models.CheckNonCompliant
	if out.pass {
		result = models.CheckCompliant
	}
	check := &models.ComplianceCheck{
		DeviceUUID: deviceUUID,
		CheckType:  checkType,
		Result:     result,
		Detail:     out.detail,
		PolicyID:   policyID,
		CheckedAt:  now,
	}
	if err := e.store.SaveCheck(check); err != nil {
		return nil, nil, -1, err
	}

	var ev *events.Event
	var err error
	if out.pass {
		ev, err = e.closeViolation(deviceUUID, checkType, now)
	} else {
		ev, err = e.openViolation(deviceUUID, checkType, out, policyID, now)
	}
	if err != nil {
		return nil, nil, -1, err
	}

	openLeft := -1
	if open, err := e.store.ListOpen(deviceUUID); err == nil {
		openLeft = len(open)
	}
	return check, ev, openLeft, nil
}

// openViolation opens a new violation or refreshes the already-open one.
// At most one open row exists per (device, checkType).
func (e *Evaluator) openViolation(deviceUUID, checkType string, out outcome, policyID uint, now time.Time) (*events.Event, error) {
	v, exists, err := e.store.OpenViolation(deviceUUID, checkType)
	if err != nil {
		return nil, err
	}
	if exists {
		v.Kind = out.kind
		v.Severity = severityFor(checkType, out.kind)
		v.Detail = out.detail
		return nil, e.store.SaveViolation(v)
	}
	v = &models.ComplianceViolation{
		DeviceUUID: deviceUUID,
		CheckType:  checkType,
		Kind:       out.kind,
		Severity:   severityFor(checkType, out.kind),
		Detail:     out.detail,
		PolicyID:   policyID,
		OpenedAt:   now,
	}
	if err := e.store.CreateViolation(v); err != nil {
		return nil, err
	}
	return &events.Event{
		Kind:     events.ViolationOpened,
		EntityID: deviceUUID,
		At:       now,
		Payload: map[string]any{
			"check_type": checkType,
			"kind":       out.kind,
			"severity":   string(v.Severity),
		},
	}, nil
}

// closeViolation resolves the open violation for the key, exactly once.
func (e *Evaluator) closeViolation(deviceUUID, checkType string, now time.Time) (*events.Event, error) {
	v, exists, err := e.store.OpenViolation(deviceUUID, checkType)
	if err != nil || !exists {
		return nil, err
	}
	v.ResolvedAt = &now
	if err := e.store.SaveViolation(v); err != nil {
		return nil, err
	}
	return &events.Event{
		Kind:     events.ViolationClosed,
		EntityID: deviceUUID,
		At:       now,
		Payload:  map[string]any{"check_type": checkType},
	}, nil
}

// judge evaluates one check type. Returns the outcome and the policy the
// winning rule came from (0 when unconstrained).
func (e *Evaluator) judge(checkType string, set policy.EffectivePolicySet, reported map[string]any) (outcome, uint, error) {
	switch checkType {
	case CheckPasscode:
		rule, ok := set.Rule(models.PolicySecurity, "require_passcode")
		if !ok || rule.Value != "1" {
			return outcome{pass: true, detail: "no constraint"}, 0, nil
		}
		enabled, err := boolField(reported, "passcode_enabled")
		if err != nil {
			return outcome{}, 0, err
		}
		if enabled {
			return outcome{pass: true}, rule.PolicyID, nil
		}
		return outcome{kind: "missing_passcode", detail: "passcode required but not set"}, rule.PolicyID, nil

	case CheckEncryption:
		rule, ok := set.Rule(models.PolicySecurity, "require_encryption")
		if !ok || rule.Value != "1" {
			return outcome{pass: true, detail: "no constraint"}, 0, nil
		}
		enabled, err := boolField(reported, "encryption_enabled")
		if err != nil {
			return outcome{}, 0, err
		}
		if enabled {
			return outcome{pass: true}, rule.PolicyID, nil
		}
		return outcome{kind: "missing_encryption", detail: "storage encryption required but disabled"}, rule.PolicyID, nil

	case CheckOSVersion:
		rule, ok := set.Rule(models.PolicySecurity, "min_os_version")
		if !ok {
			return outcome{pass: true, detail: "no constraint"}, 0, nil
		}
		ver, err := stringField(reported, "os_version")
		if err != nil {
			return outcome{}, 0, err
		}
		if compareVersions(ver, rule.Value) >= 0 {
			return outcome{pass: true}, rule.PolicyID, nil
		}
		return outcome{
			kind:   "os_outdated",
			detail: fmt.Sprintf("os %s below required %s", ver, rule.Value),
		}, rule.PolicyID, nil

	case CheckAppInventory:
		apps, err := stringSliceField(reported, "apps")
		if err != nil {
			return outcome{}, 0, err
		}
		if rule, ok := set.Rule(models.PolicyAppControl, "blocked_apps"); ok {
			blocked := splitSet(rule.Value)
			for _, a := range apps {
				if _, hit := blocked[a]; hit {
					return outcome{kind: "blocked_app", detail: "blocked app installed: " + a}, rule.PolicyID, nil
				}
			}
		}
		if enforce, ok := set.Rule(models.PolicyAppControl, "enforce_allowlist"); ok && enforce.Value == "1" {
			if rule, ok := set.Rule(models.PolicyAppControl, "allowed_apps"); ok {
				allowed := splitSet(rule.Value)
				for _, a := range apps {
					if _, hit := allowed[a]; !hit {
						return outcome{kind: "unapproved_app", detail: "app not on allowlist: " + a}, rule.PolicyID, nil
					}
				}
			}
		}
		return outcome{pass: true}, 0, nil

	case CheckScreenTime:
		rule, ok := set.Rule(models.PolicyScreenTime, "daily_limit_minutes")
		if !ok {
			return outcome{pass: true, detail: "no constraint"}, 0, nil
		}
		total, err := intField(reported, "total_minutes")
		if err != nil {
			return outcome{}, 0, err
		}
		limit, _ := strconv.Atoi(rule.Value)
		if total <= limit {
			return outcome{pass: true}, rule.PolicyID, nil
		}
		return outcome{
			kind:   "limit_exceeded",
			detail: fmt.Sprintf("%d min used, %d allowed", total, limit),
		}, rule.PolicyID, nil

	case CheckContentFilter:
		rule, ok := set.Rule(models.PolicyContentFilter, "safe_search")
		if !ok || rule.Value != "1" {
			return outcome{pass: true, detail: "no constraint"}, 0, nil
		}
		enabled, err := boolField(reported, "safe_search_enabled")
		if err != nil {
			return outcome{}, 0, err
		}
		if enabled {
			return outcome{pass: true}, rule.PolicyID, nil
		}
		return outcome{kind: "filter_disabled", detail: "safe search required but disabled"}, rule.PolicyID, nil

	default:
		return outcome{}, 0, fmt.Errorf("unknown check type %q", checkType)
	}
}

func (e *Evaluator) ListOpen(deviceUUID string) ([]models.ComplianceViolation, error) {
	return e.store.ListOpen(deviceUUID)
}

func (e *Evaluator) ListOpenAll() ([]models.ComplianceViolation, error) {
	return e.store.ListOpenAll()
}

func (e *Evaluator) Checks(deviceUUID string) ([]models.ComplianceCheck, error) {
	return e.store.Checks(deviceUUID)
}

// SweepInventory re-evaluates app_inventory from the registry's stored
// inventory for every non-terminal device (the scheduled path; on-demand
// evaluation happens when reports arrive).
func (e *Evaluator) SweepInventory() {
	devices, err := e.registry.List("")
	if err != nil {
		logs.Logger.Errorf("compliance sweep: %v", err)
		return
	}
	for _, d := range devices {
		if d.Status.IsTerminal() || len(d.Apps) == 0 {
			continue
		}
		apps := parseApps(d.Apps)
		names := make([]any, 0, len(apps))
		for _, a := range apps {
			names = append(names, a.Name)
		}
		if _, err := e.Evaluate(d.UUID, CheckAppInventory, map[string]any{"apps": names}); err != nil {
			logs.Logger.Warnf("sweep evaluate %s: %v", d.UUID, err)
		}
	}
}

// SetNow overrides the clock; tests only.
func (e *Evaluator) SetNow(now func() time.Time) { e.now = now }

func parseApps(raw datatypes.JSON) []models.AppInfo {
	var out []models.AppInfo
	_ = json.Unmarshal(raw, &out)
	return out
}

/* ——— report field helpers ——— */

func boolField(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, fmt.Errorf("missing field %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q: not a bool", key)
	}
	return b, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("field %q: not a string", key)
	}
	return s, nil
}

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64: // JSON numbers decode as float64
		return int(n), nil
	}
	return 0, fmt.Errorf("field %q: not a number", key)
}

func stringSliceField(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q: not a list", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: non-string entry", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func splitSet(v string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// compareVersions compares dotted numeric versions: -1, 0, or 1.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ai, bi int
		if i < len(as) {
			ai, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bi, _ = strconv.Atoi(bs[i])
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}
