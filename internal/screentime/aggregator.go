package screentime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"corral/internal/events"
	"corral/internal/logs"
	"corral/internal/models"
	"corral/internal/policy"
	"corral/internal/policy/ruleschema"
	"corral/internal/registry"

	"gorm.io/datatypes"
)

// ErrSealedPeriod — usage arrived for a day that already rolled over. The
// event is persisted as a diagnostic (Applied=false) but never mutates the
// sealed total.
var ErrSealedPeriod = errors.New("sealed period")

const dayLayout = "2006-01-02"

// Aggregator turns raw usage events into per-day totals and raises
// LimitExceeded when the resolved screen_time policy is crossed.
type Aggregator struct {
	store    Store
	resolver *policy.Resolver
	registry *registry.Service
	bus      *events.Bus
	now      func() time.Time
}

func NewAggregator(store Store, resolver *policy.Resolver, reg *registry.Service, bus *events.Bus) *Aggregator {
	return &Aggregator{
		store:    store,
		resolver: resolver,
		registry: reg,
		bus:      bus,
		now:      time.Now,
	}
}

// RecordUsage appends minutes to the day bucket of ts. Idempotent per
// (device, eventID): re-delivered events never double-count.
func (a *Aggregator) RecordUsage(deviceUUID, eventID, category string, minutes int, ts time.Time) error {
	if minutes <= 0 {
		return fmt.Errorf("minutes must be positive, got %d", minutes)
	}
	if eventID == "" {
		return errors.New("event id required")
	}
	if _, err := a.registry.Get(deviceUUID); err != nil {
		return err
	}

	unlock := a.registry.Locks().Lock(deviceUUID)
	defer unlock()

	dup, err := a.store.HasEvent(deviceUUID, eventID)
	if err != nil {
		return err
	}
	if dup {
		return nil // re-delivery
	}

	day := ts.Format(dayLayout)
	today := a.now().Format(dayLayout)
	ev := &models.UsageEvent{
		DeviceUUID: deviceUUID,
		EventID:    eventID,
		Category:   category,
		Minutes:    minutes,
		OccurredAt: ts,
		Applied:    true,
	}

	rec, found, err := a.store.Record(deviceUUID, day)
	if err != nil {
		return err
	}
	sealed := (found && rec.Sealed) || day < today
	if sealed {
		ev.Applied = false
		_ = a.store.SaveEvent(ev) // keep the late arrival for audit
		return fmt.Errorf("day %s: %w", day, ErrSealedPeriod)
	}

	if !found {
		rec = &models.ScreenTimeRecord{DeviceUUID: deviceUUID, Day: day}
		if err := a.store.CreateRecord(rec); err != nil {
			return err
		}
	}

	cats := map[string]int{}
	if len(rec.Categories) > 0 {
		_ = json.Unmarshal(rec.Categories, &cats)
	}
	cats[category] += minutes
	raw, _ := json.Marshal(cats)
	rec.Categories = datatypes.JSON(raw)
	rec.TotalMinutes += minutes

	if err := a.store.SaveRecord(rec); err != nil {
		return err
	}
	return a.store.SaveEvent(ev)
}

// LimitStatus is the CheckLimit verdict.
type LimitStatus struct {
	Exceeded           bool           `json:"exceeded"`
	TotalMinutes       int            `json:"total_minutes"`
	LimitMinutes       int            `json:"limit_minutes"` // 0 = unconstrained
	ExceededCategories []string       `json:"exceeded_categories,omitempty"`
	Categories         map[string]int `json:"categories,omitempty"`
}

// CheckLimit compares today's totals against the resolved screen_time rules.
// Crossing a limit emits LimitExceeded once per day per device.
func (a *Aggregator) CheckLimit(deviceUUID string) (LimitStatus, error) {
	set, err := a.resolver.Resolve(deviceUUID)
	if err != nil {
		return LimitStatus{}, err
	}

	// the event is published after the device lock is released: subscribers
	// re-enter per-device operations (evaluation, action dispatch)
	unlock := a.registry.Locks().Lock(deviceUUID)
	status, ev, err := a.checkLocked(deviceUUID, set)
	unlock()
	if err != nil {
		return status, err
	}
	if ev != nil {
		a.bus.Publish(*ev)
	}
	return status, nil
}

func (a *Aggregator) checkLocked(deviceUUID string, set policy.EffectivePolicySet) (LimitStatus, *events.Event, error) {
	today := a.now().Format(dayLayout)
	rec, found, err := a.store.Record(deviceUUID, today)
	if err != nil {
		return LimitStatus{}, nil, err
	}

	status := LimitStatus{Categories: map[string]int{}}
	if found {
		status.TotalMinutes = rec.TotalMinutes
		if len(rec.Categories) > 0 {
			_ = json.Unmarshal(rec.Categories, &status.Categories)
		}
	}

	if rule, ok := set.Rule(models.PolicyScreenTime, "daily_limit_minutes"); ok {
		status.LimitMinutes, _ = strconv.Atoi(rule.Value)
		if status.TotalMinutes > status.LimitMinutes {
			status.Exceeded = true
		}
	}
	if rule, ok := set.Rule(models.PolicyScreenTime, "category_limits"); ok {
		for cat, limit := range ruleschema.CategoryLimits(rule.Value) {
			if status.Categories[cat] > limit {
				status.Exceeded = true
				status.ExceededCategories = append(status.ExceededCategories, cat)
			}
		}
	}

	if status.Exceeded && found && !rec.LimitFlagged {
		rec.LimitFlagged = true
		if err := a.store.SaveRecord(rec); err != nil {
			return status, nil, err
		}
		enforceLock := false
		if rule, ok := set.Rule(models.PolicyScreenTime, "enforce_lock"); ok {
			enforceLock = rule.Value == "1"
		}
		return status, &events.Event{
			Kind:     events.LimitExceeded,
			EntityID: deviceUUID,
			At:       a.now(),
			Payload: map[string]any{
				"total_minutes": status.TotalMinutes,
				"limit_minutes": status.LimitMinutes,
				"categories":    status.ExceededCategories,
				"enforce_lock":  enforceLock,
			},
		}, nil
	}
	return status, nil, nil
}

// SealExpired seals every unsealed record from days before today. Returns
// how many were sealed.
func (a *Aggregator) SealExpired() int {
	today := a.now().Format(dayLayout)
	stale, err := a.store.UnsealedBefore(today)
	if err != nil {
		logs.Logger.Errorf("seal sweep: %v", err)
		return 0
	}
	n := 0
	for _, rec := range stale {
		unlock := a.registry.Locks().Lock(rec.DeviceUUID)
		cur, found, err := a.store.Record(rec.DeviceUUID, rec.Day)
		if err == nil && found && !cur.Sealed {
			cur.Sealed = true
			if err := a.store.SaveRecord(cur); err == nil {
				n++
			}
		}
		unlock()
	}
	return n
}

func (a *Aggregator) Records(deviceUUID string) ([]models.ScreenTimeRecord, error) {
	return a.store.Records(deviceUUID)
}

// SetNow overrides the clock; tests only.
func (a *Aggregator) SetNow(now func() time.Time) { a.now = now }
