package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corral/internal/events"
	"corral/internal/logs"
	"corral/internal/models"
	"corral/internal/registry"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var (
	ErrUnknownAction        = errors.New("unknown action")
	ErrDeviceNotActionable  = errors.New("device not actionable")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// transport send retry knobs (per attempt, not the action retry budget)
const (
	sendRetries    = 3
	sendBackoff    = 200 * time.Millisecond
	sendBackoffMax = 2 * time.Second
)

type Config struct {
	AckDeadline time.Duration // how long executing waits for an ack
	RetryBudget int           // automatic re-dispatches after timeout/nack
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Dispatcher drives the pending → executing → completed/failed/timeout state
// machine. Dispatch attempts and timeout detection run on independent sweeps;
// nothing here blocks on device connectivity.
type Dispatcher struct {
	store     Store
	registry  *registry.Service
	transport Transport
	bus       *events.Bus
	cfg       Config
	locks     *registry.KeyedLocks // keyed by action UUID
	now       func() time.Time
}

func NewDispatcher(store Store, reg *registry.Service, transport Transport, bus *events.Bus, cfg Config) *Dispatcher {
	if transport == nil {
		transport = LogTransport{}
	}
	return &Dispatcher{
		store:     store,
		registry:  reg,
		transport: transport,
		bus:       bus,
		cfg:       cfg,
		locks:     registry.NewKeyedLocks(),
		now:       time.Now,
	}
}

// Request creates a new action in pending. The device must exist and not be
// in a terminal state (lost/stolen devices stay actionable so a remote wipe
// can still reach them).
func (d *Dispatcher) Request(deviceUUID string, t models.ActionType, params map[string]any, requestedBy string) (*models.RemoteAction, error) {
	dev, err := d.registry.Get(deviceUUID)
	if err != nil {
		return nil, err
	}
	if dev.Status.IsTerminal() {
		return nil, fmt.Errorf("%s is %s: %w", deviceUUID, dev.Status, ErrDeviceNotActionable)
	}

	now := d.now()
	a := &models.RemoteAction{
		UUID:          uuid.NewString(),
		DeviceUUID:    deviceUUID,
		Type:          t,
		RequestedBy:   requestedBy,
		State:         models.ActionPending,
		NextAttemptAt: &now,
	}
	if params != nil {
		if raw, err := json.Marshal(params); err == nil {
			a.Parameters = datatypes.JSON(raw)
		}
	}
	if err := d.store.Create(a); err != nil {
		return nil, err
	}
	return a, nil
}

// DispatchDue sends every due pending action. Returns how many were
// dispatched.
func (d *Dispatcher) DispatchDue(ctx context.Context) int {
	due, err := d.store.DuePending(d.now())
	if err != nil {
		logs.Logger.Errorf("dispatch sweep: %v", err)
		return 0
	}
	n := 0
	for _, a := range due {
		if d.dispatchOne(ctx, a.UUID) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) dispatchOne(ctx context.Context, actionUUID string) bool {
	unlock := d.locks.Lock(actionUUID)
	defer unlock()

	a, ok, err := d.store.ByUUID(actionUUID)
	if err != nil || !ok || a.State != models.ActionPending {
		return false // raced with an ack or a cancel
	}
	if a.CancelRequested {
		a.State = models.ActionCancelled
		_ = d.store.Save(a)
		return false
	}

	now := d.now()
	deadline := now.Add(d.cfg.AckDeadline)
	a.State = models.ActionExecuting
	a.Attempts++
	a.AckDeadline = &deadline
	a.NextAttemptAt = nil
	if err := d.store.Save(a); err != nil {
		logs.Logger.Errorf("dispatch save %s: %v", actionUUID, err)
		return false
	}

	// bounded in-process retries against the transport itself; the action
	// retry budget governs re-dispatch after timeout/nack
	err = retry.Do(func() error {
		return d.transport.Send(ctx, *a)
	}, retry.Attempts(sendRetries), retry.Delay(sendBackoff), retry.MaxDelay(sendBackoffMax))
	if err != nil {
		a.LastError = fmt.Sprintf("transport: %v", err)
		d.settleFailure(a, models.ActionFailed)
		return false
	}
	return true
}

// Ack resolves an in-flight action. Duplicate acks for terminal actions are
// a no-op, never an error.
func (d *Dispatcher) Ack(actionUUID string, success bool, result map[string]any) (*models.RemoteAction, error) {
	unlock := d.locks.Lock(actionUUID)
	defer unlock()

	a, ok, err := d.store.ByUUID(actionUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", actionUUID, ErrUnknownAction)
	}
	if a.State.IsTerminal() {
		return a, nil // duplicate ack: exactly one transition already happened
	}

	now := d.now()
	a.ExecutedAt = &now
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			a.Result = datatypes.JSON(raw)
		}
	}

	if success {
		a.State = models.ActionCompleted
		if err := d.store.Save(a); err != nil {
			return nil, err
		}
		d.bus.Publish(events.Event{
			Kind:     events.ActionCompleted,
			EntityID: a.UUID,
			At:       now,
			Payload:  map[string]any{"device_uuid": a.DeviceUUID, "type": string(a.Type)},
		})
		return a, nil
	}

	a.LastError = "nack from device"
	if msg, ok := result["error"].(string); ok && msg != "" {
		a.LastError = msg
	}
	d.settleFailure(a, models.ActionFailed)
	return a, nil
}

// SweepTimeouts moves executing actions past their ack deadline to timeout
// and schedules the retry-or-fail decision. Detection is a background sweep;
// no per-device lock is held while waiting.
func (d *Dispatcher) SweepTimeouts() int {
	expired, err := d.store.ExpiredExecuting(d.now())
	if err != nil {
		logs.Logger.Errorf("timeout sweep: %v", err)
		return 0
	}
	n := 0
	for _, a := range expired {
		unlock := d.locks.Lock(a.UUID)
		cur, ok, err := d.store.ByUUID(a.UUID)
		if err == nil && ok && cur.State == models.ActionExecuting &&
			cur.AckDeadline != nil && cur.AckDeadline.Before(d.now()) {
			cur.LastError = "no ack before deadline"
			d.settleFailure(cur, models.ActionTimeout)
			n++
		}
		unlock()
	}
	return n
}

// settleFailure applies the failure state and either re-enters pending with
// exponential backoff or, once the budget is spent, fails permanently.
func (d *Dispatcher) settleFailure(a *models.RemoteAction, via models.ActionState) {
	now := d.now()
	a.State = via

	if a.CancelRequested {
		a.State = models.ActionCancelled
		_ = d.store.Save(a)
		return
	}

	if a.Attempts > d.cfg.RetryBudget {
		a.State = models.ActionFailed
		a.LastError = fmt.Sprintf("%s (%s)", a.LastError, ErrRetryBudgetExhausted)
		if err := d.store.Save(a); err != nil {
			logs.Logger.Errorf("settle %s: %v", a.UUID, err)
			return
		}
		d.bus.Publish(events.Event{
			Kind:     events.ActionFailed,
			EntityID: a.UUID,
			At:       now,
			Payload: map[string]any{
				"device_uuid": a.DeviceUUID,
				"type":        string(a.Type),
				"error":       a.LastError,
				"attempts":    a.Attempts,
			},
		})
		return
	}

	backoff := d.cfg.BackoffBase << (a.Attempts - 1)
	if backoff > d.cfg.BackoffCap {
		backoff = d.cfg.BackoffCap
	}
	next := now.Add(backoff)
	a.State = models.ActionPending
	a.NextAttemptAt = &next
	a.AckDeadline = nil
	if err := d.store.Save(a); err != nil {
		logs.Logger.Errorf("reschedule %s: %v", a.UUID, err)
	}
}

// Cancel stops a pending action; for an executing one it is best-effort —
// the flag suppresses further retries and the eventual ack/nack/timeout
// resolves the machine.
func (d *Dispatcher) Cancel(actionUUID string) (*models.RemoteAction, error) {
	unlock := d.locks.Lock(actionUUID)
	defer unlock()

	a, ok, err := d.store.ByUUID(actionUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", actionUUID, ErrUnknownAction)
	}
	switch a.State {
	case models.ActionPending:
		a.State = models.ActionCancelled
		return a, d.store.Save(a)
	case models.ActionExecuting:
		a.CancelRequested = true
		return a, d.store.Save(a)
	default:
		return a, nil
	}
}

// CancelPendingForDevice cancels every pending action for the device. Wired
// as a registry transition hook for wiped/retired.
func (d *Dispatcher) CancelPendingForDevice(deviceUUID string) int {
	pending, err := d.store.PendingForDevice(deviceUUID)
	if err != nil {
		logs.Logger.Errorf("cancel pending %s: %v", deviceUUID, err)
		return 0
	}
	n := 0
	for _, a := range pending {
		if _, err := d.Cancel(a.UUID); err == nil {
			n++
		}
	}
	return n
}

func (d *Dispatcher) Get(actionUUID string) (*models.RemoteAction, error) {
	a, ok, err := d.store.ByUUID(actionUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", actionUUID, ErrUnknownAction)
	}
	return a, nil
}

func (d *Dispatcher) ListForDevice(deviceUUID string) ([]models.RemoteAction, error) {
	return d.store.ListForDevice(deviceUUID)
}

// SetNow overrides the clock; tests only.
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }
