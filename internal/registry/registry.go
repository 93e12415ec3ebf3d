package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corral/internal/logs"
	"corral/internal/models"

	"github.com/google/uuid"
)

var (
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// lifecycle graph: transitions only move forward; wiped/retired have no exits.
// lost/stolen devices stay actionable (remote wipe) and may be recovered.
var allowedTransitions = map[models.DeviceStatus][]models.DeviceStatus{
	models.DeviceEnrolled: {models.DeviceActive, models.DeviceInactive, models.DeviceLost, models.DeviceStolen, models.DeviceWiped, models.DeviceRetired},
	models.DeviceActive:   {models.DeviceInactive, models.DeviceLost, models.DeviceStolen, models.DeviceWiped, models.DeviceRetired},
	models.DeviceInactive: {models.DeviceActive, models.DeviceLost, models.DeviceStolen, models.DeviceWiped, models.DeviceRetired},
	models.DeviceLost:     {models.DeviceActive, models.DeviceStolen, models.DeviceWiped, models.DeviceRetired},
	models.DeviceStolen:   {models.DeviceActive, models.DeviceWiped, models.DeviceRetired},
	models.DeviceWiped:    {},
	models.DeviceRetired:  {},
}

func transitionAllowed(from, to models.DeviceStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type EnrollRequest struct {
	Serial        string
	Name          string
	InstitutionID string
	OwnerUserID   string
	DeviceType    string
	Platform      string
	OSVersion     string
	DeviceKey     string
}

type Telemetry struct {
	BatteryPct *int
	StorageMB  *int
	Latitude   *float64
	Longitude  *float64
	OSVersion  string
	Apps       []models.AppInfo
}

// TransitionHook runs after a successful status change (dispatcher cancels
// pending actions on wipe/retire; policy cache invalidates on device change).
type TransitionHook func(deviceUUID string, from, to models.DeviceStatus)

type Service struct {
	store Store
	locks *KeyedLocks
	grace time.Duration
	hooks []TransitionHook
	now   func() time.Time
}

func NewService(store Store, grace time.Duration) *Service {
	return &Service{
		store: store,
		locks: NewKeyedLocks(),
		grace: grace,
		now:   time.Now,
	}
}

func (s *Service) OnTransition(h TransitionHook) { s.hooks = append(s.hooks, h) }

// Locks exposes the per-device serialization unit so sibling components
// (screen time, compliance) share it.
func (s *Service) Locks() *KeyedLocks { return s.locks }

// Enroll registers a new device. A serial already bound to a non-terminal
// device is rejected; wiped/retired devices re-enroll as a fresh identity.
func (s *Service) Enroll(req EnrollRequest) (*models.Device, error) {
	if req.Serial == "" {
		return nil, fmt.Errorf("enroll: serial required")
	}
	// serialize per serial: the duplicate check and the create must not
	// interleave across concurrent enrolls of the same hardware
	unlock := s.locks.Lock("serial:" + req.Serial)
	defer unlock()

	if _, exists, err := s.store.ActiveBySerial(req.Serial); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("serial %s: %w", req.Serial, ErrDuplicateEnrollment)
	}

	d := &models.Device{
		UUID:          uuid.NewString(),
		DeviceKey:     req.DeviceKey,
		Serial:        req.Serial,
		Name:          req.Name,
		InstitutionID: req.InstitutionID,
		OwnerUserID:   req.OwnerUserID,
		DeviceType:    req.DeviceType,
		Platform:      req.Platform,
		OSVersion:     req.OSVersion,
		Status:        models.DeviceEnrolled,
		Compliant:     true,
	}
	if err := s.store.Create(d); err != nil {
		return nil, err
	}
	_ = s.store.AppendHistory(&models.DeviceStatusHistory{
		DeviceUUID: d.UUID, FromStatus: "", ToStatus: models.DeviceEnrolled, Reason: "enrolled",
	})
	return d, nil
}

// RecordHeartbeat updates lastSeen and telemetry. The first heartbeat moves
// an enrolled device to active; a heartbeat from an inactive device
// reactivates it (offline was transient).
func (s *Service) RecordHeartbeat(deviceUUID string, t Telemetry) (*models.Device, error) {
	unlock := s.locks.Lock(deviceUUID)
	defer unlock()

	d, ok, err := s.store.ByUUID(deviceUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", deviceUUID, ErrUnknownDevice)
	}

	now := s.now()
	d.LastSeenAt = &now
	if t.BatteryPct != nil {
		d.BatteryPct = t.BatteryPct
	}
	if t.StorageMB != nil {
		d.StorageMB = t.StorageMB
	}
	if t.Latitude != nil && t.Longitude != nil {
		d.Latitude, d.Longitude = t.Latitude, t.Longitude
	}
	if t.OSVersion != "" {
		d.OSVersion = t.OSVersion
	}
	if t.Apps != nil {
		if raw, err := json.Marshal(t.Apps); err == nil {
			d.Apps = raw
		}
	}

	from := d.Status
	if from == models.DeviceEnrolled || from == models.DeviceInactive {
		d.Status = models.DeviceActive
	}
	if err := s.store.Save(d); err != nil {
		return nil, err
	}
	if from != d.Status {
		_ = s.store.AppendHistory(&models.DeviceStatusHistory{
			DeviceUUID: d.UUID, FromStatus: from, ToStatus: d.Status, Reason: "heartbeat",
		})
		s.fireHooks(d.UUID, from, d.Status)
	}
	return d, nil
}

// Transition validates the lifecycle graph and applies the change.
func (s *Service) Transition(deviceUUID string, to models.DeviceStatus, reason string) (*models.Device, error) {
	unlock := s.locks.Lock(deviceUUID)
	defer unlock()

	d, ok, err := s.store.ByUUID(deviceUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", deviceUUID, ErrUnknownDevice)
	}
	if d.Status == to {
		return d, nil
	}
	if !transitionAllowed(d.Status, to) {
		return nil, fmt.Errorf("%s → %s: %w", d.Status, to, ErrInvalidTransition)
	}

	from := d.Status
	d.Status = to
	if err := s.store.Save(d); err != nil {
		return nil, err
	}
	_ = s.store.AppendHistory(&models.DeviceStatusHistory{
		DeviceUUID: d.UUID, FromStatus: from, ToStatus: to, Reason: reason,
	})
	s.fireHooks(d.UUID, from, to)
	return d, nil
}

// SetCompliance flips the compliance flag. Only the compliance evaluator
// calls this.
func (s *Service) SetCompliance(deviceUUID string, compliant bool) error {
	unlock := s.locks.Lock(deviceUUID)
	defer unlock()

	d, ok, err := s.store.ByUUID(deviceUUID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", deviceUUID, ErrUnknownDevice)
	}
	if d.Compliant == compliant {
		return nil
	}
	d.Compliant = compliant
	return s.store.Save(d)
}

func (s *Service) Get(deviceUUID string) (*models.Device, error) {
	d, ok, err := s.store.ByUUID(deviceUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", deviceUUID, ErrUnknownDevice)
	}
	return d, nil
}

func (s *Service) List(institutionID string) ([]models.Device, error) {
	return s.store.List(institutionID)
}

func (s *Service) History(deviceUUID string) ([]models.DeviceStatusHistory, error) {
	return s.store.History(deviceUUID)
}

// SweepInactive marks enrolled/active devices silent past the grace period
// as inactive. Returns how many were flipped.
func (s *Service) SweepInactive() int {
	cutoff := s.now().Add(-s.grace)
	stale, err := s.store.StaleActive(cutoff)
	if err != nil {
		logs.Logger.Errorf("inactivity sweep: %v", err)
		return 0
	}
	n := 0
	for _, d := range stale {
		if _, err := s.Transition(d.UUID, models.DeviceInactive, "heartbeat grace period expired"); err == nil {
			n++
		}
	}
	return n
}

func (s *Service) fireHooks(deviceUUID string, from, to models.DeviceStatus) {
	for _, h := range s.hooks {
		h(deviceUUID, from, to)
	}
}

// SetNow overrides the clock; tests only.
func (s *Service) SetNow(now func() time.Time) { s.now = now }
