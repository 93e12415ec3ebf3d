package license

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"corral/internal/events"
	"corral/internal/logs"
	"corral/internal/models"
	"corral/internal/registry"
)

var (
	ErrUnknownLicense           = errors.New("unknown license")
	ErrUnknownRequest           = errors.New("unknown software request")
	ErrInvalidRequestTransition = errors.New("invalid request transition")
)

// ReportedInstall is one entry of an agent's software inventory report.
type ReportedInstall struct {
	Software string `json:"software"`
	Vendor   string `json:"vendor"`
	Version  string `json:"version"`
}

// requestTransitions — legal workflow edges. Rejected and deployed are
// terminal.
var requestTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.RequestRequested: {models.RequestApproved, models.RequestRejected},
	models.RequestApproved:  {models.RequestPurchased},
	models.RequestPurchased: {models.RequestDeployed},
	models.RequestRejected:  {},
	models.RequestDeployed:  {},
}

// Tracker keeps seat usage honest: installations reported by agents are
// matched to licenses by name/vendor, and reconciliation recomputes
// UsedSeats from active installations, raising and resolving violations
// as counts cross the purchased total.
type Tracker struct {
	store Store
	bus   *events.Bus
	locks *registry.KeyedLocks // keyed by license ID
	now   func() time.Time
}

func NewTracker(store Store, bus *events.Bus) *Tracker {
	return &Tracker{
		store: store,
		bus:   bus,
		locks: registry.NewKeyedLocks(),
		now:   time.Now,
	}
}

// SyncInstallations replaces the software inventory of one device with the
// reported set: reported entries are upserted active, previously active
// entries missing from the report go inactive. Every license touched is
// reconciled afterwards.
func (t *Tracker) SyncInstallations(deviceUUID string, reported []ReportedInstall) error {
	now := t.now()
	seen := make(map[string]bool, len(reported))
	touched := make(map[uint]bool)

	for _, r := range reported {
		if r.Software == "" {
			continue
		}
		seen[r.Software] = true

		inst, found, err := t.store.Installation(deviceUUID, r.Software)
		if err != nil {
			return err
		}
		if !found {
			inst = &models.SoftwareInstallation{
				DeviceUUID: deviceUUID,
				Software:   r.Software,
			}
		}
		inst.Vendor = r.Vendor
		inst.Version = r.Version
		inst.Active = true
		inst.ReportedAt = now

		if inst.LicenseID == nil {
			if lic, ok, err := t.store.FindLicense(r.Software, r.Vendor); err != nil {
				return err
			} else if ok {
				inst.LicenseID = &lic.ID
			}
		}
		if inst.LicenseID != nil {
			touched[*inst.LicenseID] = true
		}

		if !found {
			err = t.store.CreateInstallation(inst)
		} else {
			err = t.store.SaveInstallation(inst)
		}
		if err != nil {
			return err
		}
	}

	existing, err := t.store.InstallationsForDevice(deviceUUID)
	if err != nil {
		return err
	}
	for i := range existing {
		inst := existing[i]
		if inst.Active && !seen[inst.Software] {
			inst.Active = false
			if err := t.store.SaveInstallation(&inst); err != nil {
				return err
			}
			if inst.LicenseID != nil {
				touched[*inst.LicenseID] = true
			}
		}
	}

	for id := range touched {
		if _, err := t.Reconcile(id); err != nil {
			logs.Logger.Errorf("license %d: reconcile: %v", id, err)
		}
	}
	return nil
}

// Reconcile recomputes UsedSeats from active installations and settles
// seat_exceeded / expired_license violations. Serialized per license.
func (t *Tracker) Reconcile(licenseID uint) (*models.SoftwareLicense, error) {
	unlock := t.locks.Lock(strconv.FormatUint(uint64(licenseID), 10))
	defer unlock()

	lic, found, err := t.store.GetLicense(licenseID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("license %d: %w", licenseID, ErrUnknownLicense)
	}

	used, err := t.store.ActiveCount(licenseID)
	if err != nil {
		return nil, err
	}
	if used < 0 {
		used = 0
	}
	lic.UsedSeats = used
	if err := t.store.SaveLicense(lic); err != nil {
		return nil, err
	}

	now := t.now()
	if err := t.settle(lic, models.LicViolationSeatExceeded,
		used > lic.TotalSeats,
		fmt.Sprintf("%d seats in use, %d purchased", used, lic.TotalSeats)); err != nil {
		return nil, err
	}
	if err := t.settle(lic, models.LicViolationExpired,
		lic.Expired(now) && used > 0,
		fmt.Sprintf("license expired with %d active installations", used)); err != nil {
		return nil, err
	}
	return lic, nil
}

// settle opens the violation when wanted and absent, resolves it when
// present and no longer wanted. At most one open violation per (license,
// kind).
func (t *Tracker) settle(lic *models.SoftwareLicense, kind string, wanted bool, detail string) error {
	open, found, err := t.store.OpenViolation(lic.ID, kind)
	if err != nil {
		return err
	}
	now := t.now()
	switch {
	case wanted && !found:
		v := &models.LicenseViolation{
			LicenseID: lic.ID,
			Kind:      kind,
			Detail:    detail,
			OpenedAt:  now,
		}
		if err := t.store.CreateViolation(v); err != nil {
			return err
		}
		t.bus.Publish(events.Event{
			Kind:     events.LicenseViolationRaise,
			EntityID: strconv.FormatUint(uint64(lic.ID), 10),
			At:       now,
			Payload: map[string]any{
				"kind":        kind,
				"detail":      detail,
				"license":     lic.Name,
				"total_seats": lic.TotalSeats,
				"used_seats":  lic.UsedSeats,
			},
		})
	case wanted && found:
		open.Detail = detail
		return t.store.SaveViolation(open)
	case !wanted && found:
		open.ResolvedAt = &now
		return t.store.SaveViolation(open)
	}
	return nil
}

// ReconcileAll sweeps every license. Expiry violations only appear on
// reconciliation, so the periodic sweep is what catches licenses that
// lapse with no inventory churn.
func (t *Tracker) ReconcileAll() {
	lics, err := t.store.ListLicenses("")
	if err != nil {
		logs.Logger.Errorf("license sweep: %v", err)
		return
	}
	for _, l := range lics {
		if _, err := t.Reconcile(l.ID); err != nil {
			logs.Logger.Errorf("license %d: reconcile: %v", l.ID, err)
		}
	}
}

// TransitionRequest advances the software request workflow.
func (t *Tracker) TransitionRequest(id uint, to models.RequestStatus) (*models.SoftwareRequest, error) {
	req, found, err := t.store.GetRequest(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("request %d: %w", id, ErrUnknownRequest)
	}
	allowed := false
	for _, s := range requestTransitions[req.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%s → %s: %w", req.Status, to, ErrInvalidRequestTransition)
	}
	req.Status = to
	if err := t.store.SaveRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// SetNow overrides the clock; tests only.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }
