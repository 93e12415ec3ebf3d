package agentapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"corral/internal/actions"
	"corral/internal/compliance"
	"corral/internal/license"
	"corral/internal/logs"
	"corral/internal/models"
	"corral/internal/registry"
	"corral/internal/screentime"

	"github.com/gorilla/mux"
)

/*
Device agent endpoints:

POST /agent/enroll/                        (shared secret)
POST /agent/heartbeat/{uuid}/              (device key)
POST /agent/report-compliance/{uuid}/      (device key)
POST /agent/report-usage/{uuid}/           (device key)
POST /agent/report-installations/{uuid}/   (device key)
POST /agent/ack-action/{uuid}/             (device key; uuid is the action)
GET  /agent/actions/{uuid}/                (device key)

Enrollment is gated by the fleet shared secret; every later call
authenticates with the per-device key minted at enrollment.
*/

// Controller fronts the services for the on-device agent.
type Controller struct {
	registry     *registry.Service
	evaluator    *compliance.Evaluator
	dispatcher   *actions.Dispatcher
	aggregator   *screentime.Aggregator
	tracker      *license.Tracker
	sharedSecret string
}

func NewController(
	reg *registry.Service,
	eval *compliance.Evaluator,
	disp *actions.Dispatcher,
	agg *screentime.Aggregator,
	trk *license.Tracker,
	sharedSecret string,
) *Controller {
	return &Controller{
		registry:     reg,
		evaluator:    eval,
		dispatcher:   disp,
		aggregator:   agg,
		tracker:      trk,
		sharedSecret: sharedSecret,
	}
}

func (c *Controller) RegisterRoutes(root *mux.Router) {
	sub := root.PathPrefix("/agent").Subrouter()

	sub.HandleFunc("/enroll/", c.handleEnroll).Methods(http.MethodPost)
	sub.HandleFunc("/heartbeat/{uuid}/", c.handleHeartbeat).Methods(http.MethodPost)
	sub.HandleFunc("/report-compliance/{uuid}/", c.handleReportCompliance).Methods(http.MethodPost)
	sub.HandleFunc("/report-usage/{uuid}/", c.handleReportUsage).Methods(http.MethodPost)
	sub.HandleFunc("/report-installations/{uuid}/", c.handleReportInstallations).Methods(http.MethodPost)
	sub.HandleFunc("/ack-action/{uuid}/", c.handleAckAction).Methods(http.MethodPost)
	sub.HandleFunc("/actions/{uuid}/", c.handlePollActions).Methods(http.MethodGet)
}

// deviceKey derives a stable per-device key from the serial and the fleet
// secret, so a re-enrolling agent gets the same key back.
func deviceKey(serial, secret string) string {
	sum := sha256.Sum256([]byte(serial + "+" + secret))
	return hex.EncodeToString(sum[:8])
}

// authDevice loads the device and checks its key. Writes the problem
// response itself; callers bail on nil.
func (c *Controller) authDevice(w http.ResponseWriter, uuid, key string) *models.Device {
	d, err := c.registry.Get(uuid)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"uuid": uuid})
		} else {
			models.WriteProblem(w, http.StatusInternalServerError, "Lookup failed", err.Error(), nil)
		}
		return nil
	}
	if key == "" || key != d.DeviceKey {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "invalid key", nil)
		return nil
	}
	return d
}

// POST /agent/enroll/
func (c *Controller) handleEnroll(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Secret        string `json:"secret"`
		Serial        string `json:"serial"`
		Name          string `json:"name"`
		InstitutionID string `json:"institution_id"`
		OwnerUserID   string `json:"owner_user_id"`
		DeviceType    string `json:"device_type"`
		Platform      string `json:"platform"`
		OSVersion     string `json:"os_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	if in.Secret == "" || in.Secret != c.sharedSecret {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "unrecognized secret", nil)
		return
	}

	d, err := c.registry.Enroll(registry.EnrollRequest{
		Serial:        in.Serial,
		Name:          in.Name,
		InstitutionID: in.InstitutionID,
		OwnerUserID:   in.OwnerUserID,
		DeviceType:    in.DeviceType,
		Platform:      in.Platform,
		OSVersion:     in.OSVersion,
		DeviceKey:     deviceKey(in.Serial, in.Secret),
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateEnrollment) {
			models.WriteProblem(w, http.StatusConflict, "Conflict", err.Error(), map[string]string{"serial": in.Serial})
			return
		}
		models.WriteProblem(w, http.StatusBadRequest, "Enroll failed", err.Error(), nil)
		return
	}

	logs.Logger.Infof("device %s enrolled (serial %s)", d.UUID, d.Serial)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"uuid": d.UUID,
		"key":  d.DeviceKey,
	})
}

// POST /agent/heartbeat/{uuid}/
func (c *Controller) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Key        string           `json:"key"`
		BatteryPct *int             `json:"battery_pct"`
		StorageMB  *int             `json:"storage_mb"`
		Latitude   *float64         `json:"latitude"`
		Longitude  *float64         `json:"longitude"`
		OSVersion  string           `json:"os_version"`
		Apps       []models.AppInfo `json:"apps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	uuid := mux.Vars(r)["uuid"]
	if c.authDevice(w, uuid, in.Key) == nil {
		return
	}

	d, err := c.registry.RecordHeartbeat(uuid, registry.Telemetry{
		BatteryPct: in.BatteryPct,
		StorageMB:  in.StorageMB,
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		OSVersion:  in.OSVersion,
		Apps:       in.Apps,
	})
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Heartbeat failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    d.Status,
		"compliant": d.Compliant,
	})
}

// POST /agent/report-compliance/{uuid}/
func (c *Controller) handleReportCompliance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Key       string         `json:"key"`
		CheckType string         `json:"check_type"`
		Reported  map[string]any `json:"reported"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	uuid := mux.Vars(r)["uuid"]
	if c.authDevice(w, uuid, in.Key) == nil {
		return
	}

	check, err := c.evaluator.Evaluate(uuid, in.CheckType, in.Reported)
	if err != nil {
		if errors.Is(err, compliance.ErrEvaluation) {
			models.WriteProblem(w, http.StatusUnprocessableEntity, "Evaluation failed", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Evaluation failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(check)
}

// POST /agent/report-usage/{uuid}/
func (c *Controller) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Key    string `json:"key"`
		Events []struct {
			EventID    string    `json:"event_id"`
			Category   string    `json:"category"`
			Minutes    int       `json:"minutes"`
			OccurredAt time.Time `json:"occurred_at"`
		} `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	uuid := mux.Vars(r)["uuid"]
	if c.authDevice(w, uuid, in.Key) == nil {
		return
	}

	var rejected []string
	for _, ev := range in.Events {
		if err := c.aggregator.RecordUsage(uuid, ev.EventID, ev.Category, ev.Minutes, ev.OccurredAt); err != nil {
			if errors.Is(err, screentime.ErrSealedPeriod) {
				rejected = append(rejected, ev.EventID)
				continue
			}
			models.WriteProblem(w, http.StatusBadRequest, "Usage rejected", err.Error(),
				map[string]string{"event_id": ev.EventID})
			return
		}
	}

	st, err := c.aggregator.CheckLimit(uuid)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Limit check failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"limit":  st,
		"sealed": rejected,
	})
}

// POST /agent/report-installations/{uuid}/
func (c *Controller) handleReportInstallations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Key           string                    `json:"key"`
		Installations []license.ReportedInstall `json:"installations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	uuid := mux.Vars(r)["uuid"]
	if c.authDevice(w, uuid, in.Key) == nil {
		return
	}

	if err := c.tracker.SyncInstallations(uuid, in.Installations); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Sync failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /agent/ack-action/{uuid}/  — uuid is the ACTION uuid; the key must
// belong to the action's device.
func (c *Controller) handleAckAction(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Key     string         `json:"key"`
		Success bool           `json:"success"`
		Result  map[string]any `json:"result"`
		Error   string         `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	actionUUID := mux.Vars(r)["uuid"]

	a, err := c.dispatcher.Get(actionUUID)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "action not found", map[string]string{"uuid": actionUUID})
		return
	}
	if c.authDevice(w, a.DeviceUUID, in.Key) == nil {
		return
	}

	if !in.Success && in.Error != "" {
		if in.Result == nil {
			in.Result = map[string]any{}
		}
		in.Result["error"] = in.Error
	}
	a, err = c.dispatcher.Ack(actionUUID, in.Success, in.Result)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Ack failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(a)
}

// GET /agent/actions/{uuid}/?key=...  — actions awaiting the device.
func (c *Controller) handlePollActions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	uuid := mux.Vars(r)["uuid"]
	if c.authDevice(w, uuid, r.URL.Query().Get("key")) == nil {
		return
	}

	all, err := c.dispatcher.ListForDevice(uuid)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	open := make([]models.RemoteAction, 0, len(all))
	for _, a := range all {
		if a.State == models.ActionPending || a.State == models.ActionExecuting {
			open = append(open, a)
		}
	}
	_ = json.NewEncoder(w).Encode(open)
}
