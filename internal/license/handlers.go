package license

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"corral/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	store   Store
	tracker *Tracker
}

func NewHTTP(store Store, tracker *Tracker) *HTTP {
	return &HTTP{store: store, tracker: tracker}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/licenses", h.createLicense).Methods(http.MethodPost)
	api.HandleFunc("/licenses", h.listLicenses).Methods(http.MethodGet)
	api.HandleFunc("/licenses/{id}", h.getLicense).Methods(http.MethodGet)
	api.HandleFunc("/licenses/{id}", h.updateLicense).Methods(http.MethodPut)
	api.HandleFunc("/licenses/{id}/reconcile", h.reconcile).Methods(http.MethodPost)
	api.HandleFunc("/devices/{uuid}/installations", h.deviceInstallations).Methods(http.MethodGet)

	api.HandleFunc("/software-requests", h.createRequest).Methods(http.MethodPost)
	api.HandleFunc("/software-requests", h.listRequests).Methods(http.MethodGet)
	api.HandleFunc("/software-requests/{id}/status", h.requestStatus).Methods(http.MethodPost)
}

func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	return uint(id), err == nil
}

func (h *HTTP) createLicense(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		InstitutionID string     `json:"institution_id"`
		Name          string     `json:"name"`
		Vendor        string     `json:"vendor"`
		TotalSeats    int        `json:"total_seats"`
		ExpiresAt     *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	if in.Name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid license", "name is required",
			map[string]string{"name": "required"})
		return
	}
	if in.TotalSeats < 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid license", "total_seats must be non-negative",
			map[string]string{"total_seats": "must be >= 0"})
		return
	}
	lic := &models.SoftwareLicense{
		InstitutionID: in.InstitutionID,
		Name:          in.Name,
		Vendor:        in.Vendor,
		TotalSeats:    in.TotalSeats,
		ExpiresAt:     in.ExpiresAt,
	}
	if err := h.store.CreateLicense(lic); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(lic)
}

func (h *HTTP) listLicenses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	lics, err := h.store.ListLicenses(r.URL.Query().Get("institution"))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(lics)
}

func (h *HTTP) getLicense(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid id", "id must be numeric", nil)
		return
	}
	lic, found, err := h.store.GetLicense(id)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Lookup failed", err.Error(), nil)
		return
	}
	if !found {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "no such license", nil)
		return
	}
	viols, err := h.store.ListViolations(id)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Lookup failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"license":    lic,
		"violations": viols,
	})
}

func (h *HTTP) updateLicense(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid id", "id must be numeric", nil)
		return
	}
	lic, found, err := h.store.GetLicense(id)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Lookup failed", err.Error(), nil)
		return
	}
	if !found {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "no such license", nil)
		return
	}
	var in struct {
		TotalSeats *int       `json:"total_seats"`
		ExpiresAt  *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	if in.TotalSeats != nil {
		if *in.TotalSeats < 0 {
			models.WriteProblem(w, http.StatusBadRequest, "Invalid license", "total_seats must be non-negative",
				map[string]string{"total_seats": "must be >= 0"})
			return
		}
		lic.TotalSeats = *in.TotalSeats
	}
	if in.ExpiresAt != nil {
		lic.ExpiresAt = in.ExpiresAt
	}
	if err := h.store.SaveLicense(lic); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Update failed", err.Error(), nil)
		return
	}
	// Seat changes can open or close violations immediately.
	if lic, err = h.tracker.Reconcile(id); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Reconcile failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(lic)
}

func (h *HTTP) reconcile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid id", "id must be numeric", nil)
		return
	}
	lic, err := h.tracker.Reconcile(id)
	if err != nil {
		if errors.Is(err, ErrUnknownLicense) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Reconcile failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(lic)
}

func (h *HTTP) deviceInstallations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	insts, err := h.store.InstallationsForDevice(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(insts)
}

func (h *HTTP) createRequest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		InstitutionID string `json:"institution_id"`
		Software      string `json:"software"`
		Vendor        string `json:"vendor"`
		RequestedBy   string `json:"requested_by"`
		Notes         string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	if in.Software == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid request", "software is required",
			map[string]string{"software": "required"})
		return
	}
	req := &models.SoftwareRequest{
		InstitutionID: in.InstitutionID,
		Software:      in.Software,
		Vendor:        in.Vendor,
		RequestedBy:   in.RequestedBy,
		Status:        models.RequestRequested,
		Notes:         in.Notes,
	}
	if err := h.store.CreateRequest(req); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(req)
}

func (h *HTTP) listRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	reqs, err := h.store.ListRequests(r.URL.Query().Get("institution"))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(reqs)
}

func (h *HTTP) requestStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id, ok := pathID(r)
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid id", "id must be numeric", nil)
		return
	}
	var in struct {
		Status models.RequestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), nil)
		return
	}
	req, err := h.tracker.TransitionRequest(id, in.Status)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownRequest):
			models.WriteProblem(w, http.StatusNotFound, "Not found", err.Error(), nil)
		case errors.Is(err, ErrInvalidRequestTransition):
			models.WriteProblem(w, http.StatusConflict, "Invalid transition", err.Error(), nil)
		default:
			models.WriteProblem(w, http.StatusInternalServerError, "Update failed", err.Error(), nil)
		}
		return
	}
	_ = json.NewEncoder(w).Encode(req)
}
