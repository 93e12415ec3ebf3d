package registry

import (
	"encoding/json"
	"errors"
	"net/http"

	"corral/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ svc *Service }

func NewHTTP(svc *Service) *HTTP { return &HTTP{svc: svc} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}", h.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}/history", h.deviceHistory).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}/status", h.transition).Methods(http.MethodPost)
}

func (h *HTTP) listDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ds, err := h.svc.List(r.URL.Query().Get("institution"))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(ds)
}

func (h *HTTP) getDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["uuid"]
	d, err := h.svc.Get(id)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"uuid": id})
		return
	}
	_ = json.NewEncoder(w).Encode(d)
}

func (h *HTTP) deviceHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	hist, err := h.svc.History(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "History failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(hist)
}

func (h *HTTP) transition(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["uuid"]
	var in struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Status == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", "need {status, reason}", nil)
		return
	}
	d, err := h.svc.Transition(id, models.DeviceStatus(in.Status), in.Reason)
	switch {
	case errors.Is(err, ErrUnknownDevice):
		models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"uuid": id})
		return
	case errors.Is(err, ErrInvalidTransition):
		models.WriteProblem(w, http.StatusConflict, "Invalid transition", err.Error(), map[string]string{"uuid": id})
		return
	case err != nil:
		models.WriteProblem(w, http.StatusInternalServerError, "Transition failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(d)
}
