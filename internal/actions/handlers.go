package actions

import (
	"encoding/json"
	"errors"
	"net/http"

	"corral/internal/models"
	"corral/internal/registry"

	"github.com/gorilla/mux"
)

type HTTP struct{ disp *Dispatcher }

func NewHTTP(disp *Dispatcher) *HTTP { return &HTTP{disp: disp} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices/{uuid}/actions", h.create).Methods(http.MethodPost)
	api.HandleFunc("/devices/{uuid}/actions", h.listForDevice).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}/cancel", h.cancel).Methods(http.MethodPost)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceUUID := mux.Vars(r)["uuid"]
	var in struct {
		Type        string         `json:"type"`
		Parameters  map[string]any `json:"parameters"`
		RequestedBy string         `json:"requested_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Type == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", "need {type, parameters, requested_by}", nil)
		return
	}
	a, err := h.disp.Request(deviceUUID, models.ActionType(in.Type), in.Parameters, in.RequestedBy)
	switch {
	case errors.Is(err, registry.ErrUnknownDevice):
		models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"uuid": deviceUUID})
		return
	case errors.Is(err, ErrDeviceNotActionable):
		models.WriteProblem(w, http.StatusConflict, "Not actionable", err.Error(), map[string]string{"uuid": deviceUUID})
		return
	case err != nil:
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(a)
}

func (h *HTTP) listForDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	as, err := h.disp.ListForDevice(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(as)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	a, err := h.disp.Get(id)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "action not found", map[string]string{"id": id})
		return
	}
	_ = json.NewEncoder(w).Encode(a)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	a, err := h.disp.Cancel(id)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "action not found", map[string]string{"id": id})
		return
	}
	_ = json.NewEncoder(w).Encode(a)
}
