package compliance

import (
	"encoding/json"
	"net/http"

	"corral/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ eval *Evaluator }

func NewHTTP(eval *Evaluator) *HTTP { return &HTTP{eval: eval} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/violations", h.listAll).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}/violations", h.listForDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}/checks", h.checks).Methods(http.MethodGet)
}

func (h *HTTP) listAll(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vs, err := h.eval.ListOpenAll()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(vs)
}

func (h *HTTP) listForDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vs, err := h.eval.ListOpen(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(vs)
}

func (h *HTTP) checks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cs, err := h.eval.Checks(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(cs)
}
