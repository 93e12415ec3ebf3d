package screentime

import (
	"encoding/json"
	"net/http"

	"corral/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ agg *Aggregator }

func NewHTTP(agg *Aggregator) *HTTP { return &HTTP{agg: agg} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices/{uuid}/screentime", h.records).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}/screentime/limit", h.limit).Methods(http.MethodGet)
}

func (h *HTTP) records(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	recs, err := h.agg.Records(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(recs)
}

func (h *HTTP) limit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	st, err := h.agg.CheckLimit(mux.Vars(r)["uuid"])
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Check failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(st)
}
