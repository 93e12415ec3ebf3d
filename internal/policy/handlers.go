package policy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"corral/internal/models"
	"corral/internal/policy/ruleschema"
	"corral/internal/registry"

	"github.com/gorilla/mux"
	"gorm.io/datatypes"
)

type HTTP struct {
	store    Store
	resolver *Resolver
}

func NewHTTP(store Store, resolver *Resolver) *HTTP {
	return &HTTP{store: store, resolver: resolver}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/policies", h.createPolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies", h.listPolicies).Methods(http.MethodGet)
	api.HandleFunc("/policies/{id}", h.updatePolicy).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/policies/{id}", h.deletePolicy).Methods(http.MethodDelete)

	api.HandleFunc("/assignments", h.createAssignment).Methods(http.MethodPost)
	api.HandleFunc("/assignments", h.listAssignments).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}", h.deleteAssignment).Methods(http.MethodDelete)

	api.HandleFunc("/groups", h.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups", h.listGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}/devices/{uuid}", h.addDeviceToGroup).Methods(http.MethodPost)

	api.HandleFunc("/devices/{uuid}/policy", h.resolved).Methods(http.MethodGet)
}

type policyIn struct {
	InstitutionID string            `json:"institution_id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Priority      int               `json:"priority"`
	Rules         map[string]string `json:"rules"`
	EffectiveFrom *time.Time        `json:"effective_from"`
	EffectiveTo   *time.Time        `json:"effective_to"`
}

func (h *HTTP) createPolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in policyIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	pt := models.PolicyType(in.Type)
	rules, err := ruleschema.ValidateRules(pt, in.Rules)
	if err != nil {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Invalid rules", err.Error(), nil)
		return
	}
	from := time.Now()
	if in.EffectiveFrom != nil {
		from = *in.EffectiveFrom
	}
	if in.EffectiveTo != nil && !from.Before(*in.EffectiveTo) {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Invalid window",
			ErrPolicyWindowInvalid.Error(), nil)
		return
	}
	raw, _ := json.Marshal(rules)
	p := &models.Policy{
		InstitutionID: in.InstitutionID,
		Name:          in.Name,
		Type:          pt,
		Priority:      in.Priority,
		Rules:         datatypes.JSON(raw),
		EffectiveFrom: from,
		EffectiveTo:   in.EffectiveTo,
	}
	if err := h.store.CreatePolicy(p); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	h.resolver.InvalidateAll()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(p)
}

func (h *HTTP) listPolicies(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ps, err := h.store.ListPolicies()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(ps)
}

func (h *HTTP) updatePolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	p, ok, err := h.store.GetPolicy(uint(id))
	if err != nil || !ok {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "policy not found", nil)
		return
	}
	var in policyIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.Name != "" {
		p.Name = in.Name
	}
	if in.Priority != 0 {
		p.Priority = in.Priority
	}
	if in.Rules != nil {
		rules, err := ruleschema.ValidateRules(p.Type, in.Rules)
		if err != nil {
			models.WriteProblem(w, http.StatusUnprocessableEntity, "Invalid rules", err.Error(), nil)
			return
		}
		raw, _ := json.Marshal(rules)
		p.Rules = datatypes.JSON(raw)
	}
	if in.EffectiveFrom != nil {
		p.EffectiveFrom = *in.EffectiveFrom
	}
	if in.EffectiveTo != nil {
		p.EffectiveTo = in.EffectiveTo
	}
	if p.EffectiveTo != nil && !p.EffectiveFrom.Before(*p.EffectiveTo) {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Invalid window",
			ErrPolicyWindowInvalid.Error(), nil)
		return
	}
	if err := h.store.UpdatePolicy(p); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Update failed", err.Error(), nil)
		return
	}
	h.resolver.InvalidateAll()
	_ = json.NewEncoder(w).Encode(p)
}

func (h *HTTP) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err := h.store.DeletePolicy(uint(id)); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Delete failed", err.Error(), nil)
		return
	}
	h.resolver.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) createAssignment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		PolicyID   uint   `json:"policy_id"`
		ScopeType  string `json:"scope_type"`
		ScopeValue string `json:"scope_value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.PolicyID == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", "need {policy_id, scope_type, scope_value}", nil)
		return
	}
	if _, ok, err := h.store.GetPolicy(in.PolicyID); err != nil || !ok {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "policy not found", nil)
		return
	}
	a := &models.PolicyAssignment{
		PolicyID:   in.PolicyID,
		ScopeType:  models.ScopeType(in.ScopeType),
		ScopeValue: in.ScopeValue,
	}
	if err := h.store.CreateAssignment(a); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	h.resolver.InvalidateAll()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(a)
}

func (h *HTTP) listAssignments(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	as, err := h.store.ListAssignments()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(as)
}

func (h *HTTP) deleteAssignment(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err := h.store.DeleteAssignment(uint(id)); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Delete failed", err.Error(), nil)
		return
	}
	h.resolver.InvalidateAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) createGroup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		InstitutionID string `json:"institution_id"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad body", "need {name}", nil)
		return
	}
	g := &models.Group{InstitutionID: in.InstitutionID, Name: in.Name}
	if err := h.store.CreateGroup(g); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(g)
}

func (h *HTTP) listGroups(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	gs, err := h.store.ListGroups()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(gs)
}

func (h *HTTP) addDeviceToGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	uuid := mux.Vars(r)["uuid"]
	if err := h.store.AddDeviceToGroup(uuid, uint(id)); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Assign failed", err.Error(), nil)
		return
	}
	h.resolver.InvalidateDevice(uuid)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) resolved(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["uuid"]
	set, err := h.resolver.Resolve(id)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"uuid": id})
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Resolve failed", err.Error(), nil)
		return
	}
	_ = json.NewEncoder(w).Encode(set)
}
