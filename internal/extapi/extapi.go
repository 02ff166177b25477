// Package extapi exposes internal/engine's operation surface (spec §6.2)
// over HTTP. Handlers do nothing but decode a request, call the engine, and
// encode a response — no auth, no session handling, no websockets, all of
// which stay out of scope.
//
// Grounded on the teacher's pkg/dependencies/handlers.go: a Handlers struct
// wrapping the core type, RegisterRoutes(*mux.Router), one handler method
// per endpoint reading path vars with mux.Vars.
package extapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/datafold/internal/engine"
	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/mutate"
	"github.com/platinummonkey/datafold/internal/schema"
)

// Handlers serves the engine's operation surface over HTTP.
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers builds handlers over e.
func NewHandlers(e *engine.Engine) *Handlers {
	return &Handlers{engine: e}
}

// RegisterRoutes wires every endpoint onto router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/schemas/{name}", h.loadSchema).Methods(http.MethodPut)
	router.HandleFunc("/schemas/{name}/approve", h.approveSchema).Methods(http.MethodPost)
	router.HandleFunc("/schemas/{name}/block", h.blockSchema).Methods(http.MethodPost)
	router.HandleFunc("/schemas/{name}/available", h.setSchemaAvailable).Methods(http.MethodPost)
	router.HandleFunc("/schemas/{name}/query", h.query).Methods(http.MethodPost)
	router.HandleFunc("/schemas/{name}/mutate", h.mutate).Methods(http.MethodPost)
	router.HandleFunc("/schemas/{name}/transforms", h.listTransforms).Methods(http.MethodGet)
	router.HandleFunc("/transforms/{id}/run", h.runTransform).Methods(http.MethodPost)
}

type loadSchemaRequest struct {
	Schema *schema.Schema `json:"schema"`
	NodeID string         `json:"node_id"`
}

// loadSchema handles PUT /schemas/{name}.
func (h *Handlers) loadSchema(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req loadSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Schema == nil {
		http.Error(w, "schema is required", http.StatusBadRequest)
		return
	}
	req.Schema.Name = name

	if err := h.engine.LoadSchema(r.Context(), req.Schema, req.NodeID); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// approveSchema handles POST /schemas/{name}/approve.
func (h *Handlers) approveSchema(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.engine.ApproveSchema(r.Context(), name); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// blockSchema handles POST /schemas/{name}/block.
func (h *Handlers) blockSchema(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.engine.BlockSchema(r.Context(), name); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setSchemaAvailable handles POST /schemas/{name}/available.
func (h *Handlers) setSchemaAvailable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.engine.SetSchemaAvailable(r.Context(), name); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Fields []string               `json:"fields"`
	NodeID string                 `json:"node_id"`
	Filter map[string]interface{} `json:"filter,omitempty"`
}

type queryResultPayload struct {
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// query handles POST /schemas/{name}/query.
func (h *Handlers) query(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := h.engine.Query(r.Context(), name, req.Fields, req.NodeID, req.Filter)
	if err != nil {
		writeFault(w, err)
		return
	}

	out := make(map[string]queryResultPayload, len(results))
	for field, res := range results {
		payload := queryResultPayload{Value: res.Value}
		if res.Err != nil {
			payload.Error = res.Err.Error()
		}
		out[field] = payload
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type mutateRequest struct {
	FieldsAndValues map[string]interface{} `json:"fields_and_values"`
	PubKey          string                  `json:"pub_key"`
	TrustDistance   int                     `json:"trust_distance"`
	MutationType    string                  `json:"mutation_type"`
}

// mutate handles POST /schemas/{name}/mutate.
func (h *Handlers) mutate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.engine.Mutate(r.Context(), mutate.Mutation{
		SchemaName:      name,
		FieldsAndValues: req.FieldsAndValues,
		PubKey:          req.PubKey,
		TrustDistance:   req.TrustDistance,
		MutationType:    req.MutationType,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listTransforms handles GET /schemas/{name}/transforms.
func (h *Handlers) listTransforms(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ids := h.engine.ListTransforms(name)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"schema":     name,
		"transforms": ids,
	})
}

// runTransform handles POST /transforms/{id}/run.
func (h *Handlers) runTransform(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.RunTransform(r.Context(), id); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeFault maps the engine's error taxonomy onto an HTTP status and a
// JSON error body.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := fault.KindOf(err); ok {
		switch kind {
		case fault.NotFound:
			status = http.StatusNotFound
		case fault.PermissionDenied:
			status = http.StatusForbidden
		case fault.ValidationFailed, fault.ParseFailed:
			status = http.StatusBadRequest
		case fault.Timeout:
			status = http.StatusGatewayTimeout
		case fault.EvaluationFailed, fault.StorageFault, fault.Inconsistency:
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// NewRouter builds a ready-to-serve mux.Router with every route registered.
func NewRouter(e *engine.Engine) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(e).RegisterRoutes(router)
	return router
}
