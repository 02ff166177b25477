package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/datafold/internal/config"
	"github.com/platinummonkey/datafold/internal/engine"
	"github.com/platinummonkey/datafold/internal/schema"
)

func newTestServer(t *testing.T) (*mux.Router, *engine.Engine) {
	t.Helper()
	cfg := &config.Config{
		KV:           config.KVConfig{DSN: ":memory:"},
		Lifecycle:    config.LifecycleConfig{SchemaDir: t.TempDir()},
		Orchestrator: config.OrchestratorConfig{Workers: 2},
		Resolver:     config.ResolverConfig{CacheEnabled: false},
	}
	e, err := engine.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown() })
	return NewRouter(e), e
}

func profileSchema() *schema.Schema {
	return &schema.Schema{
		Name:          "Profile",
		PaymentConfig: schema.PaymentConfig{BaseMultiplier: 1},
		Fields: map[string]*schema.Field{
			"username": {Kind: schema.KindSingle, PaymentConfig: schema.PaymentConfig{BaseMultiplier: 1}},
		},
	}
}

func TestLoadApproveMutateQuery_RoundTrip(t *testing.T) {
	router, _ := newTestServer(t)

	body, err := json.Marshal(loadSchemaRequest{Schema: profileSchema(), NodeID: "node-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/schemas/Profile", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/schemas/Profile/approve", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	mutateBody, err := json.Marshal(mutateRequest{
		FieldsAndValues: map[string]interface{}{"username": "ada"},
		PubKey:          "node-1",
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/schemas/Profile/mutate", bytes.NewReader(mutateBody))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	queryBody, err := json.Marshal(queryRequest{Fields: []string{"username"}, NodeID: "node-1"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/schemas/Profile/query", bytes.NewReader(queryBody))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var results map[string]queryResultPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	require.Equal(t, "ada", results["username"].Value)
	require.Empty(t, results["username"].Error)
}

func TestQuery_DeniedWithoutPermissionReportsPerField(t *testing.T) {
	router, _ := newTestServer(t)

	body, err := json.Marshal(loadSchemaRequest{Schema: profileSchema(), NodeID: "node-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/schemas/Profile", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/schemas/Profile/approve", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	queryBody, err := json.Marshal(queryRequest{Fields: []string{"username"}, NodeID: "intruder"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/schemas/Profile/query", bytes.NewReader(queryBody))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var results map[string]queryResultPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	require.NotEmpty(t, results["username"].Error)
}

func TestApproveSchema_UnknownSchemaReturnsNotFound(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/schemas/Ghost/approve", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTransforms_ReflectsRegisteredTransform(t *testing.T) {
	router, _ := newTestServer(t)

	orderSchema := &schema.Schema{
		Name:          "Order",
		PaymentConfig: schema.PaymentConfig{BaseMultiplier: 1},
		Fields: map[string]*schema.Field{
			"subtotal": {Kind: schema.KindSingle, PaymentConfig: schema.PaymentConfig{BaseMultiplier: 1}},
			"total": {
				Kind:          schema.KindSingle,
				PaymentConfig: schema.PaymentConfig{BaseMultiplier: 1},
				Transform: &schema.Transform{
					Inputs: []string{"Order.subtotal"},
					Logic:  "Order.subtotal",
					Output: "Order.total",
				},
			},
		},
	}

	body, err := json.Marshal(loadSchemaRequest{Schema: orderSchema, NodeID: "node-1"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/schemas/Order", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/schemas/Order/approve", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/schemas/Order/transforms", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body2 struct {
		Schema     string   `json:"schema"`
		Transforms []string `json:"transforms"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body2))
	require.Contains(t, body2.Transforms, "Order.total")
}
