package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/modelbridge/modelbridge/internal/authflow"
	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/db"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/gateway"
	"github.com/modelbridge/modelbridge/internal/gateway/wire"
	"github.com/modelbridge/modelbridge/internal/permissions"
	"github.com/modelbridge/modelbridge/internal/plugins"
	"github.com/modelbridge/modelbridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server *httptest.Server
	apiKey string
	auth   *authstore.Store
	engine *permissions.Engine
}

// newTestServer stands up the full stack behind the router against a
// stubbed models.dev snapshot and the given upstream handler.
func newTestServer(t *testing.T, upstream http.Handler) *testServer {
	t.Helper()

	upstreamServer := httptest.NewServer(upstream)
	t.Cleanup(upstreamServer.Close)

	snapshot := fmt.Sprintf(`{
		"testprov": {
			"id": "testprov",
			"name": "Test Provider",
			"api": %q,
			"models": {
				"m1": {"id": "m1", "name": "Model One", "temperature": true, "tool_call": true}
			}
		}
	}`, upstreamServer.URL)
	snapServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(snapshot))
	}))
	t.Cleanup(snapServer.Close)
	t.Setenv("BRIDGE_REGISTRY_URL", snapServer.URL)

	gdb, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store := db.NewStore(gdb)
	bus := events.NewBus()
	pm := plugins.NewManager()
	auth := authstore.New(store, bus)
	reg := registry.New(store, &config.Config{}, pm, auth, bus, registry.NewModelsDevClient(store))
	engine := permissions.NewEngine(store, bus)
	flows := authflow.NewManager(pm, auth, reg, bus, nil, plugins.NewOAuthHelper(func(string) error { return nil }))
	gw := gateway.New(reg, auth, pm)

	router := NewRouter(Deps{
		DB:          gdb,
		Registry:    reg,
		Auth:        auth,
		Permissions: engine,
		Flows:       flows,
		Gateway:     gw,
		Bus:         bus,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		server: server,
		apiKey: db.GetAPIKey(gdb),
		auth:   auth,
		engine: engine,
	}
}

// do issues an authenticated request and decodes the JSON response.
func (ts *testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	resp, err := http.Get(ts.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyGuard(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	resp, err := http.Get(ts.server.URL + "/api/providers")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/api/providers", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", ts.apiKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	var out struct {
		Models []models.ProviderModel `json:"models"`
		Count  int                    `json:"count"`
	}
	resp := ts.do(t, http.MethodGet, "/api/models?provider=testprov", nil, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "m1", out.Models[0].ModelID)
}

func TestPermissionLifecycle(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	// Create a pending request.
	var request models.PendingRequest
	resp := ts.do(t, http.MethodPost, "/api/permissions/requests", map[string]interface{}{
		"action":  "create",
		"origin":  "https://a.test",
		"modelID": "testprov/m1",
	}, &request)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, request.ID)

	var pending struct {
		Count int `json:"count"`
	}
	ts.do(t, http.MethodGet, "/api/permissions/pending?origin=https://a.test", nil, &pending)
	assert.Equal(t, 1, pending.Count)

	// Resolve it and confirm the rule landed.
	resp = ts.do(t, http.MethodPost, "/api/permissions/requests", map[string]interface{}{
		"action":    "resolve",
		"requestID": request.ID,
		"decision":  "allowed",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var state permissions.OriginPermissions
	ts.do(t, http.MethodGet, "/api/origin?origin=https://a.test", nil, &state)
	assert.True(t, state.Enabled)
	require.Contains(t, state.Rules, "testprov/m1")
	assert.Equal(t, models.PermissionAllowed, state.Rules["testprov/m1"].Status)

	ts.do(t, http.MethodGet, "/api/permissions/pending?origin=https://a.test", nil, &pending)
	assert.Equal(t, 0, pending.Count)
}

func TestAcquireModelGrantsAfterApproval(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	var denied struct {
		Granted   bool   `json:"granted"`
		RequestID string `json:"requestID"`
	}
	ts.do(t, http.MethodPost, "/api/models/acquire", map[string]interface{}{
		"origin": "https://a.test",
		"model":  "testprov/m1",
	}, &denied)
	assert.False(t, denied.Granted)
	require.NotEmpty(t, denied.RequestID)

	require.NoError(t, ts.engine.ResolvePermissionRequest(denied.RequestID, models.PermissionAllowed))

	var granted struct {
		Granted   bool                 `json:"granted"`
		SessionID string               `json:"sessionID"`
		Model     models.ProviderModel `json:"model"`
	}
	ts.do(t, http.MethodPost, "/api/models/acquire", map[string]interface{}{
		"origin": "https://a.test",
		"model":  "testprov/m1",
	}, &granted)
	assert.True(t, granted.Granted)
	assert.NotEmpty(t, granted.SessionID)
	assert.Equal(t, "m1", granted.Model.ModelID)
}

func TestGenerateRequiresPermission(t *testing.T) {
	ts := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached without permission")
	}))

	resp := ts.do(t, http.MethodPost, "/api/models/generate", map[string]interface{}{
		"origin": "https://a.test",
		"model":  "testprov/m1",
		"params": map[string]interface{}{},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGenerateEndToEnd(t *testing.T) {
	ts := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.OpenAIChatResponse{
			ID: "chatcmpl-1",
			Choices: []wire.OpenAIChoice{{
				Message:      wire.OpenAIMessage{Role: "assistant", Content: wire.OpenAIContent{{Type: "text", Text: "pong"}}},
				FinishReason: "stop",
			}},
		})
	}))
	require.NoError(t, ts.auth.Set(models.AuthRecord{ProviderID: "testprov", Type: models.AuthTypeAPI, Key: "sk-test"}))
	require.NoError(t, ts.engine.SetModelPermission("https://a.test", "testprov/m1", models.PermissionAllowed, nil))

	var out struct {
		RequestID string            `json:"requestID"`
		Response  wire.ChatResponse `json:"response"`
	}
	resp := ts.do(t, http.MethodPost, "/api/models/generate", map[string]interface{}{
		"origin": "https://a.test",
		"model":  "testprov/m1",
		"params": map[string]interface{}{
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "ping"},
			},
		},
	}, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, "pong", out.Response.Text())
}

func TestAbortUnknownRequest(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	var out struct {
		Aborted bool `json:"aborted"`
	}
	resp := ts.do(t, http.MethodPost, "/api/models/abort", map[string]interface{}{
		"requestID": "req-unknown",
	}, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, out.Aborted)
}

func TestRegenerateAPIKeyRotates(t *testing.T) {
	ts := newTestServer(t, http.NotFoundHandler())

	var out struct {
		APIKey string `json:"apiKey"`
	}
	resp := ts.do(t, http.MethodPost, "/api/config/apikey/regenerate", nil, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out.APIKey)
	assert.NotEqual(t, ts.apiKey, out.APIKey)

	// The old key stops working.
	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/api/providers", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.apiKey)
	reply, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	reply.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, reply.StatusCode)
}
