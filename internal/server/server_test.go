package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/agents"
	"github.com/normanking/relay/internal/backend"
	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/router"
	"github.com/normanking/relay/internal/scoring"
	"github.com/normanking/relay/internal/usage"
)

const serverCatalog = `
general-7b:
  name: general-7b
  backend_type: daemon-http
  capabilities: [general, conversation]
  performance: {context_length: 8192, latency_ms: 600}
`

type okBackend struct{}

func (okBackend) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	return &backend.Response{Text: "ok from " + req.Model, TokensUsed: 2}, nil
}

func (okBackend) Probe(ctx context.Context) ([]string, error) {
	return nil, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()

	cat, err := catalog.Parse([]byte(serverCatalog))
	require.NoError(t, err)

	disp := backend.NewDispatcher()
	disp.Register(catalog.KindDaemonHTTP, okBackend{})
	chk := catalog.NewChecker(cat, disp.Probers(), time.Hour, time.Second)

	reg := agents.NewRegistry()
	require.NoError(t, reg.Register(&agents.Profile{
		Name:            "generalist",
		SystemPrompt:    "You are helpful.",
		TaskTypes:       []string{"conversation"},
		PreferredModels: []string{"general-7b"},
		Default:         true,
	}, false))

	r := router.New(cat, chk, reg, disp, usage.NewTracker(nil),
		scoring.DefaultWeights(), router.GenDefaults{MaxTokens: 256, Temperature: 0.7})

	return New(r, "127.0.0.1:0", []string{"*"})
}

func TestRouteEndpoint(t *testing.T) {
	srv := testServer(t)

	body := `{"input":"hello","task_context":{"task_type":"conversation"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var res router.AgentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "generalist", res.Agent)
	assert.Equal(t, "general-7b", res.Model)
	assert.Equal(t, "ok from general-7b", res.Content)
	assert.False(t, res.Degraded)
}

func TestRouteEndpointRejectsEmptyInput(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader(`{"input":""}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteEndpointRejectsGet(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/route", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAgentsEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Agents []agents.Profile `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Agents, 1)
	assert.Equal(t, "generalist", out.Agents[0].Name)
}

func TestModelsEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "general-7b")
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)

	// Route once so the counters are non-empty.
	body := `{"input":"hi","task_context":{"task_type":"conversation"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader(body))
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "general-7b")
	assert.Contains(t, rec.Body.String(), "backends")
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCORSHeaders(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
