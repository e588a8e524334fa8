package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/relay/internal/agents"
	"github.com/normanking/relay/internal/backend"
	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/scoring"
	"github.com/normanking/relay/internal/usage"
)

const routerCatalog = `
coder-7b:
  name: coder-7b
  backend_type: daemon-http
  capabilities: [code_generation]
  performance: {context_length: 16384, latency_ms: 800}
general-7b:
  name: general-7b
  backend_type: daemon-http
  capabilities: [general, conversation]
  performance: {context_length: 8192, latency_ms: 600}
chat-3b:
  name: chat-3b
  backend_type: embedded-accelerated
  capabilities: [conversation]
  performance: {context_length: 4096, latency_ms: 300}
  path: /models/chat-3b
`

// scriptedBackend is a Generator whose per-model behavior is programmed by
// the test: fail the next N calls for a model, then answer normally.
type scriptedBackend struct {
	mu       sync.Mutex
	failures map[string]int
	failKind backend.ErrorKind
	calls    []string
}

func newScripted() *scriptedBackend {
	return &scriptedBackend{failures: make(map[string]int), failKind: backend.KindTimeout}
}

func (s *scriptedBackend) failNext(model string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[model] = n
}

func (s *scriptedBackend) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Model)
	if s.failures[req.Model] > 0 {
		s.failures[req.Model]--
		return nil, &backend.Error{Kind: s.failKind, Backend: "scripted", Err: errors.New("scripted failure")}
	}
	return &backend.Response{Text: "reply from " + req.Model, TokensUsed: 3}, nil
}

func (s *scriptedBackend) Probe(ctx context.Context) ([]string, error) {
	return nil, nil
}

type fixture struct {
	router  *Router
	backend *scriptedBackend
	tracker *usage.Tracker
}

// newFixture wires a router over the test catalog with every backend online.
// register adds profiles before the router is built.
func newFixture(t *testing.T, register func(*agents.Registry)) *fixture {
	t.Helper()

	cat, err := catalog.Parse([]byte(routerCatalog))
	require.NoError(t, err)

	sb := newScripted()
	disp := backend.NewDispatcher()
	disp.Register(catalog.KindDaemonHTTP, sb)
	disp.Register(catalog.KindEmbedded, sb)

	chk := catalog.NewChecker(cat, disp.Probers(), time.Hour, time.Second)

	reg := agents.NewRegistry()
	if register != nil {
		register(reg)
	}

	tracker := usage.NewTracker(nil)
	r := New(cat, chk, reg, disp, tracker, scoring.DefaultWeights(),
		GenDefaults{MaxTokens: 512, Temperature: 0.7})

	return &fixture{router: r, backend: sb, tracker: tracker}
}

func coderProfile() *agents.Profile {
	return &agents.Profile{
		Name:            "coder",
		SystemPrompt:    "You are a careful software engineer.",
		TaskTypes:       []string{"code_generation"},
		PreferredModels: []string{"coder-7b", "general-7b"},
		Priority:        10,
	}
}

func generalistProfile() *agents.Profile {
	return &agents.Profile{
		Name:            "generalist",
		SystemPrompt:    "You are a helpful assistant.",
		TaskTypes:       []string{"conversation"},
		PreferredModels: []string{"general-7b"},
		Priority:        50,
		Default:         true,
	}
}

func TestRouteSelectsCodeCapableModel(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
		require.NoError(t, reg.Register(generalistProfile(), false))
	})

	res := f.router.Route(context.Background(), "write a sort function", TaskContext{TaskType: "code_generation"})

	assert.False(t, res.Degraded)
	assert.Equal(t, "coder", res.Agent)
	assert.Equal(t, "coder-7b", res.Model)
	assert.Greater(t, res.Confidence, 0.0)
	assert.Equal(t, "reply from coder-7b", res.Content)
	assert.Equal(t, "false", res.Metadata["fallback_used"])
	assert.Equal(t, "0", res.Metadata["retries"])
	assert.NotEmpty(t, res.RequestID)
	assert.NotEmpty(t, res.Reasoning)
}

func TestRouteEmptyRegistryDegrades(t *testing.T) {
	f := newFixture(t, nil)

	res := f.router.Route(context.Background(), "hello", TaskContext{TaskType: "conversation"})

	assert.True(t, res.Degraded)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, "NoAgentAvailable", res.Metadata["error"])
	assert.Equal(t, "true", res.Metadata["fallback_used"])
	assert.NotContains(t, res.Content, "NoAgentAvailable", "diagnostic must not leak into content")
}

func TestRouteRetriesOnceOnTimeout(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
	})
	f.backend.failNext("coder-7b", 1)

	res := f.router.Route(context.Background(), "write code", TaskContext{TaskType: "code_generation"})

	assert.False(t, res.Degraded)
	assert.Equal(t, "general-7b", res.Model)
	assert.Equal(t, "true", res.Metadata["fallback_used"])
	assert.Equal(t, "1", res.Metadata["retries"])
	assert.Equal(t, []string{"coder-7b", "general-7b"}, f.backend.calls)
}

func TestRouteDegradesAfterChainExhaustion(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
	})
	// Every model in the chain fails, including the rule-table fallback.
	f.backend.failNext("coder-7b", 10)
	f.backend.failNext("general-7b", 10)
	f.backend.failNext("chat-3b", 10)

	res := f.router.Route(context.Background(), "write code", TaskContext{TaskType: "code_generation"})

	assert.True(t, res.Degraded)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, "true", res.Metadata["fallback_used"])
	assert.Contains(t, res.Metadata["error"], "BackendError")
	assert.NotContains(t, res.Content, "scripted failure", "raw backend error must not leak")
	// Each chain candidate was tried exactly once.
	assert.Equal(t, []string{"coder-7b", "general-7b"}, f.backend.calls)
}

func TestRoutePreferredModelWinsOrder(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
	})

	res := f.router.Route(context.Background(), "write code", TaskContext{
		TaskType:       "code_generation",
		PreferredModel: "general-7b",
	})

	assert.Equal(t, "general-7b", res.Model)
}

func TestRouteAvoidDominatesPreferred(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
	})

	// Avoided even when explicitly preferred and first in the preference
	// list; the router must fall through to the next candidate.
	res := f.router.Route(context.Background(), "write code", TaskContext{
		TaskType:       "code_generation",
		PreferredModel: "coder-7b",
		AvoidModel:     "coder-7b",
	})

	assert.False(t, res.Degraded)
	assert.Equal(t, "general-7b", res.Model)
	assert.NotContains(t, f.backend.calls, "coder-7b")
}

func TestRouteAvoidExcludedFromRuleTable(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		// Sole preference is the avoided model, so only the rule table is
		// left, and it must also exclude the avoided model.
		p := &agents.Profile{
			Name:            "narrow",
			SystemPrompt:    "You write code.",
			TaskTypes:       []string{"code_generation"},
			PreferredModels: []string{"coder-7b"},
			Priority:        10,
		}
		require.NoError(t, reg.Register(p, false))
	})

	res := f.router.Route(context.Background(), "write code", TaskContext{
		TaskType:   "code_generation",
		AvoidModel: "coder-7b",
	})

	assert.False(t, res.Degraded)
	assert.NotEqual(t, "coder-7b", res.Model)
	assert.NotContains(t, f.backend.calls, "coder-7b")
}

func TestRouteTieBreaksByRegistrationOrder(t *testing.T) {
	twin := func(name string) *agents.Profile {
		return &agents.Profile{
			Name:            name,
			SystemPrompt:    "You analyze things.",
			TaskTypes:       []string{"analysis"},
			PreferredModels: []string{"general-7b"},
			Priority:        10,
		}
	}

	ab := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(twin("alpha"), false))
		require.NoError(t, reg.Register(twin("beta"), false))
	})
	res := ab.router.Route(context.Background(), "analyze", TaskContext{TaskType: "analysis"})
	assert.Equal(t, "alpha", res.Agent)

	ba := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(twin("beta"), false))
		require.NoError(t, reg.Register(twin("alpha"), false))
	})
	res = ba.router.Route(context.Background(), "analyze", TaskContext{TaskType: "analysis"})
	assert.Equal(t, "beta", res.Agent)
}

func TestRouteRecordsUsage(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
	})

	f.router.Route(context.Background(), "write code", TaskContext{TaskType: "code_generation"})
	f.router.Route(context.Background(), "write more code", TaskContext{TaskType: "code_generation"})

	stats := f.router.UsageStats()
	assert.Equal(t, int64(2), stats.Models["coder-7b"].Requests)
	assert.Equal(t, int64(2), stats.Agents["coder"].Requests)
}

func TestListAgentsAndModels(t *testing.T) {
	f := newFixture(t, func(reg *agents.Registry) {
		require.NoError(t, reg.Register(coderProfile(), false))
		require.NoError(t, reg.Register(generalistProfile(), false))
	})

	profiles := f.router.ListAgents()
	require.Len(t, profiles, 2)
	assert.Equal(t, "coder", profiles[0].Name)

	models := f.router.ListModels()
	require.Len(t, models, 3)
	assert.Equal(t, "chat-3b", models[0].Key)
}
