// Package router ties the registries, scorer and backends together into the
// routing state machine: resolve an agent, score the candidates, render the
// prompt, select a model, generate, and walk the fallback chain when a
// backend fails. Callers always get an AgentResult back; backend failures
// surface as a degraded result, never as a raw error.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/relay/internal/agents"
	"github.com/normanking/relay/internal/backend"
	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/scoring"
	"github.com/normanking/relay/internal/usage"
)

// degradedApology is the fixed user-facing text of a degraded result. The
// diagnostic detail goes into metadata, never into the content.
const degradedApology = "I wasn't able to complete this request right now. Please try again in a moment."

// ═══════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// TaskContext describes the request being routed.
type TaskContext struct {
	TaskType             string            `json:"task_type"`
	Complexity           string            `json:"complexity,omitempty"`
	RequiresReasoning    bool              `json:"requires_reasoning,omitempty"`
	RequiresCreativity   bool              `json:"requires_creativity,omitempty"`
	LatencyRequirementMs int               `json:"latency_requirement_ms,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	PreferredModel       string            `json:"preferred_model,omitempty"`
	AvoidModel           string            `json:"avoid_model,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// AgentResult is the outcome of one routed request. Degraded results carry
// confidence 0 and diagnostic metadata instead of an error return.
type AgentResult struct {
	RequestID  string            `json:"request_id"`
	Agent      string            `json:"agent"`
	Model      string            `json:"model"`
	Content    string            `json:"content"`
	Confidence float64           `json:"confidence"`
	TokensUsed int               `json:"tokens_used"`
	LatencyMs  int64             `json:"latency_ms"`
	Degraded   bool              `json:"degraded"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

// GenDefaults are the generation parameters applied when neither the task
// nor the agent profile sets them.
type GenDefaults struct {
	MaxTokens   int
	Temperature float64
}

// Router is the routing engine.
type Router struct {
	catalog  *catalog.Catalog
	checker  *catalog.Checker
	registry *agents.Registry
	backends *backend.Dispatcher
	tracker  *usage.Tracker
	weights  scoring.Weights
	defaults GenDefaults
	log      *logging.Logger
}

// New creates a router over the given components.
func New(cat *catalog.Catalog, chk *catalog.Checker, reg *agents.Registry,
	disp *backend.Dispatcher, tracker *usage.Tracker, weights scoring.Weights, defaults GenDefaults) *Router {
	return &Router{
		catalog:  cat,
		checker:  chk,
		registry: reg,
		backends: disp,
		tracker:  tracker,
		weights:  weights,
		defaults: defaults,
		log:      logging.Global().WithComponent("Router"),
	}
}

// task converts the request context into the scorer's view of it.
func (tc TaskContext) task() scoring.Task {
	return scoring.Task{
		TaskType:             tc.TaskType,
		Tags:                 tc.Tags,
		RequiredCapabilities: tc.RequiredCapabilities,
		LatencyRequirementMs: tc.LatencyRequirementMs,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ═══════════════════════════════════════════════════════════════════════════════

// Route runs one request through the full state machine. It never returns an
// error for backend or registry failures; those degrade into the result.
//
// Cancellation caveat: a backend call already in flight is not forcibly
// cancelled when the caller abandons ctx; it runs to its own timeout and the
// result is discarded.
func (r *Router) Route(ctx context.Context, userInput string, tc TaskContext) *AgentResult {
	requestID := uuid.NewString()
	start := time.Now()

	candidates, err := r.registry.Resolve(tc.TaskType, tc.Tags)
	if err != nil {
		r.log.Warn("request %s: %v", requestID, err)
		r.record(requestID, "", "", start, 0, 0, false)
		return r.degraded(requestID, "", "", "NoAgentAvailable", start)
	}

	agent, chain, best := r.selectCandidate(ctx, candidates, tc)
	if agent == nil {
		// Registry matched but the catalog has nothing to run on.
		r.record(requestID, "", "", start, 0, 0, false)
		return r.degraded(requestID, "", "", "NoModelAvailable", start)
	}

	prompt := RenderPrompt(agent, userInput, tc)
	maxTokens, temperature := r.genParams(agent)

	retries := 0
	for i, m := range chain {
		resp, genErr := r.backends.Generate(ctx, m, backend.Request{
			Prompt:      prompt,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		})
		if genErr != nil {
			kind, _ := backend.KindOf(genErr)
			r.log.Warn("request %s: model %s failed (%s), %d candidates left",
				requestID, m.Key, kind, len(chain)-i-1)
			retries++
			r.record(requestID, agent.Name, m.Key, start, 0, retries, false)
			continue
		}

		elapsed := time.Since(start).Milliseconds()
		r.record(requestID, agent.Name, m.Key, start, resp.TokensUsed, retries, true)
		r.log.Info("request %s: agent=%s model=%s tokens=%d elapsed=%dms",
			requestID, agent.Name, m.Key, resp.TokensUsed, elapsed)

		result := &AgentResult{
			RequestID:  requestID,
			Agent:      agent.Name,
			Model:      m.Key,
			Content:    resp.Text,
			Confidence: best.Confidence,
			TokensUsed: resp.TokensUsed,
			LatencyMs:  elapsed,
			Reasoning:  best.Reasoning(),
			Metadata: map[string]string{
				"task_type":     tc.TaskType,
				"fallback_used": fmt.Sprintf("%t", retries > 0),
				"retries":       fmt.Sprintf("%d", retries),
			},
		}
		return result
	}

	// Chain exhausted: every candidate failed.
	return r.degraded(requestID, agent.Name, chain[len(chain)-1].Key, "BackendError: fallback chain exhausted", start)
}

// selectCandidate scores every resolved agent with the model it would run on
// and returns the winner plus its ordered fallback chain. Ties keep the
// resolution order, which is priority then registration order.
func (r *Router) selectCandidate(ctx context.Context, candidates []*agents.Profile, tc TaskContext) (*agents.Profile, []*catalog.ModelDescriptor, scoring.CandidateScore) {
	task := tc.task()

	var (
		bestAgent *agents.Profile
		bestChain []*catalog.ModelDescriptor
		bestScore scoring.CandidateScore
	)
	for _, p := range candidates {
		chain := r.modelChain(ctx, p, tc)
		if len(chain) == 0 {
			continue
		}
		s := scoring.Score(p, chain[0], task, r.weights)
		if bestAgent == nil || s.Score > bestScore.Score {
			bestAgent, bestChain, bestScore = p, chain, s
		}
	}
	return bestAgent, bestChain, bestScore
}

// modelChain builds the ordered fallback chain for an agent: the explicit
// preferred model first, then the agent's preference list, then the
// rule-table fallback. Entries absent from the catalog or currently
// unavailable are skipped, and the avoided model is excluded everywhere,
// even when it is also marked preferred.
func (r *Router) modelChain(ctx context.Context, p *agents.Profile, tc TaskContext) []*catalog.ModelDescriptor {
	var chain []*catalog.ModelDescriptor
	seen := make(map[string]bool)

	add := func(key string) {
		if key == "" || key == tc.AvoidModel || seen[key] {
			return
		}
		m, ok := r.catalog.Lookup(key)
		if !ok {
			return
		}
		if !r.checker.IsAvailable(ctx, key) {
			return
		}
		seen[key] = true
		chain = append(chain, m)
	}

	add(tc.PreferredModel)
	for _, key := range p.PreferredModels {
		add(key)
	}

	if fb, err := scoring.Fallback(r.catalog, r.checker.Available(ctx), tc.TaskType, tc.AvoidModel); err == nil {
		add(fb.Key)
	}

	return chain
}

// genParams resolves generation parameters: agent profile first, configured
// defaults otherwise.
func (r *Router) genParams(p *agents.Profile) (int, float64) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.defaults.MaxTokens
	}
	temperature := p.Temperature
	if temperature <= 0 {
		temperature = r.defaults.Temperature
	}
	return maxTokens, temperature
}

// degraded builds the fixed degraded result. Callers account the failure
// themselves; attempts along the fallback chain were already recorded.
func (r *Router) degraded(requestID, agentName, modelKey, diagnostic string, start time.Time) *AgentResult {
	return &AgentResult{
		RequestID:  requestID,
		Agent:      agentName,
		Model:      modelKey,
		Content:    degradedApology,
		Confidence: 0,
		LatencyMs:  time.Since(start).Milliseconds(),
		Degraded:   true,
		Metadata: map[string]string{
			"fallback_used": "true",
			"error":         diagnostic,
		},
	}
}

// record accounts one attempt outcome.
func (r *Router) record(requestID, agentName, modelKey string, start time.Time, tokens, retries int, success bool) {
	if r.tracker == nil {
		return
	}
	r.tracker.Record(usage.Event{
		RequestID:    requestID,
		Agent:        agentName,
		Model:        modelKey,
		LatencyMs:    time.Since(start).Milliseconds(),
		Tokens:       tokens,
		FallbackUsed: retries > 0,
		Retries:      retries,
		Success:      success,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// PUBLIC QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// ListAgents returns the registered profiles in resolution order.
func (r *Router) ListAgents() []*agents.Profile {
	return r.registry.List()
}

// ListModels returns the catalog descriptors in deterministic order.
func (r *Router) ListModels() []*catalog.ModelDescriptor {
	return r.catalog.List()
}

// UsageStats returns the cumulative usage snapshot.
func (r *Router) UsageStats() usage.Summary {
	if r.tracker == nil {
		return usage.Summary{}
	}
	return r.tracker.Snapshot()
}

// BackendStatus reports probe state for the stats surface.
func (r *Router) BackendStatus() map[string]interface{} {
	return r.checker.Status()
}
