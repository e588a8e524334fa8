// Package scoring implements the multi-factor fitness scorer that ranks
// (agent profile, model) pairs for a task. Scoring is a pure function over
// in-memory structs: the same inputs always produce the same scores, and
// nothing here touches a backend.
//
// The weights and thresholds are fixed heuristic constants with no
// calibration basis. They are configurable so deployments can tune them,
// but the defaults are starting points, not targets.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/normanking/relay/internal/agents"
	"github.com/normanking/relay/internal/catalog"
)

// MaxPriority caps the agent priority scale; priorities at or beyond it
// floor out rather than going negative.
const MaxPriority = 100

// ═══════════════════════════════════════════════════════════════════════════════
// WEIGHTS
// ═══════════════════════════════════════════════════════════════════════════════

// Weights are the factor weights of the composite score.
type Weights struct {
	TaskMatch    float64
	ModelPerf    float64
	Priority     float64
	TagBonus     float64
	LatencyBonus float64
}

// DefaultWeights returns the built-in factor weights.
func DefaultWeights() Weights {
	return Weights{
		TaskMatch:    0.4,
		ModelPerf:    0.3,
		Priority:     0.2,
		TagBonus:     0.05,
		LatencyBonus: 0.05,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASK AND RESULT TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Task carries the routing-relevant slice of a request into the scorer.
type Task struct {
	TaskType             string
	Tags                 []string
	RequiredCapabilities []string
	LatencyRequirementMs int
}

// Criterion is one factor of a candidate score, with its value normalized to
// [0,1]. The trace is structured data; rendering it to text happens once, at
// the observability boundary.
type Criterion struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// CandidateScore is the scored fitness of one (agent, model) pair for one
// task.
type CandidateScore struct {
	Agent      string      `json:"agent"`
	ModelKey   string      `json:"model_key"`
	Score      float64     `json:"score"`
	Confidence float64     `json:"confidence"`
	Criteria   []Criterion `json:"criteria"`
}

// Reasoning renders the criteria trace as a human-readable string.
func (s CandidateScore) Reasoning() string {
	parts := make([]string, 0, len(s.Criteria))
	for _, c := range s.Criteria {
		parts = append(parts, fmt.Sprintf("%s=%.2f(w%.2f)", c.Name, c.Value, c.Weight))
	}
	return fmt.Sprintf("%s/%s score=%.3f conf=%.2f [%s]",
		s.Agent, s.ModelKey, s.Score, s.Confidence, strings.Join(parts, " "))
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASK TYPE SYNONYMS
// ═══════════════════════════════════════════════════════════════════════════════

// synonyms groups task types that mean roughly the same thing, so an agent
// declaring "coding" still partially matches a "code_generation" task.
var synonyms = [][]string{
	{"code_generation", "coding", "code_review"},
	{"analysis", "reasoning"},
	{"conversation", "chat"},
	{"summarization", "writing"},
}

// synonymous reports whether a and b belong to the same synonym group.
func synonymous(a, b string) bool {
	for _, group := range synonyms {
		inA, inB := false, false
		for _, s := range group {
			if s == a {
				inA = true
			}
			if s == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// FACTORS
// ═══════════════════════════════════════════════════════════════════════════════

// taskMatch measures how directly the profile's task types cover the task:
// 1.0 for exact membership, 0.7 for a synonym, 0.5 when the profile declares
// no task types, 0.2 otherwise.
func taskMatch(p *agents.Profile, taskType string) float64 {
	if len(p.TaskTypes) == 0 {
		return 0.5
	}
	if p.HandlesTask(taskType) {
		return 1.0
	}
	for _, declared := range p.TaskTypes {
		if synonymous(declared, taskType) {
			return 0.7
		}
	}
	return 0.2
}

// latencyFit is 1.0 when the model's declared latency meets the task's
// requirement, and decays as requirement/modelLatency beyond it, floored at
// 0.1 so a slow model is penalized but never zeroed. Without a requirement it
// is a neutral 0.5.
func latencyFit(m *catalog.ModelDescriptor, requirementMs int) float64 {
	if requirementMs <= 0 || m.Performance.LatencyMs <= 0 {
		return 0.5
	}
	if m.Performance.LatencyMs <= requirementMs {
		return 1.0
	}
	fit := float64(requirementMs) / float64(m.Performance.LatencyMs)
	if fit < 0.1 {
		fit = 0.1
	}
	return fit
}

// capabilityFit is the fraction of required capabilities the model declares,
// or a neutral 0.5 when the task requires none.
func capabilityFit(m *catalog.ModelDescriptor, required []string) float64 {
	if len(required) == 0 {
		return 0.5
	}
	hit := 0
	for _, want := range required {
		if m.HasCapability(want) {
			hit++
		}
	}
	return float64(hit) / float64(len(required))
}

// modelPerf blends latency fit and capability fit.
func modelPerf(m *catalog.ModelDescriptor, task Task) float64 {
	return 0.6*latencyFit(m, task.LatencyRequirementMs) + 0.4*capabilityFit(m, task.RequiredCapabilities)
}

// priorityScore maps the agent priority (lower is better) to [0.1, 1.0].
func priorityScore(priority int) float64 {
	s := float64(MaxPriority-priority) / float64(MaxPriority)
	if s < 0.1 {
		s = 0.1
	}
	return s
}

// tagBonus awards 0.1 per tag shared between the task and the profile,
// capped at 0.2.
func tagBonus(p *agents.Profile, tags []string) float64 {
	bonus := 0.0
	for _, tag := range tags {
		if p.SharesTag([]string{tag}) {
			bonus += 0.1
		}
	}
	if bonus > 0.2 {
		bonus = 0.2
	}
	return bonus
}

// hasSpeedTag reports whether the profile advertises fast turnaround.
func hasSpeedTag(p *agents.Profile) bool {
	for _, t := range p.Tags {
		if t == "fast" || t == "quick" {
			return true
		}
	}
	return false
}

// latencyBonus rewards speed-tagged profiles on latency-sensitive tasks:
// 0.3 when the requirement is under 500ms, 0.2 under 1000ms, 0.1 otherwise.
func latencyBonus(p *agents.Profile, requirementMs int) float64 {
	if !hasSpeedTag(p) || requirementMs <= 0 {
		return 0.1
	}
	switch {
	case requirementMs < 500:
		return 0.3
	case requirementMs < 1000:
		return 0.2
	default:
		return 0.1
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCORING
// ═══════════════════════════════════════════════════════════════════════════════

// Score computes the weighted fitness of one (profile, model) pair for one
// task. The bonus factors are normalized into [0,1] by their caps before
// weighting, so every criterion in the trace reads on the same scale.
// Confidence is the total rescaled by 1.2 and capped at 1.0.
func Score(p *agents.Profile, m *catalog.ModelDescriptor, task Task, w Weights) CandidateScore {
	criteria := []Criterion{
		{Name: "task_match", Value: taskMatch(p, task.TaskType), Weight: w.TaskMatch},
		{Name: "model_perf", Value: modelPerf(m, task), Weight: w.ModelPerf},
		{Name: "priority", Value: priorityScore(p.Priority), Weight: w.Priority},
		{Name: "tag_bonus", Value: tagBonus(p, task.Tags) / 0.2, Weight: w.TagBonus},
		{Name: "latency_bonus", Value: latencyBonus(p, task.LatencyRequirementMs) / 0.3, Weight: w.LatencyBonus},
	}

	total := 0.0
	for _, c := range criteria {
		total += c.Value * c.Weight
	}

	confidence := total * 1.2
	if confidence > 1.0 {
		confidence = 1.0
	}

	return CandidateScore{
		Agent:      p.Name,
		ModelKey:   m.Key,
		Score:      total,
		Confidence: confidence,
		Criteria:   criteria,
	}
}

// Rank scores a profile against every candidate model and returns the
// results ordered best-first. Ties keep the input order, so a deterministic
// candidate ordering yields a deterministic ranking.
func Rank(p *agents.Profile, models []*catalog.ModelDescriptor, task Task, w Weights) []CandidateScore {
	scores := make([]CandidateScore, 0, len(models))
	for _, m := range models {
		scores = append(scores, Score(p, m, task, w))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores
}
