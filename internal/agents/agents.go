// Package agents holds the registry of reusable agent profiles. A profile
// binds a prompt identity (system prompt, user prompt template) to routing
// hints (task types, tags, preferred models, priority). Profiles are loaded
// from a YAML document at startup and may also be registered programmatically.
package agents

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/logging"
)

// ErrDuplicateAgent is returned by Register when the name is already taken
// and overwrite was not requested.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrNoAgentAvailable is returned by Resolve when no profile matches and no
// default profile exists.
var ErrNoAgentAvailable = errors.New("no agent available")

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT PROFILE
// ═══════════════════════════════════════════════════════════════════════════════

// Profile describes one reusable agent.
type Profile struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// SystemPrompt frames the agent's behavior; UserPromptTemplate shapes the
	// final prompt and may contain {{input}}, {{context}} and {{task_type}}
	// placeholders.
	SystemPrompt       string `yaml:"system_prompt" json:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template" json:"user_prompt_template"`

	// PreferredModels is an ordered fallback chain of catalog keys.
	PreferredModels []string `yaml:"preferred_models" json:"preferred_models"`

	// Generation parameters. Zero values defer to the configured defaults.
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`

	// Priority orders agents when several match; lower is better.
	Priority  int      `yaml:"priority" json:"priority"`
	TaskTypes []string `yaml:"task_types" json:"task_types"`
	Tags      []string `yaml:"tags" json:"tags"`

	// Tools is the allow-list of tool names this agent may invoke; empty
	// means none. Enforcement belongs to the tool host, not the router.
	Tools    []string          `yaml:"tools,omitempty" json:"tools,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Default marks the profile used when nothing else matches. At most one
	// default wins; ties resolve by priority then registration order.
	Default bool `yaml:"default" json:"default"`
}

// Validate checks the fields a profile cannot work without.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("missing system_prompt")
	}
	return nil
}

// HandlesTask reports whether the profile declares the task type.
func (p *Profile) HandlesTask(taskType string) bool {
	for _, t := range p.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// SharesTag reports whether the profile carries any of the given tags.
func (p *Profile) SharesTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range p.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// entry pairs a profile with its registration sequence number, which breaks
// priority ties deterministically.
type entry struct {
	profile *Profile
	seq     int
}

// Registry holds the registered agent profiles.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq int
	log     *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logging.Global().WithComponent("Agents"),
	}
}

// LoadFile reads a YAML document of the form {agents: [profile, ...]} and
// registers each valid profile. Malformed profiles are logged and skipped;
// a malformed entry never aborts the whole load.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agents: %w", err)
	}
	return r.LoadDocument(data)
}

// LoadDocument parses and registers the profiles in a YAML document.
func (r *Registry) LoadDocument(data []byte) error {
	var doc struct {
		Agents []*Profile `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agents: %w", err)
	}

	loaded, skipped := 0, 0
	for i, p := range doc.Agents {
		if p == nil {
			r.log.Warn("skipping empty agent entry %d", i)
			skipped++
			continue
		}
		if err := p.Validate(); err != nil {
			r.log.Warn("skipping malformed agent entry %d: %v", i, err)
			skipped++
			continue
		}
		// Later entries in the document win over earlier duplicates.
		if err := r.Register(p, true); err != nil {
			r.log.Warn("skipping agent %q: %v", p.Name, err)
			skipped++
			continue
		}
		loaded++
	}

	r.log.Info("loaded %d agents (%d entries skipped)", loaded, skipped)
	return nil
}

// Register adds a profile to the registry. When overwrite is false and the
// name is taken, it returns ErrDuplicateAgent. Overwriting keeps the original
// registration order so repeated loads stay deterministic.
func (r *Registry) Register(p *Profile, overwrite bool) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid agent %q: %w", p.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[p.Name]; ok {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, p.Name)
		}
		existing.profile = p
		return nil
	}

	r.entries[p.Name] = &entry{profile: p, seq: r.nextSeq}
	r.nextSeq++
	return nil
}

// Get returns the profile registered under name.
func (r *Registry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.profile, true
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all profiles ordered by ascending priority, ties broken by
// registration order. The ordering is stable across calls.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedLocked()
}

// orderedLocked returns the profiles in resolution order. Callers must hold
// at least a read lock.
func (r *Registry) orderedLocked() []*Profile {
	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].profile.Priority != ordered[j].profile.Priority {
			return ordered[i].profile.Priority < ordered[j].profile.Priority
		}
		return ordered[i].seq < ordered[j].seq
	})

	out := make([]*Profile, len(ordered))
	for i, e := range ordered {
		out[i] = e.profile
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESOLUTION
// ═══════════════════════════════════════════════════════════════════════════════

// Resolve returns the candidate agents for a task, ordered by ascending
// priority with registration order breaking ties. Matching runs in three
// stages; the first stage that yields anything wins:
//
//  1. profiles declaring the task type,
//  2. profiles sharing at least one tag,
//  3. profiles flagged default.
//
// Resolve is read-only and idempotent: the same registry state and arguments
// always return the same ordered candidate list.
func (r *Registry) Resolve(taskType string, tags []string) ([]*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.orderedLocked()

	var byTask []*Profile
	for _, p := range ordered {
		if p.HandlesTask(taskType) {
			byTask = append(byTask, p)
		}
	}
	if len(byTask) > 0 {
		return byTask, nil
	}

	if len(tags) > 0 {
		var byTag []*Profile
		for _, p := range ordered {
			if p.SharesTag(tags) {
				byTag = append(byTag, p)
			}
		}
		if len(byTag) > 0 {
			return byTag, nil
		}
	}

	var defaults []*Profile
	for _, p := range ordered {
		if p.Default {
			defaults = append(defaults, p)
		}
	}
	if len(defaults) > 0 {
		return defaults, nil
	}

	return nil, fmt.Errorf("%w: task_type=%q", ErrNoAgentAvailable, taskType)
}
