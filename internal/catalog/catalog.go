// Package catalog provides the static registry of inference model descriptors
// and their declared capabilities and performance. The catalog is loaded once
// at startup from a YAML document and is immutable thereafter; availability is
// tracked separately as a transient overlay (see probe.go).
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BACKEND KINDS
// ═══════════════════════════════════════════════════════════════════════════════

// BackendKind identifies which runtime executes a model.
type BackendKind string

const (
	// KindDaemonHTTP is a generation daemon reached over HTTP.
	KindDaemonHTTP BackendKind = "daemon-http"

	// KindEmbedded is an in-process accelerated runtime with lazily loaded
	// weights.
	KindEmbedded BackendKind = "embedded-accelerated"
)

// Valid reports whether the kind is one relay knows how to execute.
func (k BackendKind) Valid() bool {
	return k == KindDaemonHTTP || k == KindEmbedded
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODEL DESCRIPTOR
// ═══════════════════════════════════════════════════════════════════════════════

// Performance describes the declared performance profile of a model.
type Performance struct {
	ContextLength   int     `yaml:"context_length" json:"context_length"`
	MaxOutputTokens int     `yaml:"max_output_tokens" json:"max_output_tokens"`
	LatencyMs       int     `yaml:"latency_ms" json:"latency_ms"`
	MemoryGB        float64 `yaml:"memory_gb" json:"memory_gb"`
	GPURequired     bool    `yaml:"gpu_required" json:"gpu_required"`
}

// Optimization describes how the model run is tuned.
type Optimization struct {
	Precision    string `yaml:"precision" json:"precision"`
	Quantization string `yaml:"quantization" json:"quantization"`
	BatchSize    int    `yaml:"batch_size" json:"batch_size"`
	UseCache     bool   `yaml:"use_cache" json:"use_cache"`
}

// ModelDescriptor is one catalog entry. Descriptors are immutable after load.
type ModelDescriptor struct {
	Key          string       `yaml:"-" json:"key"`
	Name         string       `yaml:"name" json:"name"`
	BackendType  BackendKind  `yaml:"backend_type" json:"backend_type"`
	Capabilities []string     `yaml:"capabilities" json:"capabilities"`
	Performance  Performance  `yaml:"performance" json:"performance"`
	Optimization Optimization `yaml:"optimization" json:"optimization"`
	// Path locates the weights for embedded-accelerated models.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// HasCapability reports whether the model declares the capability tag.
func (m *ModelDescriptor) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// CATALOG
// ═══════════════════════════════════════════════════════════════════════════════

// Catalog is the immutable model registry.
type Catalog struct {
	models map[string]*ModelDescriptor
	keys   []string // sorted, for deterministic iteration
	log    *logging.Logger
}

// Load reads and parses the catalog document at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from a YAML document of the form
// {key: {name, backend_type, capabilities, performance, optimization}}.
// Entries missing required fields are logged and skipped; a malformed entry
// never aborts the whole load.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]*ModelDescriptor
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	log := logging.Global().WithComponent("Catalog")
	c := &Catalog{
		models: make(map[string]*ModelDescriptor, len(raw)),
		log:    log,
	}

	for key, m := range raw {
		if m == nil {
			log.Warn("skipping empty catalog entry %q", key)
			continue
		}
		if err := validateEntry(key, m); err != nil {
			log.Warn("skipping malformed catalog entry %q: %v", key, err)
			continue
		}
		m.Key = key
		c.models[key] = m
		c.keys = append(c.keys, key)
	}

	sort.Strings(c.keys)
	log.Info("loaded %d models (%d entries skipped)", len(c.models), len(raw)-len(c.models))
	return c, nil
}

// validateEntry checks the required fields of a single catalog entry.
func validateEntry(key string, m *ModelDescriptor) error {
	if m.Name == "" {
		return fmt.Errorf("missing name")
	}
	if !m.BackendType.Valid() {
		return fmt.Errorf("unknown backend_type %q", m.BackendType)
	}
	if len(m.Capabilities) == 0 {
		return fmt.Errorf("missing capabilities")
	}
	return nil
}

// Lookup returns the descriptor for key.
func (c *Catalog) Lookup(key string) (*ModelDescriptor, bool) {
	m, ok := c.models[key]
	return m, ok
}

// Keys returns the model keys in deterministic (sorted) order.
func (c *Catalog) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// List returns all descriptors in deterministic order.
func (c *Catalog) List() []*ModelDescriptor {
	out := make([]*ModelDescriptor, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, c.models[k])
	}
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.models)
}

// ByCapability returns the descriptors carrying the capability tag, in
// deterministic order.
func (c *Catalog) ByCapability(tag string) []*ModelDescriptor {
	var out []*ModelDescriptor
	for _, k := range c.keys {
		if c.models[k].HasCapability(tag) {
			out = append(out, c.models[k])
		}
	}
	return out
}
