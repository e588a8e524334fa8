// Package usage tracks per-model and per-agent request accounting. Counters
// live in memory and update atomically on the request path; an optional
// SQLite mirror persists individual events for offline analysis.
package usage

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/normanking/relay/internal/logging"
)

// Event is one completed routing attempt.
type Event struct {
	RequestID    string
	Agent        string
	Model        string
	LatencyMs    int64
	Tokens       int
	FallbackUsed bool
	Retries      int
	Success      bool
	Timestamp    time.Time
}

// counters accumulate per-key totals. All fields are atomic so Record never
// blocks a routing request behind another.
type counters struct {
	requests  atomic.Int64
	failures  atomic.Int64
	fallbacks atomic.Int64
	latencyMs atomic.Int64
	tokens    atomic.Int64
}

// Stats is a read-only snapshot of one counter set.
type Stats struct {
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	Fallbacks    int64   `json:"fallbacks"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Tokens       int64   `json:"tokens"`
}

// Summary is the full accounting snapshot.
type Summary struct {
	TotalRequests int64            `json:"total_requests"`
	TotalFailures int64            `json:"total_failures"`
	Models        map[string]Stats `json:"models"`
	Agents        map[string]Stats `json:"agents"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACKER
// ═══════════════════════════════════════════════════════════════════════════════

// Tracker accumulates usage counters. The zero value is not usable; create
// one with NewTracker.
type Tracker struct {
	mu     sync.RWMutex
	models map[string]*counters
	agents map[string]*counters

	total    atomic.Int64
	failures atomic.Int64

	store *Store
	log   *logging.Logger
}

// NewTracker creates a tracker. store may be nil to disable persistence.
func NewTracker(store *Store) *Tracker {
	return &Tracker{
		models: make(map[string]*counters),
		agents: make(map[string]*counters),
		store:  store,
		log:    logging.Global().WithComponent("Usage"),
	}
}

// bucket returns the counter set for key, creating it on first use.
func bucket(mu *sync.RWMutex, m map[string]*counters, key string) *counters {
	mu.RLock()
	c, ok := m[key]
	mu.RUnlock()
	if ok {
		return c
	}

	mu.Lock()
	defer mu.Unlock()
	if c, ok = m[key]; ok {
		return c
	}
	c = &counters{}
	m[key] = c
	return c
}

// Record accounts one completed routing attempt.
func (t *Tracker) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t.total.Add(1)
	if !ev.Success {
		t.failures.Add(1)
	}

	for _, entry := range []struct {
		m   map[string]*counters
		key string
	}{
		{t.models, ev.Model},
		{t.agents, ev.Agent},
	} {
		if entry.key == "" {
			continue
		}
		c := bucket(&t.mu, entry.m, entry.key)
		c.requests.Add(1)
		c.latencyMs.Add(ev.LatencyMs)
		c.tokens.Add(int64(ev.Tokens))
		if !ev.Success {
			c.failures.Add(1)
		}
		if ev.FallbackUsed {
			c.fallbacks.Add(1)
		}
	}

	if t.store != nil {
		if err := t.store.Insert(ev); err != nil {
			t.log.Warn("persist usage event: %v", err)
		}
	}
}

// snapshot copies one counter map into Stats values.
func snapshot(mu *sync.RWMutex, m map[string]*counters) map[string]Stats {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[string]Stats, len(m))
	for key, c := range m {
		s := Stats{
			Requests:  c.requests.Load(),
			Failures:  c.failures.Load(),
			Fallbacks: c.fallbacks.Load(),
			Tokens:    c.tokens.Load(),
		}
		if s.Requests > 0 {
			s.AvgLatencyMs = float64(c.latencyMs.Load()) / float64(s.Requests)
		}
		out[key] = s
	}
	return out
}

// Snapshot returns the current accounting totals.
func (t *Tracker) Snapshot() Summary {
	return Summary{
		TotalRequests: t.total.Load(),
		TotalFailures: t.failures.Load(),
		Models:        snapshot(&t.mu, t.models),
		Agents:        snapshot(&t.mu, t.agents),
	}
}

// TopModels returns model keys by descending request count, for the CLI
// stats view.
func (t *Tracker) TopModels() []string {
	models := snapshot(&t.mu, t.models)
	keys := make([]string, 0, len(models))
	for k := range models {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if models[keys[i]].Requests != models[keys[j]].Requests {
			return models[keys[i]].Requests > models[keys[j]].Requests
		}
		return keys[i] < keys[j]
	})
	return keys
}
