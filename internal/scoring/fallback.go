package scoring

import (
	"errors"

	"github.com/normanking/relay/internal/catalog"
)

// ErrNoModelAvailable is returned when no model can serve a request at all.
var ErrNoModelAvailable = errors.New("no model available")

// ═══════════════════════════════════════════════════════════════════════════════
// RULE-TABLE FALLBACK
// ═══════════════════════════════════════════════════════════════════════════════

// capability classes used when preference-list routing is exhausted. Each
// class names the capability tags that qualify a model for it.
var classTags = map[string][]string{
	"code":      {"code_generation", "coding", "code_review"},
	"reasoning": {"analysis", "reasoning"},
	"chat":      {"conversation", "chat", "summarization"},
}

// classForTask maps a task type onto a capability class. Task types outside
// every class fall into "general".
func classForTask(taskType string) string {
	for class, tags := range classTags {
		for _, tag := range tags {
			if tag == taskType {
				return class
			}
		}
	}
	return "general"
}

// carriesClass reports whether the model qualifies for the class. Every model
// qualifies for "general".
func carriesClass(m *catalog.ModelDescriptor, class string) bool {
	if class == "general" {
		return true
	}
	for _, tag := range classTags[class] {
		if m.HasCapability(tag) {
			return true
		}
	}
	return false
}

// Fallback picks a model by rule table when the preference chain is
// exhausted: map the task type to a capability class, then take the available
// model in that class with the largest context window. If the class is empty
// it widens to any available model. avoid names models excluded from the
// whole request and is honored even here.
//
// The rule table does not re-run the scorer, so its choice is deterministic
// for a given availability snapshot.
func Fallback(cat *catalog.Catalog, available []string, taskType string, avoid string) (*catalog.ModelDescriptor, error) {
	if cat.Len() == 0 {
		return nil, ErrNoModelAvailable
	}

	class := classForTask(taskType)
	if pick := bestByContext(cat, available, class, avoid); pick != nil {
		return pick, nil
	}
	if class != "general" {
		if pick := bestByContext(cat, available, "general", avoid); pick != nil {
			return pick, nil
		}
	}
	return nil, ErrNoModelAvailable
}

// bestByContext returns the qualifying available model with the largest
// context length. Ties keep the first seen, which follows the deterministic
// ordering of available.
func bestByContext(cat *catalog.Catalog, available []string, class string, avoid string) *catalog.ModelDescriptor {
	var best *catalog.ModelDescriptor
	for _, key := range available {
		if key == avoid {
			continue
		}
		m, ok := cat.Lookup(key)
		if !ok {
			continue
		}
		if !carriesClass(m, class) {
			continue
		}
		if best == nil || m.Performance.ContextLength > best.Performance.ContextLength {
			best = m
		}
	}
	return best
}
