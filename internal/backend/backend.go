// Package backend adapts relay's generation calls onto concrete inference
// runtimes. Two kinds exist: a generation daemon reached over HTTP, and an
// in-process accelerated runtime with lazily loaded weights. Both satisfy
// Generator, so the router never knows which one it is talking to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/normanking/relay/internal/catalog"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESPONSE
// ═══════════════════════════════════════════════════════════════════════════════

// Request is a single generation call.
type Request struct {
	// Model is the backend-facing model name.
	Model string
	// ModelPath locates the weights for embedded runtimes; daemons ignore it.
	ModelPath string
	Prompt    string

	MaxTokens   int
	Temperature float64
}

// Response is the outcome of a successful generation call.
type Response struct {
	Text string
	// TokensUsed is the backend-reported completion token count, or a
	// whitespace estimate when the backend does not report one.
	TokensUsed int
}

// Generator is the contract every inference backend satisfies.
type Generator interface {
	// Generate runs one completion. Errors are *Error values classifiable
	// with KindOf.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Probe checks backend health. A nil error means reachable; the returned
	// names are the models the backend currently serves, or nil when the
	// backend does not enumerate them.
	Probe(ctx context.Context) ([]string, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorKind classifies backend failures for retry and fallback decisions.
type ErrorKind string

const (
	// KindTimeout is a deadline expiring before the backend answered.
	KindTimeout ErrorKind = "timeout"
	// KindNonSuccessStatus is a non-2xx daemon response.
	KindNonSuccessStatus ErrorKind = "non_success_status"
	// KindLoadFailure is an embedded model failing to load.
	KindLoadFailure ErrorKind = "load_failure"
	// KindConnectionRefused is the daemon not listening at all.
	KindConnectionRefused ErrorKind = "connection_refused"
)

// Error is a classified backend failure. All kinds are retryable against a
// different model; the fallback chain decides what to try next.
type Error struct {
	Kind    ErrorKind
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind from a backend failure chain.
func KindOf(err error) (ErrorKind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// IsTimeout reports whether the failure was a deadline expiry.
func IsTimeout(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindTimeout
}

// ═══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ═══════════════════════════════════════════════════════════════════════════════

// Dispatcher routes generation calls to the adapter for a model's backend
// kind.
type Dispatcher struct {
	backends map[catalog.BackendKind]Generator
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{backends: make(map[catalog.BackendKind]Generator)}
}

// Register binds an adapter to a backend kind.
func (d *Dispatcher) Register(kind catalog.BackendKind, g Generator) {
	d.backends[kind] = g
}

// For returns the adapter for a backend kind.
func (d *Dispatcher) For(kind catalog.BackendKind) (Generator, bool) {
	g, ok := d.backends[kind]
	return g, ok
}

// Probers exposes the registered adapters as availability probers.
func (d *Dispatcher) Probers() map[catalog.BackendKind]catalog.Prober {
	out := make(map[catalog.BackendKind]catalog.Prober, len(d.backends))
	for kind, g := range d.backends {
		out[kind] = catalog.ProberFunc(g.Probe)
	}
	return out
}

// Generate runs a completion on the adapter serving the model's kind.
func (d *Dispatcher) Generate(ctx context.Context, m *catalog.ModelDescriptor, req Request) (*Response, error) {
	g, ok := d.backends[m.BackendType]
	if !ok {
		return nil, &Error{
			Kind:    KindConnectionRefused,
			Backend: string(m.BackendType),
			Err:     fmt.Errorf("no adapter registered"),
		}
	}
	req.Model = m.Name
	req.ModelPath = m.Path
	return g.Generate(ctx, req)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// EstimateTokens approximates a completion's token count by whitespace
// splitting. Good enough for usage accounting when the backend reports
// nothing better.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
