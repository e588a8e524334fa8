package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/normanking/relay/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EMBEDDED-ACCELERATED BACKEND
// ═══════════════════════════════════════════════════════════════════════════════

// Runtime is the accelerated in-process inference engine the embedded
// adapter drives. Implementations wrap whatever native library actually runs
// the weights.
type Runtime interface {
	// Load reads the weights at path into device memory.
	Load(ctx context.Context, path string) (Handle, error)
	// Healthy reports whether the runtime's device is usable.
	Healthy(ctx context.Context) error
}

// Handle is a loaded model resident in device memory.
type Handle interface {
	// Generate runs one completion on the loaded model.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Embedded runs models inside the process. Weights load lazily on first use
// and stay resident for the process lifetime: the adapter owns the handle
// arena and never unloads, trading memory for reload latency. Concurrent
// first requests for the same model share a single load.
type Embedded struct {
	runtime Runtime

	mu      sync.RWMutex
	handles map[string]Handle
	loads   singleflight.Group
	log     *logging.Logger
}

// NewEmbedded creates an embedded-accelerated adapter over the runtime.
func NewEmbedded(rt Runtime) *Embedded {
	return &Embedded{
		runtime: rt,
		handles: make(map[string]Handle),
		log:     logging.Global().WithComponent("Embedded"),
	}
}

// handleFor returns the resident handle for a model, loading it on first
// use. A failed load caches nothing, so the next request retries from
// scratch.
func (b *Embedded) handleFor(ctx context.Context, model, path string) (Handle, error) {
	b.mu.RLock()
	h, ok := b.handles[model]
	b.mu.RUnlock()
	if ok {
		return h, nil
	}

	v, err, shared := b.loads.Do(model, func() (interface{}, error) {
		// Double-check under the load guard: a previous flight may have
		// populated the arena between the RLock and here.
		b.mu.RLock()
		h, ok := b.handles[model]
		b.mu.RUnlock()
		if ok {
			return h, nil
		}

		start := time.Now()
		b.log.Info("loading model %s from %s", model, path)
		h, err := b.runtime.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		b.log.Info("loaded model %s in %s", model, time.Since(start).Round(time.Millisecond))

		b.mu.Lock()
		b.handles[model] = h
		b.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, &Error{
			Kind:    KindLoadFailure,
			Backend: "embedded-accelerated",
			Err:     fmt.Errorf("load %s: %w", model, err),
		}
	}
	if shared {
		b.log.Debug("load of %s shared across concurrent requests", model)
	}
	return v.(Handle), nil
}

// Generate implements Generator.
func (b *Embedded) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.ModelPath == "" {
		return nil, &Error{
			Kind:    KindLoadFailure,
			Backend: "embedded-accelerated",
			Err:     fmt.Errorf("model %s has no weights path", req.Model),
		}
	}

	h, err := b.handleFor(ctx, req.Model, req.ModelPath)
	if err != nil {
		return nil, err
	}

	text, err := h.Generate(ctx, req.Prompt, req.MaxTokens, req.Temperature)
	if err != nil {
		kind := KindNonSuccessStatus
		if ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Backend: "embedded-accelerated", Err: err}
	}

	return &Response{Text: text, TokensUsed: EstimateTokens(text)}, nil
}

// Probe implements Generator. The embedded runtime does not enumerate
// models; health means the device answers, and the catalog decides what
// could be loaded.
func (b *Embedded) Probe(ctx context.Context) ([]string, error) {
	if err := b.runtime.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("runtime unhealthy: %w", err)
	}
	return nil, nil
}

// Resident returns the models currently loaded, for the stats surface.
func (b *Embedded) Resident() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handles))
	for model := range b.handles {
		out = append(out, model)
	}
	return out
}
