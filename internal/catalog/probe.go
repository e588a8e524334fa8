package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/relay/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AVAILABILITY CHECKER
// ═══════════════════════════════════════════════════════════════════════════════

// Prober reports the health of one backend kind. A nil error means the backend
// is reachable; the returned names are the models it currently serves. A nil
// name list with a nil error means the backend is online and every catalog
// model of its kind is considered servable.
type Prober interface {
	Probe(ctx context.Context) ([]string, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) ([]string, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// availabilityCache is the transient availability overlay on the catalog.
// Unavailability is never written back into the descriptors.
type availabilityCache struct {
	online      map[BackendKind]bool
	served      map[BackendKind]map[string]bool
	lastRefresh time.Time
}

// Checker caches per-backend availability so routing does not probe on every
// request. Results stay fresh for the configured TTL; a stale cache is
// refreshed lazily on the next availability query.
type Checker struct {
	mu           sync.RWMutex
	catalog      *Catalog
	probers      map[BackendKind]Prober
	cache        availabilityCache
	ttl          time.Duration
	probeTimeout time.Duration
	log          *logging.Logger
}

// NewChecker creates an availability checker over the catalog. Kinds without
// a registered prober are reported unavailable.
func NewChecker(cat *Catalog, probers map[BackendKind]Prober, ttl, probeTimeout time.Duration) *Checker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Checker{
		catalog: cat,
		probers: probers,
		cache: availabilityCache{
			online: make(map[BackendKind]bool),
			served: make(map[BackendKind]map[string]bool),
		},
		ttl:          ttl,
		probeTimeout: probeTimeout,
		log:          logging.Global().WithComponent("Availability"),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// REFRESH
// ═══════════════════════════════════════════════════════════════════════════════

// Refresh probes all registered backends in parallel and replaces the cache.
// An unreachable backend marks its models unavailable; it is never an error
// from Refresh itself.
func (c *Checker) Refresh(ctx context.Context) {
	online := make(map[BackendKind]bool, len(c.probers))
	served := make(map[BackendKind]map[string]bool, len(c.probers))
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for kind, p := range c.probers {
		kind, p := kind, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, c.probeTimeout)
			defer cancel()

			names, err := p.Probe(pctx)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				c.log.Debug("backend %s offline: %v", kind, err)
				online[kind] = false
				return nil
			}
			online[kind] = true
			if names != nil {
				set := make(map[string]bool, len(names))
				for _, n := range names {
					set[n] = true
					// Tolerate tag suffixes, e.g. "coder:7b" also matches "coder".
					if base := strings.SplitN(n, ":", 2)[0]; base != n {
						set[base] = true
					}
				}
				served[kind] = set
			}
			return nil
		})
	}
	g.Wait()

	c.mu.Lock()
	c.cache.online = online
	c.cache.served = served
	c.cache.lastRefresh = time.Now()
	c.mu.Unlock()

	c.log.Debug("refreshed availability: %v", online)
}

// stale reports whether the cache has outlived its TTL.
func (c *Checker) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.cache.lastRefresh) > c.ttl
}

// ensureFresh refreshes the cache if it is stale.
func (c *Checker) ensureFresh(ctx context.Context) {
	if c.stale() {
		c.Refresh(ctx)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// IsAvailable reports whether the model behind key can serve a request right
// now. Unknown keys are unavailable.
func (c *Checker) IsAvailable(ctx context.Context, key string) bool {
	m, ok := c.catalog.Lookup(key)
	if !ok {
		return false
	}

	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.cache.online[m.BackendType] {
		return false
	}
	set, ok := c.cache.served[m.BackendType]
	if !ok {
		// Backend is online but did not enumerate models; trust the catalog.
		return true
	}
	if set[m.Name] {
		return true
	}
	return set[strings.SplitN(m.Name, ":", 2)[0]]
}

// Available returns the catalog keys currently servable, in deterministic
// order.
func (c *Checker) Available(ctx context.Context) []string {
	c.ensureFresh(ctx)

	var out []string
	for _, key := range c.catalog.Keys() {
		if c.IsAvailable(ctx, key) {
			out = append(out, key)
		}
	}
	return out
}

// Online reports whether the backend kind answered its last probe.
func (c *Checker) Online(kind BackendKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.online[kind]
}

// Status returns a snapshot for the stats surface.
func (c *Checker) Status() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	backends := make(map[string]bool, len(c.cache.online))
	for kind, up := range c.cache.online {
		backends[string(kind)] = up
	}
	return map[string]interface{}{
		"backends":             backends,
		"last_refresh_seconds": int64(time.Since(c.cache.lastRefresh).Seconds()),
	}
}
