package pricing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"fiatoracle/internal/asset"
	"fiatoracle/internal/cache"
)

// Registry holds one Engine per network so that caches, in-flight maps and
// limiters never cross networks.
type Registry struct {
	mu      sync.RWMutex
	engines map[asset.Network]*Engine
}

func NewRegistry(engines ...*Engine) *Registry {
	r := &Registry{engines: make(map[asset.Network]*Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Network()] = e
	}
	return r
}

// Add registers e, replacing any engine for the same network.
func (r *Registry) Add(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Network()] = e
}

// Engine returns the engine for network.
func (r *Registry) Engine(network asset.Network) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[network]
	if !ok {
		return nil, fmt.Errorf("pricing: network %q not configured", network)
	}
	return e, nil
}

// Networks lists the configured networks in a stable order.
func (r *Registry) Networks() []asset.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]asset.Network, 0, len(r.engines))
	for n := range r.engines {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) GetPrice(ctx context.Context, a asset.Asset, quote string, network asset.Network) (float64, error) {
	e, err := r.Engine(network)
	if err != nil {
		return 0, err
	}
	return e.GetPrice(ctx, a, quote)
}

func (r *Registry) GetPrices(ctx context.Context, assets []asset.Asset, quote string, network asset.Network) (map[string]float64, error) {
	e, err := r.Engine(network)
	if err != nil {
		return nil, err
	}
	return e.GetPrices(ctx, assets, quote), nil
}

// ClearPriceCache clears the given networks, or every network when none is
// given.
func (r *Registry) ClearPriceCache(networks ...asset.Network) {
	if len(networks) == 0 {
		networks = r.Networks()
	}
	for _, n := range networks {
		if e, err := r.Engine(n); err == nil {
			e.ClearCache()
		}
	}
}

// CacheStats aggregates price cache statistics across all networks.
func (r *Registry) CacheStats() (cache.Stats, error) {
	var total cache.Stats
	for _, n := range r.Networks() {
		e, err := r.Engine(n)
		if err != nil {
			continue
		}
		s, err := e.CacheStats()
		if err != nil {
			return cache.Stats{}, fmt.Errorf("%s: %w", n, err)
		}
		total.MemoryEntries += s.MemoryEntries
		total.StorageEntries += s.StorageEntries
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.OldestEntry = earliest(total.OldestEntry, s.OldestEntry)
		total.NewestEntry = latest(total.NewestEntry, s.NewestEntry)
	}
	if n := total.Hits + total.Misses; n > 0 {
		total.HitRate = float64(total.Hits) / float64(n)
	}
	return total, nil
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
