package cache

import (
	"context"
	"sync/atomic"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/errors"
	"tether/internal/shared/logging"
)

// TieredCache fronts the exact tier with an optional semantic tier.
type TieredCache struct {
	config   Config
	exact    *ExactCache
	semantic *SemanticIndex
	logger   logging.Logger

	exactHits    atomic.Uint64
	semanticHits atomic.Uint64
	misses       atomic.Uint64
	stores       atomic.Uint64
}

// TieredOption customizes cache construction.
type TieredOption func(*TieredCache)

// WithCacheLogger attaches a logger for tier degradations.
func WithCacheLogger(logger logging.Logger) TieredOption {
	return func(c *TieredCache) {
		c.logger = logger
	}
}

// WithSemanticIndex enables the semantic tier.
func WithSemanticIndex(index *SemanticIndex) TieredOption {
	return func(c *TieredCache) {
		c.semantic = index
	}
}

// NewTieredCache builds the cache. Without WithSemanticIndex only the
// exact tier runs.
func NewTieredCache(config Config, opts ...TieredOption) (*TieredCache, error) {
	exact, err := NewExactCache(config.MaxSize, config.DefaultTTL)
	if err != nil {
		return nil, err
	}
	c := &TieredCache{
		config: config,
		exact:  exact,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup probes both tiers for call. A semantic tier failure is reported
// as a CacheUnavailableError alongside a miss, so callers can log it and
// execute anyway; it never blocks the call.
func (c *TieredCache) Lookup(ctx context.Context, call ports.ToolCall, threshold float32) (Lookup, error) {
	key := Key(call)

	if result, ok := c.exact.Get(key); ok {
		c.exactHits.Add(1)
		return Lookup{Hit: true, Kind: HitExact, Key: key, Result: result}, nil
	}

	if c.semantic == nil || threshold <= 0 {
		c.misses.Add(1)
		return Lookup{}, nil
	}

	nearKey, similarity, ok, err := c.semantic.Nearest(ctx, Describe(call), threshold)
	if err != nil {
		c.misses.Add(1)
		return Lookup{}, &errors.CacheUnavailableError{Op: "semantic lookup", Err: err}
	}
	if !ok {
		c.misses.Add(1)
		return Lookup{}, nil
	}

	result, live := c.exact.Get(nearKey)
	if !live {
		// The index outlived the entry; drop the dangling pointer and
		// accept the recompute.
		if err := c.semantic.Remove(ctx, nearKey); err != nil {
			c.logger.Warn("Cache index cleanup failed for %s: %v", nearKey, err)
		}
		c.misses.Add(1)
		return Lookup{}, nil
	}

	c.semanticHits.Add(1)
	return Lookup{Hit: true, Kind: HitSemantic, Key: nearKey, Result: result, Similarity: similarity}, nil
}

// Store caches a successful result for call. The exact tier always gets
// the entry; a semantic indexing failure degrades to exact-only and is
// reported as CacheUnavailableError.
func (c *TieredCache) Store(ctx context.Context, call ports.ToolCall, result ports.ToolResult, ttl time.Duration) error {
	key := Key(call)
	c.exact.Put(key, result, ttl)
	c.stores.Add(1)

	if c.semantic == nil {
		return nil
	}
	if err := c.semantic.Add(ctx, key, Describe(call)); err != nil {
		c.logger.Warn("Semantic indexing failed for %s: %v", key, err)
		return &errors.CacheUnavailableError{Op: "semantic store", Err: err}
	}
	return nil
}

// Invalidate removes the entry for key from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	c.exact.Invalidate(key)
	if c.semantic != nil {
		if err := c.semantic.Remove(ctx, key); err != nil {
			c.logger.Warn("Semantic invalidation failed for %s: %v", key, err)
		}
	}
}

// InvalidateCall removes the entry for a specific call.
func (c *TieredCache) InvalidateCall(ctx context.Context, call ports.ToolCall) {
	c.Invalidate(ctx, Key(call))
}

// Cacheable reports whether this call's result may be stored.
func (c *TieredCache) Cacheable(meta ports.ToolMetadata, call ports.ToolCall, result *ports.ToolResult) bool {
	return c.config.Cacheable(meta, call, result)
}

// Threshold returns the configured semantic similarity floor.
func (c *TieredCache) Threshold() float32 {
	return c.config.SimilarityThreshold
}

// Stats snapshots cache traffic counters.
func (c *TieredCache) Stats() Stats {
	return Stats{
		ExactHits:    c.exactHits.Load(),
		SemanticHits: c.semanticHits.Load(),
		Misses:       c.misses.Load(),
		Stores:       c.stores.Load(),
		Entries:      c.exact.Len(),
	}
}
