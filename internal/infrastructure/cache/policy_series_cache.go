package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"go.uber.org/zap"
)

// Defaults for the policy series cache
const (
	DefaultPolicySeriesCacheSize = 10000
	DefaultPolicySeriesCacheTTL  = 5 * time.Minute
)

// PolicySeriesCache is an expiring LRU of policy series keyed by scope key.
// Every invalidation advances a generation counter; an Add carrying an older
// generation is dropped so a load that raced an invalidation cannot repopulate stale data.
type PolicySeriesCache struct {
	mu         sync.Mutex
	entries    *lru.LRU[entitlement.ScopeKey, []entitlement.PolicyRecord]
	generation uint64
	logger     *zap.Logger

	hits   int64
	misses int64
}

// PolicySeriesCacheOption configures a PolicySeriesCache
type PolicySeriesCacheOption func(*policySeriesCacheConfig)

type policySeriesCacheConfig struct {
	size   int
	ttl    time.Duration
	logger *zap.Logger
}

// WithSeriesCacheSize bounds the number of cached scope keys
func WithSeriesCacheSize(size int) PolicySeriesCacheOption {
	return func(c *policySeriesCacheConfig) {
		c.size = size
	}
}

// WithSeriesCacheTTL sets how long a series stays cached without invalidation
func WithSeriesCacheTTL(ttl time.Duration) PolicySeriesCacheOption {
	return func(c *policySeriesCacheConfig) {
		c.ttl = ttl
	}
}

// WithSeriesCacheLogger sets the logger for the cache
func WithSeriesCacheLogger(logger *zap.Logger) PolicySeriesCacheOption {
	return func(c *policySeriesCacheConfig) {
		c.logger = logger
	}
}

// NewPolicySeriesCache creates a new policy series cache
func NewPolicySeriesCache(opts ...PolicySeriesCacheOption) *PolicySeriesCache {
	cfg := policySeriesCacheConfig{
		size:   DefaultPolicySeriesCacheSize,
		ttl:    DefaultPolicySeriesCacheTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.size <= 0 {
		cfg.size = DefaultPolicySeriesCacheSize
	}

	return &PolicySeriesCache{
		entries: lru.NewLRU[entitlement.ScopeKey, []entitlement.PolicyRecord](cfg.size, nil, cfg.ttl),
		logger:  cfg.logger,
	}
}

// Get returns the cached series of a key and the generation to pass to Add after a miss
func (c *PolicySeriesCache) Get(key entitlement.ScopeKey) ([]entitlement.PolicyRecord, uint64, bool) {
	c.mu.Lock()
	generation := c.generation
	series, ok := c.entries.Get(key)
	c.mu.Unlock()

	if ok {
		atomic.AddInt64(&c.hits, 1)
		return series, generation, true
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, generation, false
}

// Add caches a series unless an invalidation happened since generation was read
func (c *PolicySeriesCache) Add(key entitlement.ScopeKey, series []entitlement.PolicyRecord, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		c.logger.Debug("Dropping stale policy series load", zap.String("scope_key", key.String()))
		return
	}
	c.entries.Add(key, series)
}

// Invalidate drops a key's series
func (c *PolicySeriesCache) Invalidate(key entitlement.ScopeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries.Remove(key)
}

// Purge drops every cached series
func (c *PolicySeriesCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries.Purge()
}

// Len returns the number of cached keys
func (c *PolicySeriesCache) Len() int {
	return c.entries.Len()
}

// Stats returns hit and miss counts
func (c *PolicySeriesCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
