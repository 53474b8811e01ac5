// Package cache provides an in-memory cache for composed context
// blocks using Ristretto. Keys carry the graph generation, so a cache
// entry can never outlive the graph state it was rendered from.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// Defaults for the context cache.
const (
	DefaultMaxCost = 10000
	DefaultTTL     = 5 * time.Minute
)

// Metrics tracks cache performance.
type Metrics struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// ContextCache caches rendered context blocks per (session, graph
// generation, utterance). A graph mutation bumps the generation and
// strands every stale entry; Ristretto evicts them by cost and TTL.
type ContextCache struct {
	cache     *ristretto.Cache[string, string]
	ttl       time.Duration
	logger    *zap.Logger
	metrics   Metrics
	metricsMu sync.Mutex
}

// NewContextCache builds the cache. Zero maxCost and ttl fall back to
// the defaults.
func NewContextCache(maxCost int64, ttl time.Duration, logger *zap.Logger) (*ContextCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create context cache: %w", err)
	}

	return &ContextCache{
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("cache"),
	}, nil
}

// Key builds the cache key for one context request.
func Key(sessionID string, generation uint64, utterance string) string {
	return fmt.Sprintf("ctx:%s:%d:%s", sessionID, generation, utterance)
}

// Get returns the cached context block for the key.
func (c *ContextCache) Get(key string) (string, bool) {
	val, found := c.cache.Get(key)
	c.metricsMu.Lock()
	if found {
		c.metrics.Hits++
	} else {
		c.metrics.Misses++
	}
	c.metricsMu.Unlock()
	if found {
		c.logger.Debug("context cache hit", zap.String("key", key))
	}
	return val, found
}

// Set stores a context block. Ristretto admission may still drop it.
func (c *ContextCache) Set(key, value string) {
	c.cache.SetWithTTL(key, value, int64(len(value)), c.ttl)
	c.metricsMu.Lock()
	c.metrics.Sets++
	c.metricsMu.Unlock()
}

// Wait blocks until pending writes are visible. Used by tests.
func (c *ContextCache) Wait() { c.cache.Wait() }

// Clear drops every entry.
func (c *ContextCache) Clear() { c.cache.Clear() }

// Metrics returns a copy of the counters plus the derived hit rate.
func (c *ContextCache) Metrics() (Metrics, float64) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	total := c.metrics.Hits + c.metrics.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.metrics.Hits) / float64(total)
	}
	return c.metrics, rate
}

// Close releases the cache.
func (c *ContextCache) Close() { c.cache.Close() }
