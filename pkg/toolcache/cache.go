// Package toolcache memoizes tool results by content fingerprint. It is
// the primary singleflight consumer: a cache miss leads and computes, a
// concurrent miss on the same fingerprint waits and re-reads the
// populated cache.
package toolcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quorralabs/keel/pkg/canonicalize"
	"github.com/quorralabs/keel/pkg/singleflight"
)

// ErrComputeFailed is returned to followers whose leader exited without
// populating the cache.
var ErrComputeFailed = errors.New("toolcache: leader computation failed")

// ComputeFunc produces the result for a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Stats is a point-in-time view of cache behavior. SuppressionRate is the
// share of non-hit lookups that were coalesced onto another caller's
// computation instead of computing again.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Computed  uint64  `json:"computed"`
	Coalesced uint64  `json:"coalesced"`
	Rate      float64 `json:"stampede_suppression_rate"`
}

// Cache is an in-memory result cache with duplicate-computation
// suppression.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]byte

	flights *singleflight.Coordinator

	hits      atomic.Uint64
	computed  atomic.Uint64
	coalesced atomic.Uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string][]byte),
		flights: singleflight.New(),
	}
}

// Fingerprint derives the cache key for a tool invocation from its kind
// and canonicalized input.
func Fingerprint(kind string, input interface{}) (string, error) {
	return canonicalize.CanonicalHash(struct {
		Kind  string      `json:"kind"`
		Input interface{} `json:"input"`
	}{kind, input})
}

// GetOrCompute returns the cached result for key, computing it at most
// once across concurrent callers. Followers re-read the cache after the
// leader finishes; if the leader failed they get ErrComputeFailed rather
// than recomputing, so a failing tool is not hammered by its own
// stampede.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) ([]byte, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}

	g := c.flights.Begin(key)
	defer g.Release()

	if g.Leader() {
		v, err := compute(ctx)
		if err != nil {
			// Release (deferred) still frees the followers; they will
			// observe the missing entry.
			return nil, err
		}
		c.store(key, v)
		c.computed.Add(1)
		g.Notify()
		return v, nil
	}

	c.coalesced.Add(1)
	if err := g.Wait(ctx); err != nil {
		return nil, err
	}
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	return nil, ErrComputeFailed
}

// Invalidate drops a key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:      c.hits.Load(),
		Computed:  c.computed.Load(),
		Coalesced: c.coalesced.Load(),
	}
	if misses := s.Computed + s.Coalesced; misses > 0 {
		s.Rate = float64(s.Coalesced) / float64(misses)
	}
	return s
}

func (c *Cache) lookup(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *Cache) store(key string, v []byte) {
	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
}
