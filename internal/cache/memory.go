// Package cache provides caching implementations for the LLM gateway.
//
// Two primary backends are available:
//   - ExactCache  — Redis-backed, recommended for production clusters.
//   - MemoryCache — in-process cache, zero external dependencies. Ideal
//     for single-instance deployments or local development.
//
// ObjectCache (S3 bodies with Redis metadata) and TieredCache (which routes
// large values to a second tier) are available alongside them. All of them
// implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memItem stores a cached value together with its expiry time and the
// byte footprint charged against the cache's MaxBytes bound.
type memItem struct {
	data      []byte
	expiresAt time.Time
	size      int
}

func newMemItem(key string, value []byte, ttl time.Duration) *memItem {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
		size:      len(key) + len(value),
	}
}

// defaultMaxEntries / defaultMaxBytes back NewMemoryCache's zero-config
// constructor, used by call sites (and tests) that don't size the cache
// explicitly off CacheConfig.
const (
	defaultMaxEntries = 10_000
	defaultMaxBytes   = 64 * 1024 * 1024
)

// MemoryCache is an in-process response cache bounded by both entry count
// and total byte size, admitting new entries through a W-TinyLFU policy —
// the Moka/Caffeine design spec.md §4.5 calls for: a small recency
// "window" segment feeds a frequency-filtered admission decision into a
// segmented-LRU "main" cache (probation + protected), so a cache scan or
// a burst of one-hit requests can't evict entries that are genuinely
// popular. Frequency is tracked by a compact count-min sketch
// (sketch.go); the LRU ordering within each segment is the gateway's own
// hashicorp/golang-lru/v2 cache, reused here as a plain recency-ordered
// map rather than as its own standalone size-bounded tier — admission and
// the max-bytes ceiling are enforced by this type, not by the library.
//
// Safe for concurrent use. A background goroutine periodically sweeps
// expired entries so idle keys don't linger until their segment is
// otherwise touched.
type MemoryCache struct {
	mu sync.Mutex

	window    *lru.Cache[string, *memItem]
	probation *lru.Cache[string, *memItem]
	protected *lru.Cache[string, *memItem]
	sketch    *countMinSketch

	windowCap    int
	probationCap int
	protectedCap int

	maxBytes   int64
	totalBytes int64

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache sized with generous defaults
// (10,000 entries / 64 MiB) and starts the background cleanup loop. Use
// NewMemoryCacheWithLimits to size it from operator configuration.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	return NewMemoryCacheWithLimits(ctx, defaultMaxEntries, defaultMaxBytes)
}

// NewMemoryCacheWithLimits creates a MemoryCache bounded by maxEntries and
// maxBytes (spec.md §4.5: "bounded by a configured max entries + max
// bytes"). A non-positive maxEntries or maxBytes falls back to the
// package defaults.
func NewMemoryCacheWithLimits(ctx context.Context, maxEntries int, maxBytes int64) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	windowCap := maxEntries / 100
	if windowCap < 1 {
		windowCap = 1
	}
	mainCap := maxEntries - windowCap
	if mainCap < 2 {
		mainCap = 2
	}
	protectedCap := mainCap * 8 / 10
	if protectedCap < 1 {
		protectedCap = 1
	}
	probationCap := mainCap - protectedCap
	if probationCap < 1 {
		probationCap = 1
	}

	// The underlying lru.Cache is sized with headroom above our own
	// capacity so its built-in eviction never fires before our own
	// admission/demotion logic runs the policy this type implements.
	window, _ := lru.New[string, *memItem](segmentHeadroom(windowCap))
	probation, _ := lru.New[string, *memItem](segmentHeadroom(probationCap))
	protected, _ := lru.New[string, *memItem](segmentHeadroom(protectedCap))

	c := &MemoryCache{
		window:       window,
		probation:    probation,
		protected:    protected,
		sketch:       newCountMinSketch(mainCap),
		windowCap:    windowCap,
		probationCap: probationCap,
		protectedCap: protectedCap,
		maxBytes:     maxBytes,
		done:         make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

func segmentHeadroom(cap int) int { return cap*2 + 8 }

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func expired(it *memItem) bool { return time.Now().After(it.expiresAt) }

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. A hit in the window segment is left in place (it
// is already the most-recently-used item there); a hit in probation is
// promoted into protected; a hit in protected simply refreshes recency.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sketch.Increment(hashKey(key))

	if it, ok := c.window.Get(key); ok {
		if expired(it) {
			c.window.Remove(key)
			c.totalBytes -= int64(it.size)
			return nil, false
		}
		return it.data, true
	}

	if it, ok := c.probation.Peek(key); ok {
		if expired(it) {
			c.probation.Remove(key)
			c.totalBytes -= int64(it.size)
			return nil, false
		}
		c.probation.Remove(key)
		c.totalBytes -= int64(it.size)
		c.promoteToProtected(key, it)
		return it.data, true
	}

	if it, ok := c.protected.Get(key); ok {
		if expired(it) {
			c.protected.Remove(key)
			c.totalBytes -= int64(it.size)
			return nil, false
		}
		return it.data, true
	}

	return nil, false
}

// Set stores value under key for the duration of ttl, admitting the entry
// through the window segment and the TinyLFU frequency comparison
// described on MemoryCache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sketch.Increment(hashKey(key))
	next := newMemItem(key, value, ttl)

	if it, ok := c.window.Peek(key); ok {
		c.totalBytes += int64(next.size - it.size)
		*it = *next
		c.window.Get(key) // refresh recency
		c.enforceBytesBound()
		return nil
	}
	if it, ok := c.probation.Peek(key); ok {
		c.totalBytes += int64(next.size - it.size)
		*it = *next
		c.probation.Remove(key)
		c.totalBytes -= int64(it.size)
		c.promoteToProtected(key, it)
		c.enforceBytesBound()
		return nil
	}
	if it, ok := c.protected.Peek(key); ok {
		c.totalBytes += int64(next.size - it.size)
		*it = *next
		c.protected.Get(key) // refresh recency
		c.enforceBytesBound()
		return nil
	}

	c.window.Add(key, next)
	c.totalBytes += int64(next.size)
	c.admitFromWindow()
	c.enforceBytesBound()
	return nil
}

// admitFromWindow drains the window segment down to windowCap, running the
// TinyLFU admission comparison (candidate frequency vs. probation's LRU
// victim) for every entry it evicts.
func (c *MemoryCache) admitFromWindow() {
	for c.window.Len() > c.windowCap {
		key, it, ok := c.window.RemoveOldest()
		if !ok {
			return
		}
		c.totalBytes -= int64(it.size)
		c.admitCandidate(key, it)
	}
}

// admitCandidate runs the W-TinyLFU admission policy for a candidate
// evicted from the window: admit directly if probation has spare
// capacity, otherwise admit only if the candidate is estimated to be
// accessed more often than probation's current LRU victim — the
// frequency-filtered admission check that protects the main cache from a
// scan of one-hit-wonder keys.
func (c *MemoryCache) admitCandidate(key string, it *memItem) {
	if c.probation.Len() < c.probationCap {
		c.probation.Add(key, it)
		c.totalBytes += int64(it.size)
		return
	}

	victimKey, victim, ok := c.probation.GetOldest()
	if !ok {
		c.probation.Add(key, it)
		c.totalBytes += int64(it.size)
		return
	}

	if c.sketch.Estimate(hashKey(key)) > c.sketch.Estimate(hashKey(victimKey)) {
		c.probation.Remove(victimKey)
		c.totalBytes -= int64(victim.size)
		c.probation.Add(key, it)
		c.totalBytes += int64(it.size)
	}
	// Otherwise the candidate loses the admission check and is discarded;
	// its bytes were already debited when it left the window.
}

// promoteToProtected moves a probation hit into protected, demoting
// protected's own LRU victim back into probation (when probation is below
// its entry cap; otherwise the victim is dropped) when
// that pushes protected over its cap.
func (c *MemoryCache) promoteToProtected(key string, it *memItem) {
	for c.protected.Len() >= c.protectedCap {
		evKey, evIt, ok := c.protected.RemoveOldest()
		if !ok {
			break
		}
		c.totalBytes -= int64(evIt.size)
		if c.probation.Len() < c.probationCap {
			c.probation.Add(evKey, evIt)
			c.totalBytes += int64(evIt.size)
		}
	}
	c.protected.Add(key, it)
	c.totalBytes += int64(it.size)
}

// enforceBytesBound evicts across segments — probation first (the segment
// whose members have already lost or not yet won the admission check),
// then window, then protected — until the cache is back under maxBytes.
func (c *MemoryCache) enforceBytesBound() {
	for c.totalBytes > c.maxBytes {
		if key, it, ok := c.probation.GetOldest(); ok {
			c.probation.Remove(key)
			c.totalBytes -= int64(it.size)
			continue
		}
		if key, it, ok := c.window.GetOldest(); ok {
			c.window.Remove(key)
			c.totalBytes -= int64(it.size)
			continue
		}
		if key, it, ok := c.protected.GetOldest(); ok {
			c.protected.Remove(key)
			c.totalBytes -= int64(it.size)
			continue
		}
		return
	}
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.window.Peek(key); ok {
		c.window.Remove(key)
		c.totalBytes -= int64(it.size)
		return nil
	}
	if it, ok := c.probation.Peek(key); ok {
		c.probation.Remove(key)
		c.totalBytes -= int64(it.size)
		return nil
	}
	if it, ok := c.protected.Peek(key); ok {
		c.protected.Remove(key)
		c.totalBytes -= int64(it.size)
		return nil
	}
	return nil
}

// Len returns the number of entries currently held across all segments
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Len() + c.probation.Len() + c.protected.Len()
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, seg := range []*lru.Cache[string, *memItem]{c.window, c.probation, c.protected} {
		for _, key := range seg.Keys() {
			it, ok := seg.Peek(key)
			if !ok || !expired(it) {
				continue
			}
			seg.Remove(key)
			c.totalBytes -= int64(it.size)
		}
	}
}
