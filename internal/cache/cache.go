package cache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/logging"
)

// Cache is a namespaced in-process TTL cache for market data. Expiry is
// enforced on read and by SweepExpired, which uses an expiry heap so a pass
// with nothing expired costs a single peek.
type Cache struct {
	mu         sync.Mutex
	entries    map[cacheKey]*entry
	expiry     expiryHeap
	ttls       map[string]time.Duration
	immutable  map[string]bool
	defaultTTL time.Duration
	log        zerolog.Logger

	hits      uint64
	misses    uint64
	evictions uint64
	version   uint64
}

type cacheKey struct {
	namespace string
	key       string
}

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
	version   uint64
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// New creates a cache with the given fallback TTL for namespaces that have
// no explicit setting.
func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &Cache{
		entries:    make(map[cacheKey]*entry),
		ttls:       make(map[string]time.Duration),
		immutable:  make(map[string]bool),
		defaultTTL: defaultTTL,
		log:        logging.Component("cache"),
	}
}

// SetNamespaceTTL configures the TTL used by Set for a namespace.
func (c *Cache) SetNamespaceTTL(namespace string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		c.ttls[namespace] = ttl
	}
}

// MarkImmutable makes live entries in a namespace write-once: a Set for an
// existing unexpired key is ignored.
func (c *Cache) MarkImmutable(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.immutable[namespace] = true
}

// TTLFor returns the effective TTL for a namespace.
func (c *Cache) TTLFor(namespace string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl, ok := c.ttls[namespace]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Set stores a value under the namespace TTL.
func (c *Cache) Set(namespace, key string, value any) {
	c.SetWithTTL(namespace, key, value, 0)
}

// SetWithTTL stores a value with an explicit TTL. A zero ttl uses the
// namespace TTL.
func (c *Cache) SetWithTTL(namespace, key string, value any, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		if nsTTL, ok := c.ttls[namespace]; ok {
			ttl = nsTTL
		} else {
			ttl = c.defaultTTL
		}
	}

	k := cacheKey{namespace, key}
	if prev, ok := c.entries[k]; ok {
		if c.immutable[namespace] && now.Before(prev.expiresAt) {
			c.log.Debug().Str("namespace", namespace).Str("key", key).
				Msg("immutable entry still live, set ignored")
			return
		}
	}

	c.version++
	e := &entry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		version:   c.version,
	}
	c.entries[k] = e
	heap.Push(&c.expiry, expiryItem{key: k, expiresAt: e.expiresAt, version: e.version})
}

// Get returns a live value. Expired entries are evicted on access and
// reported as a miss.
func (c *Cache) Get(namespace, key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{namespace, key}
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, k)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Age returns how long ago a live entry was written.
func (c *Cache) Age(namespace, key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey{namespace, key}]
	if !ok || !time.Now().Before(e.expiresAt) {
		return 0, false
	}
	return time.Since(e.createdAt), true
}

// Delete removes an entry.
func (c *Cache) Delete(namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{namespace, key})
}

// ClearNamespace drops every entry in a namespace and returns the count.
func (c *Cache) ClearNamespace(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if k.namespace == namespace {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// SweepExpired evicts all expired entries and returns how many were
// removed. Heap items for rewritten keys are skipped via version checks.
func (c *Cache) SweepExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for c.expiry.Len() > 0 {
		top := c.expiry[0]
		if now.Before(top.expiresAt) {
			break
		}
		heap.Pop(&c.expiry)

		e, ok := c.entries[top.key]
		if !ok || e.version != top.version {
			continue // stale heap item
		}
		delete(c.entries, top.key)
		removed++
	}
	if removed > 0 {
		c.evictions += uint64(removed)
		c.log.Debug().Int("removed", removed).Msg("cache sweep")
	}
	return removed
}

// Len returns the number of stored entries, including not-yet-swept
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// expiryHeap is a min-heap ordered by expiry time.
type expiryItem struct {
	key       cacheKey
	expiresAt time.Time
	version   uint64
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
