// Package cache provides a namespaced LRU+TTL cache for derived results,
// with invalidation driven by state store changes.
package cache

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// GlobalNamespace holds results not scoped to a single workflow run.
	GlobalNamespace = "global"

	defaultMaxEntries    = 128
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// CorrelationNamespace returns the namespace for results scoped to one
// workflow run.
func CorrelationNamespace(correlationID string) string {
	return "corr:" + correlationID
}

// Entry is a cached value with its bookkeeping. Set always replaces the whole
// entry; entries are never partially updated.
type Entry struct {
	Key         string
	Value       any
	Timestamp   time.Time
	TTL         time.Duration
	AccessCount int64
	LastAccess  time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// namespace orders entries by recency of access; front is most recent.
type namespace struct {
	entries map[string]*list.Element
	order   *list.List
}

func newNamespace() *namespace {
	return &namespace{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Config tunes a Cache. Zero values take the defaults.
type Config struct {
	// MaxEntriesPerNamespace bounds each namespace; least-recently-used
	// entries are evicted past the bound.
	MaxEntriesPerNamespace int

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep. A
	// negative value disables the sweep.
	SweepInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Namespaces int    `json:"namespaces"`
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

type Cache struct {
	logger     *slog.Logger
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	done       chan struct{}
	closeOnce  sync.Once

	mu         sync.Mutex
	namespaces map[string]*namespace
	hits       uint64
	misses     uint64
	evictions  uint64
}

// New creates a cache and, unless disabled, starts its background expiry sweep.
func New(logger *slog.Logger, cfg Config) *Cache {
	if cfg.MaxEntriesPerNamespace <= 0 {
		cfg.MaxEntriesPerNamespace = defaultMaxEntries
	}

	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}

	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		logger:     logger.With("module", "cache"),
		maxEntries: cfg.MaxEntriesPerNamespace,
		ttl:        cfg.DefaultTTL,
		now:        cfg.Now,
		done:       make(chan struct{}),
		namespaces: make(map[string]*namespace),
	}

	if cfg.SweepInterval > 0 {
		go c.sweep(cfg.SweepInterval)
	}

	return c
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Get returns the cached value for key in a namespace. A hit bumps the entry
// to most-recently-used and increments its access counter. An expired entry
// is evicted and counted as a miss.
func (c *Cache) Get(ns, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.namespaces[ns]
	if !ok {
		c.misses++

		return nil, false
	}

	element, ok := bucket.entries[key]
	if !ok {
		c.misses++

		return nil, false
	}

	entry := element.Value.(*Entry)
	now := c.now()

	if entry.expired(now) {
		c.removeLocked(ns, bucket, element)
		c.misses++

		return nil, false
	}

	entry.AccessCount++
	entry.LastAccess = now
	bucket.order.MoveToFront(element)
	c.hits++

	return entry.Value, true
}

// GetOrDefault returns the cached value, or def on a miss.
func (c *Cache) GetOrDefault(ns, key string, def any) any {
	if value, ok := c.Get(ns, key); ok {
		return value
	}

	return def
}

// Set stores a value, replacing any existing entry, positioning it as
// most-recently-used, then evicting least-recently-used entries while the
// namespace exceeds its bound. A non-positive ttl takes the default.
func (c *Cache) Set(ns, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.namespaces[ns]
	if !ok {
		bucket = newNamespace()
		c.namespaces[ns] = bucket
	}

	now := c.now()
	entry := &Entry{
		Key:        key,
		Value:      value,
		Timestamp:  now,
		TTL:        ttl,
		LastAccess: now,
	}

	if element, exists := bucket.entries[key]; exists {
		element.Value = entry
		bucket.order.MoveToFront(element)
	} else {
		bucket.entries[key] = bucket.order.PushFront(entry)
	}

	for len(bucket.entries) > c.maxEntries {
		oldest := bucket.order.Back()
		if oldest == nil {
			break
		}

		c.removeLocked(ns, bucket, oldest)
		c.evictions++
	}
}

// Invalidate removes one entry, reporting whether it existed.
func (c *Cache) Invalidate(ns, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.namespaces[ns]
	if !ok {
		return false
	}

	element, ok := bucket.entries[key]
	if !ok {
		return false
	}

	c.removeLocked(ns, bucket, element)

	return true
}

// InvalidateNamespace drops a whole namespace, returning the number of
// entries removed.
func (c *Cache) InvalidateNamespace(ns string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.namespaces[ns]
	if !ok {
		return 0
	}

	removed := len(bucket.entries)
	delete(c.namespaces, ns)

	return removed
}

// InvalidatePrefix removes every entry in a namespace whose key begins with
// prefix, returning the number removed.
func (c *Cache) InvalidatePrefix(ns, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.namespaces[ns]
	if !ok {
		return 0
	}

	removed := 0

	for key, element := range bucket.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(ns, bucket, element)
			removed++
		}
	}

	return removed
}

// CleanupExpired removes expired entries across all namespaces and drops
// namespaces left empty. It returns the number of entries removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0

	for ns, bucket := range c.namespaces {
		for _, element := range bucket.entries {
			if element.Value.(*Entry).expired(now) {
				c.removeLocked(ns, bucket, element)
				removed++
			}
		}
	}

	return removed
}

// GetStats returns a snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := 0
	for _, bucket := range c.namespaces {
		entries += len(bucket.entries)
	}

	return Stats{
		Namespaces: len(c.namespaces),
		Entries:    entries,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

func (c *Cache) removeLocked(ns string, bucket *namespace, element *list.Element) {
	entry := element.Value.(*Entry)
	bucket.order.Remove(element)
	delete(bucket.entries, entry.Key)

	if len(bucket.entries) == 0 {
		delete(c.namespaces, ns)
	}
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if removed := c.CleanupExpired(); removed > 0 {
				c.logger.Debug("Swept expired cache entries", "removed", removed)
			}
		}
	}
}
