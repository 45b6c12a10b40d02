package cache

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/state"
)

// fakeClock lets tests advance time explicitly.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()

	cfg.SweepInterval = -1 // sweep driven manually in tests

	c := New(slog.New(slog.NewTextHandler(os.Stdout, nil)), cfg)
	t.Cleanup(c.Close)

	return c
}

func TestCache_SetThenGet(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set(GlobalNamespace, "summary:wf1", "cached", 0)

	value, ok := c.Get(GlobalNamespace, "summary:wf1")
	require.True(t, ok)
	assert.Equal(t, "cached", value)
}

func TestCache_MissReturnsDefault(t *testing.T) {
	c := newTestCache(t, Config{})

	assert.Equal(t, "fallback", c.GetOrDefault(GlobalNamespace, "absent", "fallback"))

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_TTLExpiryCountsAsMiss(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Config{Now: clock.Now})

	c.Set(GlobalNamespace, "k", "v", time.Minute)

	_, ok := c.Get(GlobalNamespace, "k")
	require.True(t, ok)

	clock.Advance(61 * time.Second)

	_, ok = c.Get(GlobalNamespace, "k")
	assert.False(t, ok)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.Entries)
}

func TestCache_SetReplacesEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Config{Now: clock.Now})

	c.Set(GlobalNamespace, "k", "old", time.Minute)
	clock.Advance(50 * time.Second)
	c.Set(GlobalNamespace, "k", "new", time.Minute)
	clock.Advance(30 * time.Second)

	// The replacement reset the timestamp, so the entry is still live.
	value, ok := c.Get(GlobalNamespace, "k")
	require.True(t, ok)
	assert.Equal(t, "new", value)
}

func TestCache_LRUEviction(t *testing.T) {
	c := newTestCache(t, Config{MaxEntriesPerNamespace: 3})

	c.Set(GlobalNamespace, "a", 1, 0)
	c.Set(GlobalNamespace, "b", 2, 0)
	c.Set(GlobalNamespace, "c", 3, 0)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := c.Get(GlobalNamespace, "a")
	require.True(t, ok)

	c.Set(GlobalNamespace, "d", 4, 0)

	_, ok = c.Get(GlobalNamespace, "b")
	assert.False(t, ok, "least recently used entry should be evicted")

	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(GlobalNamespace, key)
		assert.True(t, ok, "entry %q should survive", key)
	}

	assert.Equal(t, uint64(1), c.GetStats().Evictions)
}

func TestCache_NamespacesAreIndependent(t *testing.T) {
	c := newTestCache(t, Config{MaxEntriesPerNamespace: 1})

	c.Set("ns1", "k", "one", 0)
	c.Set("ns2", "k", "two", 0)

	one, ok := c.Get("ns1", "k")
	require.True(t, ok)
	two, ok := c.Get("ns2", "k")
	require.True(t, ok)

	assert.Equal(t, "one", one)
	assert.Equal(t, "two", two)
}

func TestCache_InvalidateAndInvalidateNamespace(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("ns1", "a", 1, 0)
	c.Set("ns1", "b", 2, 0)

	assert.True(t, c.Invalidate("ns1", "a"))
	assert.False(t, c.Invalidate("ns1", "a"))

	c.Set("ns1", "a", 1, 0)
	assert.Equal(t, 2, c.InvalidateNamespace("ns1"))
	assert.Zero(t, c.GetStats().Entries)
}

func TestCache_CleanupExpiredDropsEmptyNamespaces(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Config{Now: clock.Now})

	c.Set("ns1", "a", 1, time.Second)
	c.Set("ns2", "b", 2, time.Hour)

	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.CleanupExpired())

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Namespaces)
	assert.Equal(t, 1, stats.Entries)
}

func TestCache_AccessBookkeeping(t *testing.T) {
	c := newTestCache(t, Config{MaxEntriesPerNamespace: 100})

	for i := range 5 {
		c.Set(GlobalNamespace, fmt.Sprintf("k%d", i), i, 0)
	}

	for range 3 {
		_, ok := c.Get(GlobalNamespace, "k0")
		require.True(t, ok)
	}

	stats := c.GetStats()
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, 5, stats.Entries)
}

func TestInvalidator_StateChangeEvictsByPrefix(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store := state.NewStore(logger, state.Config{})
	t.Cleanup(func() { _ = store.Close() })

	c := newTestCache(t, Config{})

	inv := NewInvalidator(logger, c, store)
	t.Cleanup(inv.Close)

	inv.Register("summarize", "draft")

	c.Set(GlobalNamespace, "summarize:wf1", "stale", 0)
	c.Set(CorrelationNamespace("run-1"), "summarize:wf1", "stale", 0)
	c.Set(GlobalNamespace, "translate:wf1", "unrelated", 0)
	c.Set(CorrelationNamespace("run-2"), "summarize:wf1", "other run", 0)

	store.Set("run-1", "draft", "new text")

	require.Eventually(t, func() bool {
		_, okGlobal := c.Get(GlobalNamespace, "summarize:wf1")
		_, okScoped := c.Get(CorrelationNamespace("run-1"), "summarize:wf1")

		return !okGlobal && !okScoped
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := c.Get(GlobalNamespace, "translate:wf1")
	assert.True(t, ok, "entries for other functions stay")

	_, ok = c.Get(CorrelationNamespace("run-2"), "summarize:wf1")
	assert.True(t, ok, "other correlations' namespaces stay")
}

func TestInvalidator_UnregisterStopsInvalidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store := state.NewStore(logger, state.Config{})
	t.Cleanup(func() { _ = store.Close() })

	c := newTestCache(t, Config{})

	inv := NewInvalidator(logger, c, store)
	inv.Register("summarize", "draft")
	inv.Unregister("summarize")

	c.Set(GlobalNamespace, "summarize:wf1", "kept", 0)
	store.Set("run-1", "draft", "new text")

	time.Sleep(50 * time.Millisecond)

	_, ok := c.Get(GlobalNamespace, "summarize:wf1")
	assert.True(t, ok)
}
