package cache

import (
	"log/slog"
	"sync"

	"github.com/loomworks/loom/pkg/state"
)

// Invalidator couples cache freshness to state store changes. Callers
// register a state key on behalf of a named function; when that key changes
// under any correlation, every cache entry whose key begins with the function
// name is removed from the global namespace and from the changed
// correlation's namespace. The cached function never has to manage its own
// invalidation.
type Invalidator struct {
	logger *slog.Logger
	cache  *Cache
	store  *state.Store

	mu       sync.Mutex
	watchers map[string][]string // function name -> watcher ids
}

func NewInvalidator(logger *slog.Logger, cache *Cache, store *state.Store) *Invalidator {
	return &Invalidator{
		logger:   logger.With("module", "cache_invalidator"),
		cache:    cache,
		store:    store,
		watchers: make(map[string][]string),
	}
}

// Register ties cached results of funcName to a state key.
func (inv *Invalidator) Register(funcName, stateKey string) {
	id := inv.store.Watch(stateKey, state.WatchAll, func(change state.Change) {
		global := inv.cache.InvalidatePrefix(GlobalNamespace, funcName)
		scoped := inv.cache.InvalidatePrefix(CorrelationNamespace(change.CorrelationID), funcName)

		if global+scoped > 0 {
			inv.logger.Debug("Invalidated cache entries on state change",
				"function", funcName,
				"state_key", stateKey,
				"correlation_id", change.CorrelationID,
				"removed", global+scoped)
		}
	})

	inv.mu.Lock()
	inv.watchers[funcName] = append(inv.watchers[funcName], id)
	inv.mu.Unlock()
}

// Unregister removes all state bindings for a function name.
func (inv *Invalidator) Unregister(funcName string) {
	inv.mu.Lock()
	ids := inv.watchers[funcName]
	delete(inv.watchers, funcName)
	inv.mu.Unlock()

	for _, id := range ids {
		inv.store.Unwatch(id)
	}
}

// Close removes every registered binding.
func (inv *Invalidator) Close() {
	inv.mu.Lock()
	watchers := inv.watchers
	inv.watchers = make(map[string][]string)
	inv.mu.Unlock()

	for _, ids := range watchers {
		for _, id := range ids {
			inv.store.Unwatch(id)
		}
	}
}
