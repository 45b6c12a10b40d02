// Package registry maps agent names to step callbacks. Agent modules
// register themselves at process start; the compiler consults the registry to
// reject workflows that reference unknown agents, and the engine resolves
// callbacks from it at step execution time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrAgentNotRegistered is wrapped by Callback when no agent matches.
var ErrAgentNotRegistered = errors.New("agent not registered")

// StepCallback executes one workflow step. It receives the step's inputs map
// and returns an arbitrary result stored verbatim under the step's name.
type StepCallback func(ctx context.Context, inputs map[string]any) (any, error)

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	callbacks map[string]StepCallback
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "agent_registry"),
		callbacks: make(map[string]StepCallback),
	}
}

// RegisterAgent binds a callback to an agent name, replacing any previous
// registration under the same name.
func (r *Registry) RegisterAgent(name string, callback StepCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.callbacks[name]; exists {
		r.logger.Warn("Replacing existing agent registration", "agent", name)
	}

	r.callbacks[name] = callback
}

// UnregisterAgent removes an agent registration.
func (r *Registry) UnregisterAgent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.callbacks, name)
}

// Callback resolves the callback for an agent name. The error names the
// missing agent and the available set.
func (r *Registry) Callback(name string) (StepCallback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callback, ok := r.callbacks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)",
			ErrAgentNotRegistered, name, strings.Join(r.namesLocked(), ", "))
	}

	return callback, nil
}

// Has reports whether an agent name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.callbacks[name]

	return ok
}

// Names returns the registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.callbacks))
	for name := range r.callbacks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
