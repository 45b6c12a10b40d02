// Package orchestrator wires the compiler, engine, state store, cache and
// scheduler into one runnable unit.
package orchestrator

import (
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/cache"
	"github.com/loomworks/loom/pkg/compiler"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/scheduler"
	"github.com/loomworks/loom/pkg/state"
)

// Config collects the tunable knobs of all components. Zero values fall back
// to each component's defaults.
type Config struct {
	State  state.Config
	Cache  cache.Config
	Engine engine.Config

	// ShutdownTimeout bounds how long Close waits for the engine to drain.
	ShutdownTimeout time.Duration
}

const defaultShutdownTimeout = 10 * time.Second

type Orchestrator struct {
	Logger      *slog.Logger
	Store       *state.Store
	Cache       *cache.Cache
	Invalidator *cache.Invalidator
	Compiler    *compiler.Compiler
	Agents      *registry.Registry
	Engine      *engine.Engine
	Scheduler   *scheduler.Scheduler

	shutdownTimeout time.Duration
}

func New(logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	store := state.NewStore(logger, cfg.State)
	stateCache := cache.New(logger, cfg.Cache)
	agents := registry.NewRegistry(logger)
	jobEngine := engine.New(logger, store, agents, cfg.Engine)

	return &Orchestrator{
		Logger:          logger,
		Store:           store,
		Cache:           stateCache,
		Invalidator:     cache.NewInvalidator(logger, stateCache, store),
		Compiler:        compiler.New(logger),
		Agents:          agents,
		Engine:          jobEngine,
		Scheduler:       scheduler.New(logger, jobEngine),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Close shuts the components down in dependency order: no new submissions,
// drain the engine, then tear down watchers and stores. It returns false when
// the engine did not drain within the shutdown timeout and a job was requeued.
func (o *Orchestrator) Close() bool {
	o.Scheduler.Stop()
	drained := o.Engine.Stop(o.shutdownTimeout)
	o.Invalidator.Close()
	o.Cache.Close()

	if err := o.Store.Close(); err != nil {
		o.Logger.Error("Failed to close state store", "error", err)
	}

	return drained
}
