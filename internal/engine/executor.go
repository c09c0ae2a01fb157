package engine

import (
	"context"
	"sync"

	"github.com/aristath/stagerunner/internal/scheduler"
)

// Result is the typed output of a work-unit execution.
type Result struct {
	Output string
}

// Executor performs the actual operation behind a work unit. The engine
// treats it as opaque: it must be safe for concurrent calls on independent
// units and honor context cancellation (an attempt that outlives its
// deadline is abandoned).
type Executor interface {
	Execute(ctx context.Context, unit scheduler.WorkUnit) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, unit scheduler.WorkUnit) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, unit scheduler.WorkUnit) (Result, error) {
	return f(ctx, unit)
}

// registry resolves a unit's Kind tag to an executor, with an optional
// fallback for kinds without a dedicated registration.
type registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

func newRegistry() *registry {
	return &registry{executors: make(map[string]Executor)}
}

func (r *registry) register(kind string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = ex
}

func (r *registry) setFallback(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

func (r *registry) resolve(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ex, ok := r.executors[kind]; ok {
		return ex, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
