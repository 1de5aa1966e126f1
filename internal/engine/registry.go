package engine

import (
	"context"
	"sync"
)

// Task identifies one claimed unit of work handed to an executor.
type Task struct {
	StateID  string `json:"state_id"`
	BatchID  string `json:"batch_id"`
	ItemID   string `json:"item_id"`
	StepName string `json:"step_name"`
}

// Executor is the external execution boundary. Execute must only hand the
// work off (publish, spawn, POST); returning nil means the work was
// accepted, not that it completed. The sender logic behind the boundary is
// responsible for the IN_PROGRESS transition.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Registry maps step slugs to executors. A step with no mapping is an
// operator-visible configuration condition, not a crash.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds a step slug to an executor, replacing any previous binding.
func (r *Registry) Register(step string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[step] = ex
}

// SetFallback installs an executor used for steps with no explicit binding.
// Typically the message-queue handoff, which routes by step name downstream.
func (r *Registry) SetFallback(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Resolve returns the executor for a step, or false when the step is
// unroutable.
func (r *Registry) Resolve(step string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.executors[step]; ok {
		return ex, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
