package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// Executor runs a job's payload while the worker holds the slot. It must
// return promptly once ctx is cancelled: cancellation means the lease was
// lost or the worker is shutting down, and the result will be discarded.
type Executor interface {
	Execute(ctx context.Context, job *queue.Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *queue.Job) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

// Handler executes one job type.
type Handler interface {
	Executor
	// Type is the job type this handler serves.
	Type() string
}

// HandlerRegistry routes jobs to handlers by type. Safe for concurrent use.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler. It fails if the type is already registered.
func (r *HandlerRegistry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		return errors.Newf("handler already registered for type %q", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for jobType, or nil.
func (r *HandlerRegistry) Get(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Types lists registered job types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegistryExecutor dispatches to the registry, then to fallback for
// unregistered types.
type RegistryExecutor struct {
	registry *HandlerRegistry
	fallback Executor
}

// NewRegistryExecutor creates an executor backed by registry. fallback may be nil.
func NewRegistryExecutor(registry *HandlerRegistry, fallback Executor) *RegistryExecutor {
	return &RegistryExecutor{registry: registry, fallback: fallback}
}

// Execute implements Executor.
func (e *RegistryExecutor) Execute(ctx context.Context, job *queue.Job) error {
	if h := e.registry.Get(job.Type); h != nil {
		return h.Execute(ctx, job)
	}
	if e.fallback != nil {
		return e.fallback.Execute(ctx, job)
	}
	return errors.WithHintf(
		errors.Newf("no handler registered for job type %q", job.Type),
		"registered types: %v", e.registry.Types(),
	)
}
