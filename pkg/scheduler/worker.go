package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Worker executes one type of processing job. Implementations signal
// non-retryable failures by wrapping ErrTerminal; any other error is
// treated as retryable under the job's retry budget.
type Worker interface {
	Type() JobType
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

// Registry holds workers by job type
type Registry struct {
	mu      sync.RWMutex
	workers map[JobType]Worker
}

// NewRegistry creates an empty worker registry
func NewRegistry() *Registry {
	return &Registry{workers: make(map[JobType]Worker)}
}

// Register adds a worker. Registering a second worker for the same job
// type is a configuration error.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !w.Type().IsValid() {
		return fmt.Errorf("%w: unknown job type %q", ErrValidation, w.Type())
	}
	if _, exists := r.workers[w.Type()]; exists {
		return fmt.Errorf("%w: worker already registered for %q", ErrValidation, w.Type())
	}
	r.workers[w.Type()] = w
	return nil
}

// Get returns the worker for a job type
func (r *Registry) Get(jobType JobType) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[jobType]
	return w, ok
}

// Types returns the job types this registry can handle, i.e. the
// worker's claim capabilities.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]JobType, 0, len(r.workers))
	for t := range r.workers {
		types = append(types, t)
	}
	return types
}
