// Package request coordinates logical mutating requests so that each
// caller-chosen request id executes its side-effecting operation at most
// once per process, no matter how many callers ask for it concurrently.
package request

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Operation is the side-effecting body guarded by the registry.
type Operation func(ctx context.Context) (any, error)

// Outcome reports the settled value of an operation and whether the caller
// joined an execution another caller had already started.
type Outcome struct {
	Value          any
	JoinedExisting bool
}

type inflight struct {
	done  chan struct{}
	value any
	err   error
}

// Registry maps logical request ids to their in-flight executions. One
// registry is created per client process; tests create their own.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*inflight
}

func NewRegistry() *Registry {
	return &Registry{pending: map[string]*inflight{}}
}

// RunOnce executes op under the given request id. A second concurrent call
// with the same id joins the first execution and observes its settlement
// instead of running op again. An empty id is never deduplicated: a
// request with no stable id cannot be matched to any other.
func (r *Registry) RunOnce(ctx context.Context, requestID string, op Operation) (Outcome, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		value, err := runGuarded(ctx, op)
		return Outcome{Value: value}, err
	}

	r.mu.Lock()
	if existing, ok := r.pending[requestID]; ok {
		r.mu.Unlock()
		select {
		case <-existing.done:
			return Outcome{Value: existing.value, JoinedExisting: true}, existing.err
		case <-ctx.Done():
			return Outcome{JoinedExisting: true}, ctx.Err()
		}
	}
	entry := &inflight{done: make(chan struct{})}
	r.pending[requestID] = entry
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		close(entry.done)
	}()

	entry.value, entry.err = runGuarded(ctx, op)
	return Outcome{Value: entry.value}, entry.err
}

// InFlight reports whether an execution is currently tracked for the id.
func (r *Registry) InFlight(requestID string) bool {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[requestID]
	return ok
}

// runGuarded converts a panic inside op into an error so a crash cannot
// leak the registry slot or strand joined callers.
func runGuarded(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation panicked: %v", rec)
		}
	}()
	if op == nil {
		return nil, fmt.Errorf("operation is required")
	}
	return op(ctx)
}
