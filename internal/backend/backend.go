// Package backend defines the pluggable execution side of the dispatcher:
// a Backend runs one task payload and reports a result or an error. Concrete
// backends (webhook, shell) live alongside the registry; everything else is
// injected by the embedding application.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/task"
)

var ErrUnknownKind = errors.New("no backend registered for kind")

// Backend executes one task payload. Implementations must honor ctx
// cancellation; the dispatcher applies a per-execution timeout through it.
type Backend interface {
	Execute(ctx context.Context, payload task.Payload) (any, error)
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, payload task.Payload) (any, error)

func (f Func) Execute(ctx context.Context, payload task.Payload) (any, error) {
	return f(ctx, payload)
}

// Registry maps task kinds to backends. Registration normally happens during
// startup, but the lock makes late registration safe too.
type Registry struct {
	mu       sync.RWMutex
	backends map[task.Kind]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[task.Kind]Backend)}
}

func (r *Registry) Register(kind task.Kind, b Backend) {
	if b == nil {
		return
	}
	r.mu.Lock()
	r.backends[kind] = b
	r.mu.Unlock()
}

func (r *Registry) Lookup(kind task.Kind) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	return b, ok
}

// Kinds lists registered kinds, sorted for stable output.
func (r *Registry) Kinds() []task.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Kind, 0, len(r.backends))
	for k := range r.backends {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute dispatches to the backend registered for kind. An unregistered
// kind is a permanent failure; retrying cannot make a backend appear.
func (r *Registry) Execute(ctx context.Context, kind task.Kind, payload task.Payload) (any, error) {
	b, ok := r.Lookup(kind)
	if !ok {
		return nil, NoRetry(fmt.Errorf("%w: %s", ErrUnknownKind, kind))
	}
	return b.Execute(ctx, payload)
}

// NoRetry marks an error as non-retryable.
//
// Backends wrap validation errors or other permanent failures with NoRetry so
// the dispatcher fails the task immediately instead of burning retries.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries an explicit delay hint before retrying, e.g. from an
// HTTP 429 response. The dispatcher prefers the hint over its own backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
