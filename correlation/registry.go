// Package correlation matches request correlation keys to the notifications
// that answer them. Callers register a key before publishing a request, then
// block until the router resolves the key or the wait times out.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axm06051/AmppControlSdk-0.9.32/metric"
)

// Registry tracks pending correlation keys. It is safe for concurrent use:
// any number of waiters may await the same key, and a single Resolve wakes
// them all.
type Registry struct {
	mu      sync.Mutex
	pending map[string][]chan struct{}

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches core client metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates an empty correlation registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pending: make(map[string][]chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Waiter is a registered wait handle for one correlation key. Registration
// happens in Register, before the caller publishes its request, so a
// response resolving immediately is never missed.
type Waiter struct {
	registry *Registry
	key      string
	done     chan struct{}
	once     sync.Once
}

// Register adds a waiter for the key and returns its handle. The caller
// must eventually call Wait or Cancel to release the registration.
func (r *Registry) Register(key string) *Waiter {
	return &Waiter{
		registry: r,
		key:      key,
		done:     r.register(key),
	}
}

// Wait blocks until the key is resolved, the timeout elapses, or the
// context is cancelled. It returns true only when the key was resolved.
// The registration is always released before returning, so a timed-out key
// holds no state.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) bool {
	defer w.Cancel()

	r := w.registry
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		if r.metrics != nil {
			r.metrics.RecordCorrelationResolved()
		}
		return true
	case <-timer.C:
		r.logger.Debug("correlation wait timed out", "key", w.key, "timeout", timeout)
		if r.metrics != nil {
			r.metrics.RecordCorrelationTimeout()
		}
		return false
	case <-ctx.Done():
		return false
	}
}

// Cancel releases the registration without waiting. Safe to call after
// Wait, and safe to call more than once.
func (w *Waiter) Cancel() {
	w.once.Do(func() {
		w.registry.unregister(w.key, w.done)
	})
}

// Await registers a waiter for the key and blocks on it. Callers that
// publish a request after registering should use Register and Wait
// separately so the response cannot race the registration.
func (r *Registry) Await(ctx context.Context, key string, timeout time.Duration) bool {
	return r.Register(key).Wait(ctx, timeout)
}

// Resolve wakes every waiter registered for the key. Resolving a key nobody
// is waiting on is a no-op, as is resolving the same key twice.
func (r *Registry) Resolve(key string) {
	r.mu.Lock()
	waiters := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	for _, done := range waiters {
		close(done)
	}
}

// Pending returns the number of keys with at least one waiter.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) register(key string) chan struct{} {
	done := make(chan struct{})
	r.mu.Lock()
	r.pending[key] = append(r.pending[key], done)
	r.mu.Unlock()
	return done
}

func (r *Registry) unregister(key string, done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.pending[key]
	for i, w := range waiters {
		if w == done {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.pending, key)
	} else {
		r.pending[key] = waiters
	}
}
