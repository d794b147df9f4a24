// Package renewal runs periodic re-subscription tasks. Keyframe and audio
// meter subscriptions age out on the server unless they are re-published, so
// registered tasks run once immediately and then on a fixed interval.
package renewal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axm06051/AmppControlSdk-0.9.32/metric"
)

// DefaultInterval is how often registered tasks are re-run.
const DefaultInterval = 60 * time.Second

// Task renews one subscription. A failing task is logged and retried on the
// next pass; it never stops the renewer.
type Task func(ctx context.Context) error

// Renewer runs registered tasks on a fixed schedule. Tasks may be added and
// removed while the renewer is running.
type Renewer struct {
	interval    time.Duration
	taskTimeout time.Duration
	logger      *slog.Logger
	metrics     *metric.Metrics

	mu    sync.Mutex
	tasks map[string]Task

	trigger   chan struct{}
	done      chan struct{}
	taskCtx   context.Context
	taskStop  context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option configures a Renewer
type Option func(*Renewer)

// WithInterval overrides the renewal interval
func WithInterval(interval time.Duration) Option {
	return func(r *Renewer) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renewer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches core client metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Renewer) {
		r.metrics = metrics
	}
}

// NewRenewer creates a stopped renewer.
func NewRenewer(opts ...Option) *Renewer {
	r := &Renewer{
		interval:    DefaultInterval,
		taskTimeout: 30 * time.Second,
		logger:      slog.Default(),
		tasks:       make(map[string]Task),
		trigger:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	r.taskCtx, r.taskStop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a task under a name, replacing any task with the same name.
func (r *Renewer) Add(name string, task Task) {
	r.mu.Lock()
	r.tasks[name] = task
	r.mu.Unlock()
}

// Remove drops a task. Removing an unknown name is a no-op.
func (r *Renewer) Remove(name string) {
	r.mu.Lock()
	delete(r.tasks, name)
	r.mu.Unlock()
}

// Count returns the number of registered tasks.
func (r *Renewer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Start launches the renewal loop: one pass immediately, then one per
// interval. Starting twice is a no-op.
func (r *Renewer) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// RunNow requests an immediate pass outside the regular schedule, typically
// from a push channel reconnect callback. It never blocks; a pass already
// pending is enough.
func (r *Renewer) RunNow() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the renewal loop. An in-flight task sees its context cancelled,
// so Stop never waits out a stuck renewal.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.taskStop()
	})
	r.wg.Wait()
}

func (r *Renewer) loop() {
	defer r.wg.Done()

	r.runPass()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runPass()
		case <-r.trigger:
			r.runPass()
		case <-r.done:
			return
		}
	}
}

func (r *Renewer) runPass() {
	r.mu.Lock()
	tasks := make(map[string]Task, len(r.tasks))
	for name, task := range r.tasks {
		tasks[name] = task
	}
	r.mu.Unlock()

	for name, task := range tasks {
		select {
		case <-r.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(r.taskCtx, r.taskTimeout)
		err := task(ctx)
		cancel()
		if err != nil {
			r.logger.Warn("renewal task failed", "task", name, "error", err)
			if r.metrics != nil {
				r.metrics.RecordRenewalRun("error")
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordRenewalRun("ok")
		}
	}
}
