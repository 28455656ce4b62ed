// Package service is a minimal lifecycle harness: a generic
// initialized/started/stopped state machine around a pair of start/stop
// hooks, plus a fault slot that holds the first failure a service reports.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"forkguard/internal/supervisor"
)

// State is a service's position in the generic lifecycle.
type State int32

const (
	StateInitialized State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateStarted:
		return "STARTED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Service is anything the Runner can drive through the lifecycle.
type Service interface {
	Name() string
	OnServiceStart(ctx context.Context) error
	OnServiceStop(ctx context.Context) error
}

// Runner drives a Service from Initialized through Started to Stopped.
// Stopped is terminal; re-entering it is a no-op. The first fault a service
// notes is kept, later ones are dropped.
type Runner struct {
	svc Service
	log *slog.Logger

	mu    sync.Mutex
	state State
	fault *supervisor.Failure

	stopped  chan struct{}
	stopOnce sync.Once
}

// NewRunner wraps a service in a fresh lifecycle.
func NewRunner(svc Service, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		svc:     svc,
		log:     log,
		state:   StateInitialized,
		stopped: make(chan struct{}),
	}
}

// Start transitions Initialized -> Started and invokes the start hook. A
// failed hook leaves the runner stopped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInitialized {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("service %s: cannot start from %s", r.svc.Name(), state)
	}
	r.state = StateStarted
	r.mu.Unlock()

	r.log.Debug("service starting", "service", r.svc.Name())
	if err := r.svc.OnServiceStart(ctx); err != nil {
		r.Stop(ctx)
		return fmt.Errorf("service %s: start: %w", r.svc.Name(), err)
	}
	return nil
}

// Stop transitions to Stopped and invokes the stop hook once. Safe to call
// any number of times, from any state.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()

		r.log.Debug("service stopping", "service", r.svc.Name())
		if err := r.svc.OnServiceStop(ctx); err != nil {
			r.log.Warn("service stop hook failed", "service", r.svc.Name(), "error", err)
		}
		close(r.stopped)
	})
	return nil
}

// NoteFailure records the service's fault. Only the first fault is kept, so
// it can be handed directly to a supervisor as its fault hook.
func (r *Runner) NoteFailure(f *supervisor.Failure) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault == nil {
		r.fault = f
	}
}

// Fault returns the recorded failure, or nil if the service never failed.
func (r *Runner) Fault() *supervisor.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fault
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed once the service has stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}
