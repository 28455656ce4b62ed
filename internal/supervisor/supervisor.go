// Package supervisor coordinates the lifecycle of a single forked process: it
// starts the process through a launcher, observes its asynchronous exit,
// enforces an optional execution deadline, and converts the outcome into at
// most one failure record for the owning service.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forkguard/internal/launcher"
)

// State is the supervisor's position in its lifecycle.
type State int32

const (
	StateNotConfigured State = iota
	StateConfigured
	StateStarted
	StateCompletedOK
	StateCompletedFailed
	StateTimedOut
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotConfigured:
		return "NOT_CONFIGURED"
	case StateConfigured:
		return "CONFIGURED"
	case StateStarted:
		return "STARTED"
	case StateCompletedOK:
		return "COMPLETED_OK"
	case StateCompletedFailed:
		return "COMPLETED_FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// LauncherFactory builds the launcher for a configured command. The supervisor
// passes itself as the events target so the launcher can call back with the
// start and exit notifications.
type LauncherFactory func(name string, command []string, events launcher.Events) (launcher.Launcher, error)

// DefaultStopGrace bounds how long Stop waits for a graceful termination
// before the launcher escalates.
const DefaultStopGrace = 5 * time.Second

// Supervisor owns one supervised run. It is safe for concurrent use; the only
// goroutines it ever spawns itself is the timeout watcher, started lazily when
// a positive timeout is configured.
type Supervisor struct {
	name        string
	log         *slog.Logger
	newLauncher LauncherFactory

	mu          sync.Mutex
	state       State
	proc        launcher.Launcher
	started     bool
	exited      bool
	timedOut    bool
	rawCode     int
	corrected   int
	timeout     time.Duration
	timeoutCode int
	stopGrace   time.Duration
	outLog      *slog.Logger
	recentLimit int
	faultHook   func(*Failure)

	latch    *Latch
	reporter *FailureReporter
	termOnce sync.Once
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithTimeout sets the execution deadline and the exit code reported when it
// fires. A non-positive duration means unbounded.
func WithTimeout(d time.Duration, code int) Option {
	return func(s *Supervisor) {
		s.timeout = d
		s.timeoutCode = code
	}
}

// WithStopGrace sets how long Stop allows for graceful termination.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithFaultHook sets the host's fault-reporting hook. It is invoked at most
// once per run, from whichever goroutine wins the completion race.
func WithFaultHook(hook func(*Failure)) Option {
	return func(s *Supervisor) {
		s.faultHook = hook
	}
}

// New creates a supervisor. The factory is invoked by Configure; wiring a
// concrete launcher happens at the call site so the core stays mockable.
func New(name string, factory LauncherFactory, log *slog.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		name:        name,
		log:         log,
		newLauncher: factory,
		state:       StateNotConfigured,
		rawCode:     -1,
		corrected:   -1,
		timeout:     -1,
		timeoutCode: 1,
		stopGrace:   DefaultStopGrace,
		latch:       NewLatch(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reporter = NewFailureReporter(func(f *Failure) {
		s.mu.Lock()
		hook := s.faultHook
		s.mu.Unlock()
		if hook != nil {
			hook(f)
		}
	})
	return s
}

// SetFaultHook sets the host's fault hook. Must be called before Start.
func (s *Supervisor) SetFaultHook(hook func(*Failure)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultHook = hook
}

// SetTimeout sets the execution deadline and timeout exit code. Must be
// called before Start to take effect for that run.
func (s *Supervisor) SetTimeout(d time.Duration, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	s.timeoutCode = code
}

// SetOutputLog sets the target for the process's output lines.
func (s *Supervisor) SetOutputLog(log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outLog = log
	if s.proc != nil {
		s.proc.SetOutputLog(log)
	}
}

// SetRecentLineLimit bounds the launcher's recent-output buffer.
func (s *Supervisor) SetRecentLineLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentLimit = n
	if s.proc != nil {
		s.proc.SetRecentLineLimit(n)
	}
}

// Configure builds the launcher for the given environment and command. The
// first element of command is the executable. Configuring twice is an error;
// configuration is immutable once set.
func (s *Supervisor) Configure(env map[string]string, command []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return ErrAlreadyConfigured
	}
	if len(command) == 0 {
		return fmt.Errorf("supervisor %s: command is required", s.name)
	}

	proc, err := s.newLauncher(s.name, command, s)
	if err != nil {
		return fmt.Errorf("supervisor %s: build launcher: %w", s.name, err)
	}
	proc.SetEnv(env)
	if s.outLog != nil {
		proc.SetOutputLog(s.outLog)
	}
	if s.recentLimit > 0 {
		proc.SetRecentLineLimit(s.recentLimit)
	}

	s.proc = proc
	s.state = StateConfigured
	return nil
}

// Start asks the launcher to begin execution. It returns before the process
// terminates; termination arrives later through the exit callback.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return ErrNotConfigured
	}
	// Released the lock first: the launcher raises ProcessStarted
	// synchronously from Start.
	return proc.Start()
}

// Stop marks the run completed and terminates the process if it is still
// running. It is idempotent, never returns an error, and is safe to call from
// within the exit callback.
func (s *Supervisor) Stop() {
	s.latch.TrySetCompleted()
	s.terminateProcess()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

// terminateProcess issues the run's single termination request, shared
// between Stop and the timeout watcher. A no-op once the process has exited.
func (s *Supervisor) terminateProcess() {
	s.mu.Lock()
	proc := s.proc
	exited := s.exited
	grace := s.stopGrace
	s.mu.Unlock()

	if proc == nil || exited {
		return
	}
	s.termOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := proc.Stop(ctx); err != nil {
			s.log.Warn("terminating process failed", "service", s.name, "error", err)
		}
	})
}

// ProcessStarted is the launcher's start notification. If a positive timeout
// is configured it arms the watcher, one per run.
func (s *Supervisor) ProcessStarted() {
	s.mu.Lock()
	s.started = true
	s.state = StateStarted
	timeout := s.timeout
	s.mu.Unlock()

	s.log.Debug("process has started", "service", s.name)
	if timeout > 0 {
		go s.watchTimeout(timeout)
	}
}

// ProcessExited is the launcher's exit notification. The critical section
// only captures the exit and decides the latch race; Stop runs after it to
// avoid re-entering the lock through the stop path.
func (s *Supervisor) ProcessExited(rawCode, correctedCode int) {
	s.mu.Lock()
	s.exited = true
	s.rawCode = rawCode
	s.corrected = correctedCode
	winner := s.latch.TrySetCompleted()
	if winner {
		if correctedCode != 0 {
			s.state = StateCompletedFailed
		} else {
			s.state = StateCompletedOK
		}
	}
	s.mu.Unlock()

	s.log.Debug("process has exited", "service", s.name, "code", correctedCode)
	if winner && correctedCode != 0 {
		s.reporter.Report(correctedCode, fmt.Sprintf("%s failed with code %d", s.name, correctedCode))
	}
	s.Stop()
}

// watchTimeout waits out the configured deadline. Losing the latch race means
// the process finished on its own and the watcher leaves quietly; winning
// means the deadline fired first, so the process is terminated and the
// timeout code is reported instead of the unknowable real exit code.
func (s *Supervisor) watchTimeout(d time.Duration) {
	s.latch.WaitUntilCompletedOr(d)

	if !s.latch.TrySetCompleted() {
		return
	}

	s.mu.Lock()
	running := s.started && !s.exited && s.state == StateStarted
	s.state = StateTimedOut
	s.timedOut = true
	code := s.timeoutCode
	s.mu.Unlock()

	s.log.Info("process timeout", "service", s.name, "timeout", d, "code", code)
	if running {
		s.terminateProcess()
	}
	s.reporter.Report(code, fmt.Sprintf("%s: timeout after %s: exit code = %d", s.name, d, code))
}

// Name returns the supervised service's name.
func (s *Supervisor) Name() string {
	return s.name
}

// OnServiceStart is the host framework's start hook.
func (s *Supervisor) OnServiceStart(ctx context.Context) error {
	return s.Start()
}

// OnServiceStop is the host framework's stop hook. It always succeeds.
func (s *Supervisor) OnServiceStop(ctx context.Context) error {
	s.Stop()
	return nil
}

// ExitCode returns the raw exit code, or -1 before the process has exited.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawCode
}

// ExitCodeSignCorrected returns the sign-corrected exit code, or -1 before
// the process has exited.
func (s *Supervisor) ExitCodeSignCorrected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrected
}

// Started reports whether the process has started.
func (s *Supervisor) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Running reports whether the process is between started and completed.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return started && !s.latch.Completed()
}

// Terminated reports whether the run has been marked completed.
func (s *Supervisor) Terminated() bool {
	return s.latch.Completed()
}

// TimedOut reports whether the timeout watcher declared this run failed.
func (s *Supervisor) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the run's failure record, or nil for a clean run.
func (s *Supervisor) Failure() *Failure {
	return s.reporter.Failure()
}

// Done returns a channel closed when the run completes, by exit, timeout or
// Stop.
func (s *Supervisor) Done() <-chan struct{} {
	return s.latch.Done()
}

// RecentOutput returns the launcher's recent output, or an empty slice before
// configuration. It never returns nil and never blocks.
func (s *Supervisor) RecentOutput() []string {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return []string{}
	}
	return proc.RecentOutput()
}

// RecentOutputWait is RecentOutput with a bounded wait for output to become
// non-empty or, when final is set, fully flushed.
func (s *Supervisor) RecentOutputWait(final bool, wait time.Duration) []string {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return []string{}
	}
	return proc.RecentOutputWait(final, wait)
}
