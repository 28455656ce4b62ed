package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forkguard/internal/launcher"
)

// MockLauncher is a controllable Launcher. Tests drive the exit path by
// calling exit, which mirrors how a real launcher raises the callback from
// its own goroutine.
type MockLauncher struct {
	StartFunc func() error
	StopFunc  func(ctx context.Context) error

	mu        sync.Mutex
	events    launcher.Events
	env       map[string]string
	exited    bool
	raw       int
	corrected int
	recent    []string

	stopCalls atomic.Int32
}

func (m *MockLauncher) Start() error {
	if m.StartFunc != nil {
		return m.StartFunc()
	}
	m.events.ProcessStarted()
	return nil
}

func (m *MockLauncher) Stop(ctx context.Context) error {
	m.stopCalls.Add(1)
	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	return nil
}

func (m *MockLauncher) SetEnv(env map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env = env
}

func (m *MockLauncher) SetOutputLog(log *slog.Logger) {}

func (m *MockLauncher) SetRecentLineLimit(n int) {}

func (m *MockLauncher) ExitCode() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw, m.exited
}

func (m *MockLauncher) ExitCodeSignCorrected() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.corrected, m.exited
}

func (m *MockLauncher) RecentOutput() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recent == nil {
		return []string{}
	}
	return m.recent
}

func (m *MockLauncher) RecentOutputWait(final bool, wait time.Duration) []string {
	return m.RecentOutput()
}

// exit delivers the exit notification the way a real launcher does.
func (m *MockLauncher) exit(raw, corrected int) {
	m.mu.Lock()
	m.exited = true
	m.raw = raw
	m.corrected = corrected
	events := m.events
	m.mu.Unlock()
	events.ProcessExited(raw, corrected)
}

func mockFactory(m *MockLauncher) LauncherFactory {
	return func(name string, command []string, events launcher.Events) (launcher.Launcher, error) {
		m.mu.Lock()
		m.events = events
		m.mu.Unlock()
		return m, nil
	}
}

// faultRecorder counts fault-hook invocations and exposes the first record.
type faultRecorder struct {
	calls atomic.Int32
	ch    chan *Failure
}

func newFaultRecorder() *faultRecorder {
	return &faultRecorder{ch: make(chan *Failure, 8)}
}

func (r *faultRecorder) hook(f *Failure) {
	r.calls.Add(1)
	r.ch <- f
}

func (r *faultRecorder) wait(t *testing.T) *Failure {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure record")
		return nil
	}
}

func newTestSupervisor(t *testing.T, m *MockLauncher, opts ...Option) (*Supervisor, *faultRecorder) {
	t.Helper()
	rec := newFaultRecorder()
	opts = append(opts, WithFaultHook(rec.hook))
	sup := New("testproc", mockFactory(m), slog.Default(), opts...)
	return sup, rec
}

func waitDone(t *testing.T, sup *Supervisor) {
	t.Helper()
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run completion")
	}
}

func TestStart_NotConfigured(t *testing.T) {
	sup, _ := newTestSupervisor(t, &MockLauncher{})

	if err := sup.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Start before Configure = %v, want ErrNotConfigured", err)
	}
	if sup.State() != StateNotConfigured {
		t.Errorf("state = %s, want NOT_CONFIGURED", sup.State())
	}
}

func TestConfigure_Twice(t *testing.T) {
	sup, _ := newTestSupervisor(t, &MockLauncher{})

	if err := sup.Configure(nil, []string{"sleep", "60"}); err != nil {
		t.Fatalf("first Configure failed: %v", err)
	}
	if err := sup.Configure(nil, []string{"echo"}); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("second Configure = %v, want ErrAlreadyConfigured", err)
	}
}

func TestConfigure_EmptyCommand(t *testing.T) {
	sup, _ := newTestSupervisor(t, &MockLauncher{})

	if err := sup.Configure(nil, nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestCleanExit(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m)

	if err := sup.Configure(nil, []string{"true"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !sup.Started() || !sup.Running() {
		t.Error("process should be started and running after Start")
	}

	m.exit(0, 0)
	waitDone(t, sup)

	if !sup.Terminated() {
		t.Error("run should be terminated after exit")
	}
	if sup.Running() {
		t.Error("process should no longer be running")
	}
	if got := sup.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
	if got := sup.ExitCodeSignCorrected(); got != 0 {
		t.Errorf("ExitCodeSignCorrected() = %d, want 0", got)
	}
	if f := sup.Failure(); f != nil {
		t.Errorf("clean exit must not produce a failure, got %v", f)
	}
	if n := rec.calls.Load(); n != 0 {
		t.Errorf("fault hook invoked %d times, want 0", n)
	}
	if sup.TimedOut() {
		t.Error("clean exit must not be reported as a timeout")
	}
	// The exit path never asks the launcher to stop an exited process.
	if n := m.stopCalls.Load(); n != 0 {
		t.Errorf("launcher Stop called %d times, want 0", n)
	}
}

func TestNonZeroExit_SingleFailure(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m)

	if err := sup.Configure(nil, []string{"false"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.exit(3, 3)
	waitDone(t, sup)

	f := rec.wait(t)
	if f.Code != 3 {
		t.Errorf("failure code = %d, want 3", f.Code)
	}
	if got := sup.Failure(); got == nil || got.Code != 3 {
		t.Errorf("Failure() = %v, want code 3", got)
	}
	if got := sup.ExitCodeSignCorrected(); got != 3 {
		t.Errorf("ExitCodeSignCorrected() = %d, want 3", got)
	}
	if n := rec.calls.Load(); n != 1 {
		t.Errorf("fault hook invoked %d times, want exactly 1", n)
	}
}

func TestSignalExit_SignCorrection(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m)

	if err := sup.Configure(nil, []string{"cat"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Killed by SIGKILL: raw -9, corrected 128+9.
	m.exit(-9, 137)
	waitDone(t, sup)

	if got := sup.ExitCode(); got != -9 {
		t.Errorf("ExitCode() = %d, want -9", got)
	}
	if got := sup.ExitCodeSignCorrected(); got != 137 {
		t.Errorf("ExitCodeSignCorrected() = %d, want 137", got)
	}
	f := rec.wait(t)
	if f.Code != 137 {
		t.Errorf("failure code = %d, want 137", f.Code)
	}
}

func TestTimeout_TerminatesAndReportsTimeoutCode(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m, WithTimeout(50*time.Millisecond, 124))

	if err := sup.Configure(nil, []string{"sleep", "60"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f := rec.wait(t)
	if f.Code != 124 {
		t.Errorf("failure code = %d, want the timeout code 124", f.Code)
	}
	if !sup.TimedOut() {
		t.Error("TimedOut() should report true")
	}
	if sup.State() != StateTimedOut {
		t.Errorf("state = %s, want TIMED_OUT", sup.State())
	}
	waitDone(t, sup)

	// Exactly one termination request even though both the watcher and the
	// exit path will try to stop the run.
	if n := m.stopCalls.Load(); n != 1 {
		t.Errorf("launcher Stop called %d times, want exactly 1", n)
	}

	// The killed process eventually reports its exit. The late exit must not
	// overwrite the timeout failure nor trigger a second report.
	m.exit(-9, 137)

	if got := sup.Failure(); got == nil || got.Code != 124 {
		t.Errorf("Failure() after late exit = %v, want code 124", got)
	}
	if got := sup.ExitCode(); got != -9 {
		t.Errorf("late exit code should still be recorded, got %d", got)
	}
	if n := rec.calls.Load(); n != 1 {
		t.Errorf("fault hook invoked %d times, want exactly 1", n)
	}
	if n := m.stopCalls.Load(); n != 1 {
		t.Errorf("launcher Stop called %d times after late exit, want 1", n)
	}
}

func TestExitBeatsTimeout(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m, WithTimeout(150*time.Millisecond, 124))

	if err := sup.Configure(nil, []string{"true"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.exit(0, 0)
	waitDone(t, sup)

	// Give the watcher time to wake and observe the lost race.
	time.Sleep(300 * time.Millisecond)

	if sup.TimedOut() {
		t.Error("timeout must not fire after the process already exited")
	}
	if f := sup.Failure(); f != nil {
		t.Errorf("expected no failure, got %v", f)
	}
	if n := rec.calls.Load(); n != 0 {
		t.Errorf("fault hook invoked %d times, want 0", n)
	}
}

func TestStop_Idempotent(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m)

	if err := sup.Configure(nil, []string{"sleep", "60"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sup.Stop()
	sup.Stop()
	sup.Stop()

	if n := m.stopCalls.Load(); n != 1 {
		t.Errorf("launcher Stop called %d times, want exactly 1", n)
	}
	if sup.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", sup.State())
	}
	if n := rec.calls.Load(); n != 0 {
		t.Errorf("deliberate stop must not report a failure, hook called %d times", n)
	}
}

func TestStopBeforeExit_SuppressesFailure(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m)

	if err := sup.Configure(nil, []string{"sleep", "60"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sup.Stop()
	// The terminated process exits with the SIGTERM code.
	m.exit(-15, 143)

	if f := sup.Failure(); f != nil {
		t.Errorf("stop-initiated exit must not produce a failure, got %v", f)
	}
	if n := rec.calls.Load(); n != 0 {
		t.Errorf("fault hook invoked %d times, want 0", n)
	}
	if got := sup.ExitCodeSignCorrected(); got != 143 {
		t.Errorf("exit code should still be recorded, got %d", got)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	m := &MockLauncher{}
	sup, _ := newTestSupervisor(t, m)

	sup.Stop()

	if !sup.Terminated() {
		t.Error("stop should mark the run completed even without a process")
	}
	if n := m.stopCalls.Load(); n != 0 {
		t.Errorf("launcher Stop called %d times, want 0", n)
	}
}

func TestExitCodes_DefaultBeforeExit(t *testing.T) {
	sup, _ := newTestSupervisor(t, &MockLauncher{})

	if got := sup.ExitCode(); got != -1 {
		t.Errorf("ExitCode() before exit = %d, want -1", got)
	}
	if got := sup.ExitCodeSignCorrected(); got != -1 {
		t.Errorf("ExitCodeSignCorrected() before exit = %d, want -1", got)
	}
}

func TestRecentOutput_Unconfigured(t *testing.T) {
	sup, _ := newTestSupervisor(t, &MockLauncher{})

	if got := sup.RecentOutput(); got == nil || len(got) != 0 {
		t.Errorf("RecentOutput() before Configure = %v, want empty slice", got)
	}
	if got := sup.RecentOutputWait(true, 10*time.Millisecond); got == nil || len(got) != 0 {
		t.Errorf("RecentOutputWait() before Configure = %v, want empty slice", got)
	}
}

func TestLauncherFactoryError(t *testing.T) {
	factoryErr := errors.New("no such runtime")
	sup := New("testproc", func(name string, command []string, events launcher.Events) (launcher.Launcher, error) {
		return nil, factoryErr
	}, slog.Default())

	if err := sup.Configure(nil, []string{"true"}); !errors.Is(err, factoryErr) {
		t.Errorf("Configure = %v, want wrapped factory error", err)
	}
}

func TestStateTransitions(t *testing.T) {
	m := &MockLauncher{}
	sup, _ := newTestSupervisor(t, m)

	if sup.State() != StateNotConfigured {
		t.Errorf("initial state = %s, want NOT_CONFIGURED", sup.State())
	}
	if err := sup.Configure(nil, []string{"true"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if sup.State() != StateConfigured {
		t.Errorf("state = %s, want CONFIGURED", sup.State())
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sup.State() != StateStarted {
		t.Errorf("state = %s, want STARTED", sup.State())
	}

	m.exit(0, 0)
	sup.Stop()
	if sup.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", sup.State())
	}
}

func TestConcurrentCompletion_SingleFailure(t *testing.T) {
	m := &MockLauncher{}
	sup, rec := newTestSupervisor(t, m, WithTimeout(10*time.Millisecond, 124))

	if err := sup.Configure(nil, []string{"false"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Race the exit callback, deliberate stops and the armed timeout watcher.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.exit(7, 7)
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Stop()
		}()
	}
	wg.Wait()
	waitDone(t, sup)

	// Whoever won, there is at most one failure record and one hook call.
	time.Sleep(50 * time.Millisecond)
	if n := rec.calls.Load(); n > 1 {
		t.Errorf("fault hook invoked %d times, want at most 1", n)
	}
	f := sup.Failure()
	if f != nil && f.Code != 7 && f.Code != 124 {
		t.Errorf("failure code = %d, want 7 or 124", f.Code)
	}
}
