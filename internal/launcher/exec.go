package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// ExecLauncher runs the command as a raw OS process via os/exec.
//
// Output lines are forwarded to the output log and retained in a bounded
// recent-line buffer. Forwarding is throttled by a rate limiter so a flooding
// child cannot drown the log target; over-limit lines still reach the buffer
// and the drop count is logged once at exit.
type ExecLauncher struct {
	name    string
	command []string
	events  Events
	log     *slog.Logger

	mu        sync.Mutex
	env       map[string]string
	outLog    *slog.Logger
	cmd       *exec.Cmd
	started   bool
	exited    bool
	raw       int
	corrected int

	recent   *recentBuffer
	limiter  *rate.Limiter
	dropped  atomic.Int64
	exitedCh chan struct{}
}

// NewExecLauncher creates a launcher for the given command. The command is
// not validated until Start. events may be nil.
func NewExecLauncher(name string, command []string, events Events, log *slog.Logger) *ExecLauncher {
	if log == nil {
		log = slog.Default()
	}
	return &ExecLauncher{
		name:      name,
		command:   command,
		events:    events,
		log:       log,
		outLog:    log,
		raw:       -1,
		corrected: -1,
		recent:    newRecentBuffer(DefaultRecentLineLimit),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		exitedCh:  make(chan struct{}),
	}
}

// SetEnv adds environment variables on top of the inherited environment.
func (l *ExecLauncher) SetEnv(env map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.env = env
}

// SetOutputLog sets the target for the process's output lines. Must be called
// before Start to take effect for that run.
func (l *ExecLauncher) SetOutputLog(log *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outLog = log
}

// SetRecentLineLimit bounds the recent-output buffer.
func (l *ExecLauncher) SetRecentLineLimit(n int) {
	l.recent.setLimit(n)
}

// SetOutputRateLimit throttles output-log forwarding to linesPerSecond with
// the given burst. Must be called before Start.
func (l *ExecLauncher) SetOutputRateLimit(linesPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(linesPerSecond), burst)
}

// DroppedOutputLines reports how many lines the rate limiter kept out of the
// output log. The recent-line buffer is never throttled.
func (l *ExecLauncher) DroppedOutputLines() int64 {
	return l.dropped.Load()
}

// Start spawns the process and begins streaming its output. The started
// notification is raised synchronously before Start returns; the exit
// notification arrives later from the wait goroutine.
func (l *ExecLauncher) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: already started", l.name)
	}
	if len(l.command) == 0 {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: command is required", l.name)
	}

	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range l.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Own both ends of the output pipes instead of using cmd.StdoutPipe:
	// Wait would close the read ends as soon as the child is reaped, racing
	// the pumps out of the final lines.
	outR, outW, err := os.Pipe()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: stdout pipe: %w", l.name, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: stderr pipe: %w", l.name, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: start: %w", l.name, err)
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	l.cmd = cmd
	l.started = true
	outLog := l.outLog
	l.mu.Unlock()

	l.log.Debug("process spawned", "name", l.name, "pid", cmd.Process.Pid)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go l.pump(&pumps, outR, "stdout", outLog)
	go l.pump(&pumps, errR, "stderr", outLog)
	go l.awaitExit(&pumps, cmd, outR, errR)

	if l.events != nil {
		l.events.ProcessStarted()
	}
	return nil
}

func (l *ExecLauncher) pump(pumps *sync.WaitGroup, r io.Reader, stream string, outLog *slog.Logger) {
	defer pumps.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		l.recent.append(line)
		if outLog == nil {
			continue
		}
		if l.limiter.Allow() {
			outLog.Info(line, "name", l.name, "stream", stream)
		} else {
			l.dropped.Add(1)
		}
	}
}

// drainGrace bounds how long awaitExit waits for the output pumps after the
// process has been reaped. Orphaned descendants can inherit the pipes and
// keep them open long past the child's own exit.
const drainGrace = 2 * time.Second

// awaitExit reaps the process, gives the output pumps a bounded window to
// drain, then captures the exit codes and raises the exit notification.
// Reaping must not be gated on pipe EOF: an orphan holding the write end
// would delay the notification arbitrarily.
func (l *ExecLauncher) awaitExit(pumps *sync.WaitGroup, cmd *exec.Cmd, outR, errR *os.File) {
	err := cmd.Wait()
	raw, corrected := exitCodes(cmd.ProcessState, err)

	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
		// Force EOF on the pumps.
		outR.Close()
		errR.Close()
		<-drained
	}
	outR.Close()
	errR.Close()
	l.recent.markFinal()

	if n := l.dropped.Load(); n > 0 {
		l.log.Warn("output lines dropped by rate limit", "name", l.name, "dropped", n)
	}

	l.mu.Lock()
	l.exited = true
	l.raw = raw
	l.corrected = corrected
	l.mu.Unlock()
	close(l.exitedCh)

	l.log.Debug("process exited", "name", l.name, "raw_code", raw, "code", corrected)
	if l.events != nil {
		l.events.ProcessExited(raw, corrected)
	}
}

// exitCodes derives the raw and sign-corrected exit codes from a wait status.
// Signal death yields a negative raw code and a corrected code of 128+signal.
func exitCodes(state *os.ProcessState, waitErr error) (raw, corrected int) {
	if state == nil {
		if waitErr != nil {
			return -1, -1
		}
		return 0, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			sig := int(ws.Signal())
			return -sig, 128 + sig
		}
		if ws.Exited() {
			code := ws.ExitStatus()
			return code, code
		}
	}
	code := state.ExitCode()
	return code, code
}

// Stop terminates the process: SIGTERM first, then SIGKILL if the process has
// not exited by the time the context is done. A no-op once the process has
// exited or before Start.
func (l *ExecLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	cmd := l.cmd
	exited := l.exited
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil || exited {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already reaped between the check and the signal.
		return nil
	}

	select {
	case <-l.exitedCh:
		return nil
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("launcher %s: kill: %w", l.name, err)
	}
	return nil
}

// ExitCode returns the raw exit code once the process has exited.
func (l *ExecLauncher) ExitCode() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raw, l.exited
}

// ExitCodeSignCorrected returns the sign-corrected exit code once the process
// has exited.
func (l *ExecLauncher) ExitCodeSignCorrected() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corrected, l.exited
}

// RecentOutput returns a snapshot of the most recent output lines.
func (l *ExecLauncher) RecentOutput() []string {
	return l.recent.snapshot()
}

// RecentOutputWait returns the recent output after a bounded wait for output
// to become non-empty, or, when final is set, for the last line to be flushed.
func (l *ExecLauncher) RecentOutputWait(final bool, wait time.Duration) []string {
	return l.recent.wait(final, wait)
}
