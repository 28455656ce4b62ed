// Package launcher spawns a single external process, streams its output and
// reports its lifecycle to an observer. Implementations exist for raw OS
// processes, Docker containers and Kubernetes Jobs.
package launcher

import (
	"context"
	"log/slog"
	"time"
)

// Events is the callback interface a launcher notifies as the process moves
// through its lifecycle. ProcessStarted is always delivered before
// ProcessExited for a given run.
type Events interface {
	// ProcessStarted fires once the process has been spawned.
	ProcessStarted()

	// ProcessExited fires once the process has terminated. rawCode is the
	// platform wait status (negative when the process died to a signal);
	// correctedCode maps signal death into the conventional 128+signal range.
	ProcessExited(rawCode, correctedCode int)
}

// Launcher runs one external process. A launcher is single-use: Start may be
// called once, and the exit notification is delivered exactly once.
type Launcher interface {
	// Start spawns the process. It returns before the process terminates;
	// termination is signaled through Events.
	Start() error

	// Stop terminates the process if it is still running. It is safe to call
	// at any time, from any goroutine, and is a no-op once the process has
	// exited. The context bounds how long a graceful termination may take.
	Stop(ctx context.Context) error

	// SetEnv adds environment variables on top of the inherited environment.
	// Must be called before Start.
	SetEnv(env map[string]string)

	// SetOutputLog sets the logger that receives the process's output lines.
	// A nil logger discards output (the recent-line buffer still fills).
	SetOutputLog(log *slog.Logger)

	// SetRecentLineLimit bounds the recent-output buffer.
	SetRecentLineLimit(n int)

	// ExitCode returns the raw exit code. ok is false until the process has
	// exited.
	ExitCode() (code int, ok bool)

	// ExitCodeSignCorrected returns the sign-corrected exit code. ok is false
	// until the process has exited.
	ExitCodeSignCorrected() (code int, ok bool)

	// RecentOutput returns a snapshot of the most recent output lines. It
	// never blocks and never returns nil.
	RecentOutput() []string

	// RecentOutputWait is RecentOutput with a bounded wait: when final is set
	// it waits up to wait for the process's output to be fully flushed,
	// otherwise it waits up to wait for the buffer to become non-empty.
	RecentOutputWait(final bool, wait time.Duration) []string
}
