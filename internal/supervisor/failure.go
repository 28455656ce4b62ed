package supervisor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotConfigured is returned by Start before Configure has been called.
var ErrNotConfigured = errors.New("supervisor: process not yet configured")

// ErrAlreadyConfigured is returned by a second Configure call. Configuration
// is immutable once set.
var ErrAlreadyConfigured = errors.New("supervisor: process already configured")

// Failure records why a supervised run failed: the process's corrected exit
// code, or the configured timeout code when the deadline fired first. At most
// one Failure is produced per run.
type Failure struct {
	Code    int
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (exit code %d)", f.Message, f.Code)
}

// FailureReporter delivers at most one Failure to the host's fault hook.
// Whichever completion path wins the latch race is the only caller, but the
// reporter enforces once-only delivery regardless.
type FailureReporter struct {
	once sync.Once
	hook func(*Failure)

	mu      sync.Mutex
	failure *Failure
}

// NewFailureReporter wraps the given fault hook. hook may be nil.
func NewFailureReporter(hook func(*Failure)) *FailureReporter {
	return &FailureReporter{hook: hook}
}

// Report records the failure and invokes the hook. Calls after the first are
// no-ops.
func (r *FailureReporter) Report(code int, message string) {
	r.once.Do(func() {
		f := &Failure{Code: code, Message: message}
		r.mu.Lock()
		r.failure = f
		r.mu.Unlock()
		if r.hook != nil {
			r.hook(f)
		}
	})
}

// Failure returns the reported failure, or nil if none was reported.
func (r *FailureReporter) Failure() *Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}
