package supervisor

import (
	"sync"
	"time"
)

// Latch is the single-fire completion flag for one supervised run. The exit
// callback, the timeout watcher and Stop all race to set it; exactly one
// caller of TrySetCompleted wins over the latch's lifetime. Setting the latch
// wakes every waiter at once.
type Latch struct {
	mu   sync.Mutex
	set  bool
	done chan struct{}
}

// NewLatch returns an unset latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// TrySetCompleted marks the latch and reports whether this call was the one
// that set it. All subsequent calls return false.
func (l *Latch) TrySetCompleted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return false
	}
	l.set = true
	close(l.done)
	return true
}

// Completed reports whether the latch has been set.
func (l *Latch) Completed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Done returns a channel that is closed when the latch is set.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// WaitUntilCompletedOr blocks until the latch is set or d elapses, whichever
// comes first, and reports whether the latch was set by then. It never
// mutates the latch.
func (l *Latch) WaitUntilCompletedOr(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return l.Completed()
	}
}
