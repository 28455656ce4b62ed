package launcher

import (
	"sync"
	"time"
)

// DefaultRecentLineLimit bounds the recent-output buffer unless overridden
// with SetRecentLineLimit.
const DefaultRecentLineLimit = 64

// recentBuffer keeps the most recent output lines of a process. It broadcasts
// two events to bounded waiters: the buffer becoming non-empty, and the final
// line having been flushed after process exit.
type recentBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string

	nonEmpty     chan struct{}
	final        chan struct{}
	nonEmptyOnce sync.Once
	finalOnce    sync.Once
}

func newRecentBuffer(limit int) *recentBuffer {
	if limit <= 0 {
		limit = DefaultRecentLineLimit
	}
	return &recentBuffer{
		limit:    limit,
		nonEmpty: make(chan struct{}),
		final:    make(chan struct{}),
	}
}

func (b *recentBuffer) setLimit(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = n
	if len(b.lines) > n {
		b.lines = append([]string(nil), b.lines[len(b.lines)-n:]...)
	}
}

func (b *recentBuffer) append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[1:]
	}
	b.mu.Unlock()
	b.nonEmptyOnce.Do(func() { close(b.nonEmpty) })
}

// markFinal signals that no further output will arrive.
func (b *recentBuffer) markFinal() {
	b.finalOnce.Do(func() { close(b.final) })
}

// snapshot returns a copy of the buffered lines, never nil.
func (b *recentBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// wait blocks until the requested condition holds or the duration elapses,
// then returns a snapshot. wait <= 0 degrades to a plain snapshot.
func (b *recentBuffer) wait(final bool, d time.Duration) []string {
	if d <= 0 {
		return b.snapshot()
	}
	ch := b.nonEmpty
	if final {
		ch = b.final
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
	return b.snapshot()
}
