package agent

import (
	"sync"
	"time"
)

// callDeadline is a per-invocation budget that stops counting while the
// invocation waits on a human, so answering an elicitation does not eat
// into the tool's own time.
type callDeadline struct {
	mu        sync.Mutex
	remaining time.Duration
	since     time.Time
	paused    int
	stopped   bool
	timer     *time.Timer
	expired   chan struct{}
}

func newCallDeadline(budget time.Duration) *callDeadline {
	d := &callDeadline{
		remaining: budget,
		since:     time.Now(),
		expired:   make(chan struct{}),
	}
	d.timer = time.AfterFunc(budget, d.expire)
	return d
}

// Done is closed once the budget is spent.
func (d *callDeadline) Done() <-chan struct{} {
	return d.expired
}

func (d *callDeadline) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A timer that fired while a pause was being taken is ignored.
	if d.paused > 0 || d.stopped {
		return
	}
	d.stopped = true
	close(d.expired)
}

// pause stops the clock. Pauses nest; the clock restarts after the last
// matching resume.
func (d *callDeadline) pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused++
	if d.paused > 1 || d.stopped {
		return
	}
	d.timer.Stop()
	d.remaining -= time.Since(d.since)
}

func (d *callDeadline) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused == 0 {
		return
	}
	d.paused--
	if d.paused > 0 || d.stopped {
		return
	}
	d.since = time.Now()
	d.timer.Reset(max(d.remaining, 0))
}

// stop releases the timer. Done is never closed after stop.
func (d *callDeadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.timer.Stop()
}
