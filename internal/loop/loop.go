// Package loop provides the explicit "yield to the scheduler" primitive used
// where an acknowledgement must return before the work it triggers runs.
package loop

import "sync"

// Scheduler runs fn at some later point, never on the caller's stack.
type Scheduler interface {
	Eventually(fn func())
}

// Goroutine schedules each function on its own goroutine.
type Goroutine struct{}

func (Goroutine) Eventually(fn func()) {
	go fn()
}

// Default is the scheduler used when none is injected.
var Default Scheduler = Goroutine{}

// Queue collects scheduled functions until Drain is called. Tests use it to
// control exactly when deferred work runs.
type Queue struct {
	mu      sync.Mutex
	pending []func()
}

func (q *Queue) Eventually(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Len returns the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain runs queued functions in FIFO order, including any they schedule,
// and returns how many ran.
func (q *Queue) Drain() int {
	ran := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return ran
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
		ran++
	}
}
