package locks

import (
	"errors"
	"fmt"
	"sync"
)

// Mode is how a claimant wants to hold a lock.
type Mode string

const (
	Counting  Mode = "counting"
	Exclusive Mode = "exclusive"
)

func (m Mode) Valid() bool {
	return m == Counting || m == Exclusive
}

var (
	ErrNotAvailable = errors.New("lock is not available")
	ErrNotOwner     = errors.New("lock is not held by claimant")
	ErrInvalidMode  = errors.New("invalid lock access mode")
)

type holder struct {
	claimant any
	mode     Mode
}

type waiter struct {
	claimant any
	mode     Mode
	// wake is closed when the lock might have become available. A woken
	// waiter keeps its queue position with a nil channel until it claims or
	// stops waiting.
	wake chan struct{}
}

// Lock is a named resource with a bounded number of concurrent holders.
// Claimants are compared by identity, so pass pointers.
type Lock struct {
	name        string
	description string
	maxCount    int

	mu      *sync.Mutex
	owners  []holder
	waiting []*waiter
}

// NewLock returns a standalone lock with its own mutex.
func NewLock(name string, maxCount int) *Lock {
	return newLock(name, maxCount, &sync.Mutex{})
}

func newLock(name string, maxCount int, mu *sync.Mutex) *Lock {
	if maxCount < 1 {
		maxCount = 1
	}
	return &Lock{
		name:        name,
		description: fmt.Sprintf("Lock(%s, %d)", name, maxCount),
		maxCount:    maxCount,
		mu:          mu,
	}
}

func (l *Lock) Name() string   { return l.name }
func (l *Lock) MaxCount() int  { return l.maxCount }
func (l *Lock) String() string { return l.description }

func (l *Lock) IsAvailable(claimant any, mode Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isAvailableLocked(claimant, mode)
}

func (l *Lock) Claim(claimant any, mode Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimLocked(claimant, mode)
}

func (l *Lock) Release(claimant any, mode Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(claimant, mode)
}

func (l *Lock) IsOwner(claimant any, mode Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOwnerLocked(claimant, mode)
}

// WaitUntilAvailable returns a channel that is closed the next time the lock
// might be available to claimant. The caller must re-check availability.
func (l *Lock) WaitUntilAvailable(claimant any, mode Mode) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitLocked(claimant, mode)
}

// StopWaiting removes claimant from the wait queue.
func (l *Lock) StopWaiting(claimant any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWaitingLocked(claimant)
}

// Holders returns the current holders in acquisition order.
func (l *Lock) Holders() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, 0, len(l.owners))
	for _, h := range l.owners {
		out = append(out, h.claimant)
	}
	return out
}

// Waiting returns the number of queued claimants.
func (l *Lock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

func (l *Lock) ownerCounts() (exclusive, counting int) {
	for _, h := range l.owners {
		if h.mode == Exclusive {
			exclusive++
		} else {
			counting++
		}
	}
	return exclusive, counting
}

func (l *Lock) isAvailableLocked(claimant any, mode Mode) bool {
	numExcl, numCounting := l.ownerCounts()

	ahead := l.waiting
	for i, w := range l.waiting {
		if w.claimant == claimant {
			ahead = l.waiting[:i]
			break
		}
	}

	if mode == Counting {
		if numExcl != 0 || numCounting+len(ahead) >= l.maxCount {
			return false
		}
		for _, w := range ahead {
			if w.mode != Counting {
				return false
			}
		}
		return true
	}
	return numExcl == 0 && numCounting == 0 && len(ahead) == 0
}

func (l *Lock) claimLocked(claimant any, mode Mode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	if !l.isAvailableLocked(claimant, mode) {
		return fmt.Errorf("claim %s: %w", l.description, ErrNotAvailable)
	}
	l.removeWaiterLocked(claimant)
	l.owners = append(l.owners, holder{claimant: claimant, mode: mode})
	return nil
}

func (l *Lock) isOwnerLocked(claimant any, mode Mode) bool {
	for _, h := range l.owners {
		if h.claimant == claimant && h.mode == mode {
			return true
		}
	}
	return false
}

func (l *Lock) releaseLocked(claimant any, mode Mode) error {
	idx := -1
	for i, h := range l.owners {
		if h.claimant == claimant && h.mode == mode {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("release %s: %w", l.description, ErrNotOwner)
	}
	l.owners = append(l.owners[:idx], l.owners[idx+1:]...)
	l.wakeLocked()
	return nil
}

// wakeLocked wakes as many waiters, in queue order, as could now hold the
// lock. Woken waiters that have not claimed yet still count against it.
func (l *Lock) wakeLocked() {
	numExcl, numCounting := l.ownerCounts()
	for _, w := range l.waiting {
		if w.mode == Counting {
			if numExcl > 0 || numCounting >= l.maxCount {
				return
			}
			numCounting++
		} else {
			if numExcl > 0 || numCounting > 0 {
				return
			}
			numExcl++
		}
		if w.wake != nil {
			close(w.wake)
			w.wake = nil
		}
	}
}

func (l *Lock) waitLocked(claimant any, mode Mode) <-chan struct{} {
	ch := make(chan struct{})
	if l.isAvailableLocked(claimant, mode) {
		close(ch)
		return ch
	}
	for _, w := range l.waiting {
		if w.claimant == claimant {
			w.mode = mode
			w.wake = ch
			return ch
		}
	}
	l.waiting = append(l.waiting, &waiter{claimant: claimant, mode: mode, wake: ch})
	return ch
}

// stopWaitingLocked drops claimant from the queue. A claimant that was woken
// may have been holding the place of waiters behind it, so they get a fresh
// wake pass.
func (l *Lock) stopWaitingLocked(claimant any) {
	if l.removeWaiterLocked(claimant) {
		l.wakeLocked()
	}
}

func (l *Lock) removeWaiterLocked(claimant any) bool {
	kept := l.waiting[:0]
	for _, w := range l.waiting {
		if w.claimant != claimant {
			kept = append(kept, w)
		}
	}
	removed := len(kept) < len(l.waiting)
	for i := len(kept); i < len(l.waiting); i++ {
		l.waiting[i] = nil
	}
	l.waiting = kept
	return removed
}
