package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind selects whether a lock is shared master-wide or narrowed per worker.
type Kind string

const (
	MasterLock Kind = "master"
	WorkerLock Kind = "worker"
)

// Descriptor is the configured shape of a lock.
type Descriptor struct {
	Name              string
	Kind              Kind
	MaxCount          int
	MaxCountForWorker map[string]int
}

func (d Descriptor) maxCountFor(worker string) int {
	if d.Kind == WorkerLock {
		if n, ok := d.MaxCountForWorker[worker]; ok && n > 0 {
			return n
		}
	}
	if d.MaxCount < 1 {
		return 1
	}
	return d.MaxCount
}

// Access names a lock and how it is wanted.
type Access struct {
	Lock string
	Mode Mode
}

func (a Access) String() string {
	return a.Lock + ":" + string(a.Mode)
}

// Held is an Access resolved to a concrete lock instance.
type Held struct {
	Lock *Lock
	Mode Mode
}

var ErrUnknownLock = errors.New("unknown lock")

// Registry owns every lock instance. All of them share one mutex so a
// multi-lock check-and-claim is atomic.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]Descriptor
	master      map[string]*Lock
	worker      map[string]map[string]*Lock
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: map[string]Descriptor{},
		master:      map[string]*Lock{},
		worker:      map[string]map[string]*Lock{},
	}
}

// Register adds a lock descriptor. Re-registering an identical descriptor is
// allowed; a conflicting one is rejected.
func (r *Registry) Register(d Descriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("register lock: name is required")
	}
	if d.Kind == "" {
		d.Kind = MasterLock
	}
	if d.Kind != MasterLock && d.Kind != WorkerLock {
		return fmt.Errorf("register lock %q: unknown kind %q", d.Name, d.Kind)
	}
	if d.MaxCount < 1 {
		d.MaxCount = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.descriptors[d.Name]; ok {
		if prev.Kind != d.Kind || prev.MaxCount != d.MaxCount {
			return fmt.Errorf("register lock %q: conflicting definition", d.Name)
		}
		return nil
	}
	r.descriptors[d.Name] = d
	return nil
}

// Names returns the registered lock names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve maps accesses onto the lock instances that apply on worker.
func (r *Registry) Resolve(accesses []Access, worker string) ([]Held, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Held, 0, len(accesses))
	for _, a := range accesses {
		if !a.Mode.Valid() {
			return nil, fmt.Errorf("resolve lock %q: %w", a.Lock, ErrInvalidMode)
		}
		d, ok := r.descriptors[a.Lock]
		if !ok {
			return nil, fmt.Errorf("resolve lock %q: %w", a.Lock, ErrUnknownLock)
		}
		out = append(out, Held{Lock: r.instanceLocked(d, worker), Mode: a.Mode})
	}
	return out, nil
}

func (r *Registry) instanceLocked(d Descriptor, worker string) *Lock {
	if d.Kind == MasterLock {
		l, ok := r.master[d.Name]
		if !ok {
			l = newLock(d.Name, d.maxCountFor(""), &r.mu)
			l.description = fmt.Sprintf("MasterLock(%s, %d)", d.Name, l.maxCount)
			r.master[d.Name] = l
		}
		return l
	}
	perWorker, ok := r.worker[d.Name]
	if !ok {
		perWorker = map[string]*Lock{}
		r.worker[d.Name] = perWorker
	}
	l, ok := perWorker[worker]
	if !ok {
		l = newLock(d.Name, d.maxCountFor(worker), &r.mu)
		l.description = fmt.Sprintf("WorkerLock(%s, %d)[%s]", d.Name, l.maxCount, worker)
		perWorker[worker] = l
	}
	return l
}

// Acquire blocks until claimant holds every lock in held. Locks are claimed
// all at once; while any is unavailable claimant waits on the first such lock
// and re-checks from scratch when woken. Cancelling ctx stops the wait and
// returns its cause.
func (r *Registry) Acquire(ctx context.Context, claimant any, held []Held) error {
	for {
		r.mu.Lock()
		var blocked *Lock
		var wait <-chan struct{}
		for _, h := range held {
			if !h.Lock.isAvailableLocked(claimant, h.Mode) {
				blocked = h.Lock
				wait = h.Lock.waitLocked(claimant, h.Mode)
				break
			}
		}
		if blocked == nil {
			for _, h := range held {
				if err := h.Lock.claimLocked(claimant, h.Mode); err != nil {
					r.mu.Unlock()
					return err
				}
			}
			r.mu.Unlock()
			return nil
		}
		// Only queue on one lock at a time: a claimant parked in another
		// lock's queue would block holders of the lock it now waits on.
		for _, h := range held {
			if h.Lock != blocked {
				h.Lock.stopWaitingLocked(claimant)
			}
		}
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			r.StopWaiting(claimant, held)
			return context.Cause(ctx)
		}
	}
}

// StopWaiting removes claimant from every wait queue in held.
func (r *Registry) StopWaiting(claimant any, held []Held) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range held {
		h.Lock.stopWaitingLocked(claimant)
	}
}

// ReleaseAll releases every lock in held that claimant owns and reports the
// first release error for locks it does not.
func (r *Registry) ReleaseAll(claimant any, held []Held) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, h := range held {
		h.Lock.stopWaitingLocked(claimant)
		if err := h.Lock.releaseLocked(claimant, h.Mode); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type State struct {
	Lock     string `json:"lock"`
	Holders  int    `json:"holders"`
	Waiting  int    `json:"waiting"`
	MaxCount int    `json:"max_count"`
}

// Snapshot describes every instantiated lock, sorted by description.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	add := func(l *Lock) {
		out = append(out, State{Lock: l.description, Holders: len(l.owners), Waiting: len(l.waiting), MaxCount: l.maxCount})
	}
	for _, l := range r.master {
		add(l)
	}
	for _, perWorker := range r.worker {
		for _, l := range perWorker {
			add(l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lock < out[j].Lock })
	return out
}
