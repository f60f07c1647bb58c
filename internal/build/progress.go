package build

import (
	"sync"
	"time"
)

// StepProgress tracks how long a step has run and how much output it has
// produced, against what the last successful build saw.
type StepProgress struct {
	Name string

	mu             sync.Mutex
	started        time.Time
	finished       time.Time
	output         int
	expectedTime   time.Duration
	expectedOutput int
}

func (p *StepProgress) Start(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = now
}

func (p *StepProgress) Finish(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		p.started = now
	}
	if p.finished.IsZero() {
		p.finished = now
	}
}

func (p *StepProgress) AddOutput(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output += n
}

func (p *StepProgress) Output() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

func (p *StepProgress) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.finished.IsZero()
}

func (p *StepProgress) Elapsed(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsedLocked(now)
}

func (p *StepProgress) elapsedLocked(now time.Time) time.Duration {
	switch {
	case p.started.IsZero():
		return 0
	case !p.finished.IsZero():
		return p.finished.Sub(p.started)
	default:
		return now.Sub(p.started)
	}
}

// Remaining estimates the time left. ok is false without an expectation.
func (p *StepProgress) Remaining(now time.Time) (d time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished.IsZero() {
		return 0, true
	}
	if p.expectedTime <= 0 {
		return 0, false
	}
	left := p.expectedTime - p.elapsedLocked(now)
	if left < 0 {
		left = 0
	}
	return left, true
}

func (p *StepProgress) setExpectations(t time.Duration, output int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedTime = t
	p.expectedOutput = output
}

// BuildProgress aggregates step progress for an ETA.
type BuildProgress struct {
	mu    sync.Mutex
	order []string
	steps map[string]*StepProgress
	now   func() time.Time
}

func NewBuildProgress(now func() time.Time) *BuildProgress {
	if now == nil {
		now = time.Now
	}
	return &BuildProgress{steps: map[string]*StepProgress{}, now: now}
}

// Step returns the tracker for name, creating it.
func (bp *BuildProgress) Step(name string) *StepProgress {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	sp, ok := bp.steps[name]
	if !ok {
		sp = &StepProgress{Name: name}
		bp.steps[name] = sp
		bp.order = append(bp.order, name)
	}
	return sp
}

func (bp *BuildProgress) stepList() []*StepProgress {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make([]*StepProgress, 0, len(bp.order))
	for _, name := range bp.order {
		out = append(out, bp.steps[name])
	}
	return out
}

// SetExpectations seeds every tracked step from e.
func (bp *BuildProgress) SetExpectations(e *Expectations) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sp := range bp.stepList() {
		sp.setExpectations(e.times[sp.Name], e.output[sp.Name])
	}
}

// ETA is the estimated time until the build finishes.
func (bp *BuildProgress) ETA() (time.Duration, bool) {
	now := bp.now()
	var total time.Duration
	for _, sp := range bp.stepList() {
		left, ok := sp.Remaining(now)
		if !ok {
			return 0, false
		}
		total += left
	}
	return total, true
}

// expectationDecay weighs the newest observation against history.
const expectationDecay = 0.5

// Expectations remembers per-step durations and output sizes from past
// successful builds. Safe for concurrent use.
type Expectations struct {
	mu     sync.Mutex
	times  map[string]time.Duration
	output map[string]int
}

func NewExpectations() *Expectations {
	return &Expectations{times: map[string]time.Duration{}, output: map[string]int{}}
}

// Update folds a finished build's progress into the expectations with an
// exponentially weighted average.
func (e *Expectations) Update(bp *BuildProgress) {
	if e == nil || bp == nil {
		return
	}
	now := bp.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sp := range bp.stepList() {
		if !sp.Finished() {
			continue
		}
		elapsed := sp.Elapsed(now)
		if old, ok := e.times[sp.Name]; ok {
			elapsed = time.Duration(float64(old)*(1-expectationDecay) + float64(elapsed)*expectationDecay)
		}
		e.times[sp.Name] = elapsed

		out := sp.Output()
		if old, ok := e.output[sp.Name]; ok {
			out = int(float64(old)*(1-expectationDecay) + float64(out)*expectationDecay)
		}
		e.output[sp.Name] = out
	}
}

// Set records an expectation directly, e.g. when loading history.
func (e *Expectations) Set(step string, d time.Duration, output int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.times[step] = d
	e.output[step] = output
}

func (e *Expectations) StepTime(step string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.times[step]
	return d, ok
}

func (e *Expectations) StepOutput(step string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output[step]
}

// Total is the expected duration of a whole build.
func (e *Expectations) Total() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total time.Duration
	for _, d := range e.times {
		total += d
	}
	return total
}

// Steps returns a copy of the per-step expected durations.
func (e *Expectations) Steps() map[string]time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Duration, len(e.times))
	for k, v := range e.times {
		out[k] = v
	}
	return out
}
