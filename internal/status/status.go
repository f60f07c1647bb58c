// Package status keeps the master's view of running and recent builds and
// forwards every change to recorders such as the database and metrics.
package status

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
)

// Log channels, as stored with each chunk.
const (
	ChannelStdout = 0
	ChannelStderr = 1
	ChannelHeader = 2
)

// DefaultRecentBuilds is how many finished builds a Tracker keeps in memory.
const DefaultRecentBuilds = 200

// BuildInfo is the recorder-facing state of one build.
type BuildInfo struct {
	Builder    string
	Number     int
	Worker     string
	Reason     string
	RequestIDs []string
	Result     *protocol.Result
	Text       []string
	Properties map[string]string
	Started    time.Time
	Finished   time.Time
}

// StepInfo is the recorder-facing state of one step.
type StepInfo struct {
	Builder  string
	Build    int
	Number   int
	Name     string
	Result   *protocol.Result
	Text     []string
	Started  time.Time
	Finished time.Time
}

// Recorder receives status changes. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	BuildStarted(BuildInfo)
	BuildFinished(BuildInfo)
	StepStarted(StepInfo)
	StepFinished(StepInfo)
	LogChunk(step StepInfo, log string, channel int, text string)
}

// Tracker owns the in-memory status of builds.
type Tracker struct {
	Recent int
	Now    func() time.Time

	mu        sync.Mutex
	recorders []Recorder
	live      map[buildKey]*BuildRecord
	finished  []*BuildRecord
}

type buildKey struct {
	builder string
	number  int
}

func NewTracker(recorders ...Recorder) *Tracker {
	return &Tracker{
		Recent:    DefaultRecentBuilds,
		recorders: recorders,
		live:      map[buildKey]*BuildRecord{},
	}
}

// AddRecorder attaches another recorder for builds created from now on.
func (t *Tracker) AddRecorder(r Recorder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorders = append(t.recorders, r)
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// NewBuild registers a build about to start. The record implements
// build.BuildStatus.
func (t *Tracker) NewBuild(builder string, number int, reason string, requestIDs []string) *BuildRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &BuildRecord{
		tracker:   t,
		recorders: append([]Recorder(nil), t.recorders...),
		info: BuildInfo{
			Builder:    builder,
			Number:     number,
			Reason:     reason,
			RequestIDs: append([]string(nil), requestIDs...),
			Properties: map[string]string{},
		},
	}
	t.live[buildKey{builder, number}] = rec
	return rec
}

func (t *Tracker) retire(rec *BuildRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, buildKey{rec.info.Builder, rec.info.Number})
	t.finished = append(t.finished, rec)
	limit := t.Recent
	if limit <= 0 {
		limit = DefaultRecentBuilds
	}
	if over := len(t.finished) - limit; over > 0 {
		t.finished = append([]*BuildRecord(nil), t.finished[over:]...)
	}
}

// Get returns the record for a live or recently finished build.
func (t *Tracker) Get(builder string, number int) (*BuildRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.live[buildKey{builder, number}]; ok {
		return rec, true
	}
	for i := len(t.finished) - 1; i >= 0; i-- {
		rec := t.finished[i]
		if rec.info.Builder == builder && rec.info.Number == number {
			return rec, true
		}
	}
	return nil, false
}

// Running lists the builds that have not finished, ordered by builder and
// number.
func (t *Tracker) Running() []*BuildRecord {
	t.mu.Lock()
	out := make([]*BuildRecord, 0, len(t.live))
	for _, rec := range t.live {
		out = append(out, rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].info.Builder != out[j].info.Builder {
			return out[i].info.Builder < out[j].info.Builder
		}
		return out[i].info.Number < out[j].info.Number
	})
	return out
}

// BuildRecord tracks one build. It implements build.BuildStatus.
type BuildRecord struct {
	tracker   *Tracker
	recorders []Recorder

	mu    sync.Mutex
	info  BuildInfo
	steps []*StepRecord
	eta   func() (time.Duration, bool)
}

var _ build.BuildStatus = (*BuildRecord)(nil)

// TrackETA lets views report the build's estimated time left.
func (r *BuildRecord) TrackETA(eta func() (time.Duration, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eta = eta
}

func (r *BuildRecord) Info() BuildInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *BuildRecord) snapshotLocked() BuildInfo {
	info := r.info
	info.RequestIDs = append([]string(nil), r.info.RequestIDs...)
	info.Text = append([]string(nil), r.info.Text...)
	info.Properties = make(map[string]string, len(r.info.Properties))
	for k, v := range r.info.Properties {
		info.Properties[k] = v
	}
	return info
}

func (r *BuildRecord) BuildStarted(worker string) {
	r.mu.Lock()
	r.info.Worker = worker
	r.info.Started = r.tracker.now()
	info := r.snapshotLocked()
	r.mu.Unlock()
	for _, rec := range r.recorders {
		rec.BuildStarted(info)
	}
}

func (r *BuildRecord) NewStep(name string) build.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &StepRecord{
		build: r,
		info: StepInfo{
			Builder: r.info.Builder,
			Build:   r.info.Number,
			Number:  len(r.steps),
			Name:    name,
		},
	}
	r.steps = append(r.steps, s)
	return s
}

func (r *BuildRecord) SetProperty(name, value, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Properties[name] = value
}

func (r *BuildRecord) SetText(text []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Text = append([]string(nil), text...)
}

func (r *BuildRecord) SetResults(result protocol.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Result = &result
}

func (r *BuildRecord) BuildFinished() {
	r.mu.Lock()
	r.info.Finished = r.tracker.now()
	r.eta = nil
	info := r.snapshotLocked()
	r.mu.Unlock()
	for _, rec := range r.recorders {
		rec.BuildFinished(info)
	}
	r.tracker.retire(r)
}

// Step returns the step record called name.
func (r *BuildRecord) Step(name string) (*StepRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.info.Name == name {
			return s, true
		}
	}
	return nil, false
}

// View renders the build for the HTTP API.
func (r *BuildRecord) View() protocol.BuildView {
	r.mu.Lock()
	info := r.snapshotLocked()
	steps := append([]*StepRecord(nil), r.steps...)
	eta := r.eta
	r.mu.Unlock()

	v := protocol.BuildView{
		Builder:     info.Builder,
		Number:      info.Number,
		Worker:      info.Worker,
		Reason:      info.Reason,
		Result:      info.Result,
		Text:        info.Text,
		Properties:  info.Properties,
		RequestIDs:  info.RequestIDs,
		StartedUTC:  utcOrZero(info.Started),
		FinishedUTC: utcOrZero(info.Finished),
	}
	if eta != nil {
		if d, ok := eta(); ok {
			v.ETASeconds = int(d.Seconds())
		}
	}
	for _, s := range steps {
		v.Steps = append(v.Steps, s.View())
	}
	return v
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// StepRecord tracks one step. It implements build.StepStatus.
type StepRecord struct {
	build *BuildRecord

	mu   sync.Mutex
	info StepInfo
	logs []*LogRecord
}

var _ build.StepStatus = (*StepRecord)(nil)

func (s *StepRecord) Info() StepInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *StepRecord) snapshotLocked() StepInfo {
	info := s.info
	info.Text = append([]string(nil), s.info.Text...)
	return info
}

func (s *StepRecord) StepStarted() {
	s.mu.Lock()
	s.info.Started = s.build.tracker.now()
	info := s.snapshotLocked()
	s.mu.Unlock()
	for _, rec := range s.build.recorders {
		rec.StepStarted(info)
	}
}

func (s *StepRecord) SetText(text []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Text = append([]string(nil), text...)
}

// SetProgress is a no-op; build ETAs come from the build itself.
func (s *StepRecord) SetProgress(*build.StepProgress) {}

func (s *StepRecord) AddLog(name string) build.LogFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &LogRecord{step: s, name: name}
	s.logs = append(s.logs, l)
	return l
}

func (s *StepRecord) StepFinished(result protocol.Result) {
	s.mu.Lock()
	s.info.Result = &result
	s.info.Finished = s.build.tracker.now()
	info := s.snapshotLocked()
	s.mu.Unlock()
	for _, rec := range s.build.recorders {
		rec.StepFinished(info)
	}
}

// Log returns the log called name.
func (s *StepRecord) Log(name string) (*LogRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.name == name {
			return l, true
		}
	}
	return nil, false
}

func (s *StepRecord) View() protocol.StepView {
	s.mu.Lock()
	info := s.snapshotLocked()
	logs := append([]*LogRecord(nil), s.logs...)
	s.mu.Unlock()
	v := protocol.StepView{
		Number:      info.Number,
		Name:        info.Name,
		Result:      info.Result,
		Text:        info.Text,
		Skipped:     info.Result != nil && *info.Result == protocol.Skipped,
		StartedUTC:  utcOrZero(info.Started),
		FinishedUTC: utcOrZero(info.Finished),
	}
	for _, l := range logs {
		v.Logs = append(v.Logs, protocol.LogView{Name: l.name, Size: l.Size()})
	}
	return v
}

// LogRecord keeps a step log in memory and forwards chunks to recorders.
type LogRecord struct {
	step *StepRecord
	name string

	mu       sync.Mutex
	text     []byte
	finished bool
}

func (l *LogRecord) Name() string { return l.name }

func (l *LogRecord) AddStdout(text string) { l.add(ChannelStdout, text) }
func (l *LogRecord) AddStderr(text string) { l.add(ChannelStderr, text) }
func (l *LogRecord) AddHeader(text string) { l.add(ChannelHeader, text) }

func (l *LogRecord) add(channel int, text string) {
	if text == "" {
		return
	}
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		slog.Warn("write to finished log ignored", "log", l.name)
		return
	}
	l.text = append(l.text, text...)
	l.mu.Unlock()
	info := l.step.Info()
	for _, rec := range l.step.build.recorders {
		rec.LogChunk(info, l.name, channel, text)
	}
}

func (l *LogRecord) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = true
}

func (l *LogRecord) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.text)
}

func (l *LogRecord) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.text)
}
