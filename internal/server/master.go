package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/config"
	"github.com/izzyreal/buildmaster/internal/locks"
	"github.com/izzyreal/buildmaster/internal/metrics"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
	"github.com/izzyreal/buildmaster/internal/requirements"
	"github.com/izzyreal/buildmaster/internal/status"
	"github.com/izzyreal/buildmaster/internal/steps"
	"github.com/izzyreal/buildmaster/internal/store"
)

var (
	errUnknownBuilder  = errors.New("unknown builder")
	errBuildNotRunning = errors.New("build is not running")
)

// Master owns builders, attached workers and the builds running on them.
type Master struct {
	cfg      config.File
	store    *store.Store
	metrics  *metrics.Metrics
	tracker  *status.Tracker
	locks    *locks.Registry
	ids      remote.IDGenerator
	builders map[string]*builder
	order    []string
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*workerConn

	dispatchMu sync.Mutex
	wg         sync.WaitGroup
}

type builder struct {
	cfg          config.Builder
	factories    []build.StepFactory
	accesses     []locks.Access
	expectations *build.Expectations

	mu      sync.Mutex
	pending []protocol.BuildRequest
	running map[int]*build.Build
}

// NewMaster wires cfg to its persistence and metrics. Requests left queued by
// a previous run are restored and builds it left running are marked as
// interrupted.
func NewMaster(cfg config.File, db *store.Store, met *metrics.Metrics) (*Master, error) {
	if db == nil {
		return nil, fmt.Errorf("new master: store is required")
	}
	if met == nil {
		met = metrics.New(nil)
	}
	m := &Master{
		cfg:      cfg,
		store:    db,
		metrics:  met,
		tracker:  status.NewTracker(db, met),
		locks:    locks.NewRegistry(),
		ids:      &remote.Counter{},
		builders: map[string]*builder{},
		workers:  map[string]*workerConn{},
		now:      time.Now,
	}

	for _, l := range cfg.Locks {
		kind := locks.Kind(strings.TrimSpace(l.Kind))
		if kind == "" {
			kind = locks.MasterLock
		}
		if err := m.locks.Register(locks.Descriptor{
			Name:              l.Name,
			Kind:              kind,
			MaxCount:          l.MaxCount,
			MaxCountForWorker: l.MaxCountForWorker,
		}); err != nil {
			return nil, err
		}
	}

	for _, bc := range cfg.Builders {
		factories, err := steps.FactoriesFromConfig(bc, m.ids)
		if err != nil {
			return nil, err
		}
		exp, err := db.LoadExpectations(bc.Name)
		if err != nil {
			return nil, err
		}
		m.builders[bc.Name] = &builder{
			cfg:          bc,
			factories:    factories,
			accesses:     steps.Accesses(bc.Locks),
			expectations: exp,
			running:      map[int]*build.Build{},
		}
		m.order = append(m.order, bc.Name)
	}

	if n, err := db.AbandonUnfinished(); err != nil {
		return nil, err
	} else if n > 0 {
		slog.Warn("marked builds left running by a previous master as interrupted", "count", n)
	}

	pending, err := db.PendingRequests("")
	if err != nil {
		return nil, err
	}
	for _, req := range pending {
		b, ok := m.builders[req.Builder]
		if !ok {
			slog.Warn("dropping queued request for unknown builder", "builder", req.Builder, "request_id", req.ID)
			if err := db.DeleteRequests(req.ID); err != nil {
				return nil, err
			}
			continue
		}
		b.pending = append(b.pending, req)
	}
	for _, name := range m.order {
		m.updatePendingMetric(m.builders[name])
	}
	if len(pending) > 0 {
		slog.Info("restored queued build requests", "count", len(pending))
	}
	if err := db.SetAppState("master.started_utc", m.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Master) name() string {
	if n := strings.TrimSpace(m.cfg.Master.Name); n != "" {
		return n
	}
	return "buildmaster"
}

// Start enables dispatching. Builds run under ctx and stop when it ends.
func (m *Master) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	m.dispatch()
}

// Wait blocks until every started build has finished.
func (m *Master) Wait() {
	m.wg.Wait()
}

func (m *Master) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// WorkerService is the gRPC service workers attach to.
func (m *Master) WorkerService() *workerService {
	return &workerService{m: m}
}

func (m *Master) attachWorker(hello protocol.Hello, send func(*structpb.Struct) error) (*workerConn, error) {
	name := strings.TrimSpace(hello.WorkerName)
	if name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if !m.isConfiguredWorker(name) {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	hello.WorkerName = name
	conn := newWorkerConn(hello, m.cfg.MaxBuilds(name), send)

	m.mu.Lock()
	old := m.workers[name]
	m.workers[name] = conn
	connected := len(m.workers)
	m.mu.Unlock()

	if old != nil {
		old.logger.Warn("worker reattached; dropping previous connection")
		old.close()
	}
	m.metrics.SetWorkersConnected(connected)
	conn.logger.Info("worker attached", "hostname", hello.Hostname, "os", hello.OS, "arch", hello.Arch, "version", hello.Version)
	return conn, nil
}

func (m *Master) detachWorker(conn *workerConn) {
	m.mu.Lock()
	if m.workers[conn.WorkerName()] == conn {
		delete(m.workers, conn.WorkerName())
	}
	connected := len(m.workers)
	m.mu.Unlock()

	conn.close()
	m.metrics.SetWorkersConnected(connected)
	conn.logger.Info("worker detached")
}

func (m *Master) isConfiguredWorker(name string) bool {
	for _, w := range m.cfg.Workers {
		if w.Name == name {
			return true
		}
	}
	return false
}

// pickWorker reserves a slot on the first idle worker the builder may use.
func (m *Master) pickWorker(bc config.Builder) *workerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range bc.Workers {
		c, ok := m.workers[name]
		if !ok {
			continue
		}
		if len(bc.Requires) > 0 && !requirements.Matches(bc.Requires, c.snapshot()) {
			continue
		}
		if c.reserve() {
			return c
		}
	}
	return nil
}

// dispatch starts builds while queued requests and idle workers remain.
func (m *Master) dispatch() {
	ctx := m.runContext()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	for _, name := range m.order {
		b := m.builders[name]
		for m.startNextBuild(ctx, b) {
		}
	}
}

func (m *Master) startNextBuild(ctx context.Context, b *builder) bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	conn := m.pickWorker(b.cfg)
	if conn == nil {
		return false
	}

	requests := b.takeRequests()
	if len(requests) == 0 {
		conn.release()
		return false
	}
	number, err := m.store.NextBuildNumber(b.cfg.Name)
	if err != nil {
		slog.Error("allocate build number", "builder", b.cfg.Name, "error", err)
		b.requeue(requests)
		conn.release()
		return false
	}
	ids := make([]string, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	if err := m.store.DeleteRequests(ids...); err != nil {
		slog.Error("claim build requests", "builder", b.cfg.Name, "error", err)
	}
	m.updatePendingMetric(b)

	bld := build.New(b.cfg.Name, number, requests, b.factories)
	bld.LockAccesses = b.accesses
	bld.Locks = m.locks
	bld.BuilderProperties = b.cfg.Properties
	bld.InterruptTimeout = time.Duration(m.cfg.Master.InterruptTimeoutSeconds) * time.Second

	rec := m.tracker.NewBuild(b.cfg.Name, number, bld.Reason(), ids)
	rec.TrackETA(bld.ETA)

	b.mu.Lock()
	b.running[number] = bld
	b.mu.Unlock()

	m.wg.Add(1)
	done := bld.StartBuild(ctx, rec, b.expectations, conn)
	go m.buildDone(b, conn, bld, done)
	return true
}

func (m *Master) buildDone(b *builder, conn *workerConn, bld *build.Build, done <-chan *build.Build) {
	defer m.wg.Done()
	<-done
	conn.release()

	b.mu.Lock()
	delete(b.running, bld.Number)
	b.mu.Unlock()

	switch bld.Result() {
	case protocol.Retry:
		slog.Info("requeueing requests of retried build", "builder", b.cfg.Name, "number", bld.Number)
		for _, req := range bld.Requests {
			if err := m.store.EnqueueRequest(req); err != nil {
				slog.Error("requeue build request", "builder", b.cfg.Name, "request_id", req.ID, "error", err)
			}
		}
		b.requeue(bld.Requests)
		m.updatePendingMetric(b)
	case protocol.Success:
		if err := m.store.SaveExpectations(b.cfg.Name, b.expectations); err != nil {
			slog.Error("save expectations", "builder", b.cfg.Name, "error", err)
		}
	}
	m.dispatch()
}

// takeRequests pops the oldest request plus every later one that may share
// its build.
func (b *builder) takeRequests() []protocol.BuildRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	first := b.pending[0]
	taken := []protocol.BuildRequest{first}
	var rest []protocol.BuildRequest
	for _, r := range b.pending[1:] {
		if b.cfg.ShouldMergeRequests() && first.Source.CanBeMergedWith(r.Source) {
			taken = append(taken, r)
			continue
		}
		rest = append(rest, r)
	}
	b.pending = rest
	return taken
}

// requeue puts requests back at the front of the queue.
func (b *builder) requeue(reqs []protocol.BuildRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(append([]protocol.BuildRequest(nil), reqs...), b.pending...)
}

func (b *builder) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (m *Master) updatePendingMetric(b *builder) {
	m.metrics.SetPendingRequests(b.cfg.Name, b.pendingCount())
}

func (m *Master) submit(b *builder, req protocol.BuildRequest) error {
	if err := m.store.EnqueueRequest(req); err != nil {
		return err
	}
	b.mu.Lock()
	b.pending = append(b.pending, req)
	b.mu.Unlock()
	m.updatePendingMetric(b)
	slog.Info("build requested", "builder", req.Builder, "request_id", req.ID, "reason", req.Reason)
	m.dispatch()
	return nil
}

// ForceBuild queues a build of builderName.
func (m *Master) ForceBuild(builderName string, in protocol.ForceBuildRequest) (protocol.BuildRequest, error) {
	b, ok := m.builders[builderName]
	if !ok {
		return protocol.BuildRequest{}, errUnknownBuilder
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "forced build"
	}
	req := protocol.BuildRequest{
		ID:      uuid.NewString(),
		Builder: builderName,
		Reason:  reason,
		Source: protocol.SourceStamp{
			Repository: strings.TrimSpace(in.Repository),
			Branch:     strings.TrimSpace(in.Branch),
			Revision:   strings.TrimSpace(in.Revision),
		},
		Properties:   in.Properties,
		SubmittedUTC: m.now().UTC(),
	}
	if err := m.submit(b, req); err != nil {
		return protocol.BuildRequest{}, err
	}
	return req, nil
}

// SubmitChange queues a build on every builder whose branch filter matches
// the change.
func (m *Master) SubmitChange(ch protocol.Change) ([]string, error) {
	if ch.WhenUTC.IsZero() {
		ch.WhenUTC = m.now().UTC()
	}
	who := strings.TrimSpace(ch.Who)
	if who == "" {
		who = "unknown"
	}
	ids := []string{}
	for _, name := range m.order {
		b := m.builders[name]
		if !b.cfg.MatchesBranch(ch.Branch) {
			continue
		}
		req := protocol.BuildRequest{
			ID:      uuid.NewString(),
			Builder: name,
			Reason:  "change by " + who,
			Source: protocol.SourceStamp{
				Repository: ch.Repository,
				Branch:     ch.Branch,
				Changes:    []protocol.Change{ch},
			},
			SubmittedUTC: m.now().UTC(),
		}
		if err := m.submit(b, req); err != nil {
			return ids, err
		}
		ids = append(ids, req.ID)
	}
	return ids, nil
}

// StopBuild stops a running build.
func (m *Master) StopBuild(builderName string, number int, reason string) error {
	b, ok := m.builders[builderName]
	if !ok {
		return errUnknownBuilder
	}
	b.mu.Lock()
	bld, ok := b.running[number]
	b.mu.Unlock()
	if !ok {
		return errBuildNotRunning
	}
	if strings.TrimSpace(reason) == "" {
		reason = "stopped via API"
	}
	bld.StopBuild(reason)
	return nil
}

func (m *Master) Builders() []protocol.BuilderView {
	out := make([]protocol.BuilderView, 0, len(m.order))
	for _, name := range m.order {
		b := m.builders[name]
		b.mu.Lock()
		v := protocol.BuilderView{
			Name:         name,
			Workers:      append([]string{}, b.cfg.Workers...),
			PendingCount: len(b.pending),
		}
		for n := range b.running {
			v.RunningBuilds = append(v.RunningBuilds, int64(n))
		}
		b.mu.Unlock()
		sort.Slice(v.RunningBuilds, func(i, j int) bool { return v.RunningBuilds[i] < v.RunningBuilds[j] })
		out = append(out, v)
	}
	return out
}

// Workers lists every configured worker, attached or not.
func (m *Master) Workers() []protocol.WorkerView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.WorkerView, 0, len(m.cfg.Workers))
	for _, w := range m.cfg.Workers {
		if c, ok := m.workers[w.Name]; ok {
			out = append(out, c.view())
			continue
		}
		out = append(out, protocol.WorkerView{Name: w.Name, MaxBuilds: m.cfg.MaxBuilds(w.Name)})
	}
	return out
}

func (m *Master) Build(builderName string, number int) (protocol.BuildView, error) {
	if _, ok := m.builders[builderName]; !ok {
		return protocol.BuildView{}, errUnknownBuilder
	}
	if rec, ok := m.tracker.Get(builderName, number); ok {
		v := rec.View()
		if stored, err := m.store.GetBuild(builderName, number); err == nil {
			v.ID = stored.ID
		}
		return v, nil
	}
	return m.store.GetBuild(builderName, number)
}

func (m *Master) Builds(builderName string, limit int) ([]protocol.BuildView, error) {
	if builderName != "" {
		if _, ok := m.builders[builderName]; !ok {
			return nil, errUnknownBuilder
		}
	}
	return m.store.ListBuilds(builderName, limit)
}

// StepLog returns a step log, from memory while the build is recent and from
// the database otherwise.
func (m *Master) StepLog(builderName string, number int, stepName, logName string) (string, error) {
	if rec, ok := m.tracker.Get(builderName, number); ok {
		if st, ok := rec.Step(stepName); ok {
			if l, ok := st.Log(logName); ok {
				return l.Text(), nil
			}
		}
	}
	return m.store.StepLog(builderName, number, stepName, logName, true)
}

func (m *Master) Locks() []locks.State {
	return m.locks.Snapshot()
}
