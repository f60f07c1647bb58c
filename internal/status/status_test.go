package status

import (
	"sync"
	"testing"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

type event struct {
	kind string
	name string
	text string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []event
}

func (f *fakeRecorder) add(e event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) BuildStarted(b BuildInfo)  { f.add(event{kind: "build-started", name: b.Worker}) }
func (f *fakeRecorder) BuildFinished(b BuildInfo) { f.add(event{kind: "build-finished", name: b.Result.String()}) }
func (f *fakeRecorder) StepStarted(s StepInfo)    { f.add(event{kind: "step-started", name: s.Name}) }
func (f *fakeRecorder) StepFinished(s StepInfo)   { f.add(event{kind: "step-finished", name: s.Name}) }
func (f *fakeRecorder) LogChunk(s StepInfo, log string, _ int, text string) {
	f.add(event{kind: "log", name: s.Name + "/" + log, text: text})
}

func (f *fakeRecorder) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.kind)
	}
	return out
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestTrackerFansOutLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	tr := NewTracker(rec)
	tr.Now = fixedClock()

	b := tr.NewBuild("linux", 7, "forced", []string{"req-1"})
	b.BuildStarted("w1")
	s := b.NewStep("compile")
	s.StepStarted()
	log := s.AddLog("stdio")
	log.AddHeader("make all\n")
	log.AddStdout("ok\n")
	log.AddStderr("")
	log.Finish()
	log.AddStdout("late\n")
	s.SetText([]string{"compile"})
	s.StepFinished(protocol.Success)
	b.SetProperty("got_revision", "abc", "Source")
	b.SetText([]string{"build", "successful"})
	b.SetResults(protocol.Success)
	b.BuildFinished()

	want := []string{"build-started", "step-started", "log", "log", "step-finished", "build-finished"}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if rec.events[2].name != "compile/stdio" || rec.events[2].text != "make all\n" {
		t.Fatalf("unexpected first log event: %+v", rec.events[2])
	}

	lr, ok := s.(*StepRecord).Log("stdio")
	if !ok {
		t.Fatalf("expected stdio log")
	}
	if lr.Text() != "make all\nok\n" {
		t.Fatalf("unexpected log text %q", lr.Text())
	}
}

func TestBuildViewAndRetire(t *testing.T) {
	tr := NewTracker()
	tr.Now = fixedClock()
	b := tr.NewBuild("linux", 1, "change", nil)
	b.BuildStarted("w1")
	b.TrackETA(func() (time.Duration, bool) { return 90 * time.Second, true })
	s := b.NewStep("test")
	s.StepStarted()
	s.AddLog("stdio").AddStdout("12345")
	skipped := b.NewStep("deploy")
	skipped.StepFinished(protocol.Skipped)

	if running := tr.Running(); len(running) != 1 || running[0] != b {
		t.Fatalf("expected one running build, got %d", len(running))
	}
	v := b.View()
	if v.Worker != "w1" || v.ETASeconds != 90 || v.Result != nil {
		t.Fatalf("unexpected running view: %+v", v)
	}
	if v.StartedUTC.Location() != time.UTC {
		t.Fatalf("expected UTC start time, got %v", v.StartedUTC)
	}
	if len(v.Steps) != 2 || v.Steps[0].Logs[0].Size != 5 || !v.Steps[1].Skipped {
		t.Fatalf("unexpected step views: %+v", v.Steps)
	}

	s.StepFinished(protocol.Failure)
	b.SetResults(protocol.Failure)
	b.BuildFinished()
	if len(tr.Running()) != 0 {
		t.Fatalf("expected no running builds")
	}
	got, ok := tr.Get("linux", 1)
	if !ok || got != b {
		t.Fatalf("expected finished build to stay reachable")
	}
	v = got.View()
	if v.ETASeconds != 0 || v.Result == nil || *v.Result != protocol.Failure || v.FinishedUTC.IsZero() {
		t.Fatalf("unexpected finished view: %+v", v)
	}
	if _, ok := tr.Get("linux", 2); ok {
		t.Fatalf("unexpected build 2")
	}
}

func TestTrackerKeepsRecentBuildsOnly(t *testing.T) {
	tr := NewTracker()
	tr.Recent = 2
	for i := 1; i <= 3; i++ {
		b := tr.NewBuild("mac", i, "", nil)
		b.BuildStarted("w")
		b.SetResults(protocol.Success)
		b.BuildFinished()
	}
	if _, ok := tr.Get("mac", 1); ok {
		t.Fatalf("expected oldest build to be dropped")
	}
	for _, n := range []int{2, 3} {
		if _, ok := tr.Get("mac", n); !ok {
			t.Fatalf("expected build %d to be kept", n)
		}
	}
}

func TestAddRecorderAppliesToNewBuilds(t *testing.T) {
	tr := NewTracker()
	first := tr.NewBuild("linux", 1, "", nil)
	rec := &fakeRecorder{}
	tr.AddRecorder(rec)
	second := tr.NewBuild("linux", 2, "", nil)

	first.BuildStarted("w")
	second.BuildStarted("w")
	if got := rec.kinds(); len(got) != 1 {
		t.Fatalf("expected only the second build to be recorded, got %v", got)
	}
}

func TestInfoReturnsCopies(t *testing.T) {
	tr := NewTracker()
	b := tr.NewBuild("linux", 1, "", []string{"a"})
	b.SetProperty("k", "v", "test")
	info := b.Info()
	info.Properties["k"] = "changed"
	info.RequestIDs[0] = "b"
	again := b.Info()
	if again.Properties["k"] != "v" || again.RequestIDs[0] != "a" {
		t.Fatalf("Info leaked internal state: %+v", again)
	}
}
