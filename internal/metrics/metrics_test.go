package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/status"
)

func TestMetricsRecordBuildsAndSteps(t *testing.T) {
	m := New(nil)
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	failure := protocol.Failure
	success := protocol.Success

	m.BuildStarted(status.BuildInfo{Builder: "linux", Number: 1})
	m.StepFinished(status.StepInfo{Builder: "linux", Name: "compile", Result: &success})
	m.StepFinished(status.StepInfo{Builder: "linux", Name: "test", Result: &failure})
	m.LogChunk(status.StepInfo{Builder: "linux"}, "stdio", status.ChannelStdout, "hello\n")
	m.BuildFinished(status.BuildInfo{Builder: "linux", Number: 1, Result: &failure, Started: started, Finished: started.Add(3 * time.Second)})
	m.SetWorkersConnected(2)
	m.SetPendingRequests("linux", 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`buildmaster_builds_total{builder="linux",result="failure"} 1`,
		`buildmaster_builds_running{builder="linux"} 0`,
		`buildmaster_build_duration_seconds_count{builder="linux"} 1`,
		`buildmaster_steps_total{builder="linux",result="success"} 1`,
		`buildmaster_steps_total{builder="linux",result="failure"} 1`,
		`buildmaster_log_bytes_total{builder="linux"} 6`,
		`buildmaster_workers_connected 2`,
		`buildmaster_pending_requests{builder="linux"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
