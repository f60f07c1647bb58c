package protocol

import (
	"encoding/json"
	"testing"
)

func TestWorstResultOrdering(t *testing.T) {
	order := []Result{Skipped, Success, Warnings, Failure, Retry, Exception, Cancelled}
	for i := range order {
		for j := range order {
			got := WorstResult(order[i], order[j])
			want := order[i]
			if j > i {
				want = order[j]
			}
			if got != want {
				t.Fatalf("WorstResult(%s, %s): got %s want %s", order[i], order[j], got, want)
			}
		}
	}
}

func TestWorstResultSkippedNeverDowngradesSuccess(t *testing.T) {
	if got := WorstResult(Success, Skipped); got != Success {
		t.Fatalf("skipped should not change success, got %s", got)
	}
}

func TestParseResult(t *testing.T) {
	got, err := ParseResult(" Warnings ")
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if got != Warnings {
		t.Fatalf("parse result: got %s want warnings", got)
	}
	if _, err := ParseResult("green"); err == nil {
		t.Fatal("expected unknown result to fail")
	}
}

func TestResultJSONRoundTripsAsName(t *testing.T) {
	raw, err := json.Marshal(map[string]Result{"r": Retry})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"r":"retry"}` {
		t.Fatalf("unexpected JSON: %s", raw)
	}
	var back map[string]Result
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["r"] != Retry {
		t.Fatalf("unexpected result after unmarshal: %s", back["r"])
	}
}

func TestSourceStampMerge(t *testing.T) {
	a := SourceStamp{Repository: "r", Branch: "main", Changes: []Change{{Revision: "1"}}}
	b := SourceStamp{Repository: "r", Branch: "main", Changes: []Change{{Revision: "2"}}}
	if !a.CanBeMergedWith(b) {
		t.Fatal("same repo/branch stamps should merge")
	}
	merged := a.MergeWith(b)
	if len(merged.Changes) != 2 || merged.Changes[1].Revision != "2" {
		t.Fatalf("unexpected merged changes: %+v", merged.Changes)
	}
	if len(a.Changes) != 1 {
		t.Fatal("merge must not mutate the receiver")
	}
	pinned := SourceStamp{Repository: "r", Branch: "main", Revision: "abc"}
	if pinned.CanBeMergedWith(a) {
		t.Fatal("pinned revision should not merge with change-based stamp")
	}
	if (SourceStamp{Branch: "dev"}).CanBeMergedWith(SourceStamp{Branch: "main"}) {
		t.Fatal("different branches should not merge")
	}
}
