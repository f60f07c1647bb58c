package loop

import (
	"testing"
	"time"
)

func TestQueueDrainRunsInOrderIncludingNested(t *testing.T) {
	q := &Queue{}
	var got []int
	q.Eventually(func() {
		got = append(got, 1)
		q.Eventually(func() { got = append(got, 3) })
	})
	q.Eventually(func() { got = append(got, 2) })

	if len(got) != 0 {
		t.Fatal("queued functions must not run before Drain")
	}
	if n := q.Drain(); n != 3 {
		t.Fatalf("expected 3 functions to run, got %d", n)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected order: %v", got)
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty after drain")
	}
}

func TestGoroutineSchedulerRunsOffStack(t *testing.T) {
	done := make(chan struct{})
	Goroutine{}.Eventually(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled function never ran")
	}
}
