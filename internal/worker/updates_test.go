package worker

import (
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches []protocol.UpdateBatch
	err     error
}

func (r *batchRecorder) send(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, msg.(protocol.UpdateBatch))
	return nil
}

func TestUpdatesMergeOutputAndNumberSequentially(t *testing.T) {
	rec := &batchRecorder{}
	up := newUpdates(4, time.Hour, rec.send)
	up.Stdout("a")
	up.Stdout("b")
	up.Stderr("c")
	up.RC(0)
	if err := up.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(rec.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(rec.batches))
	}
	b := rec.batches[0]
	if b.Type != protocol.MessageUpdate || b.CommandID != 4 || len(b.Updates) != 3 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if b.Updates[0].Update[protocol.UpdateStdout] != "ab" || b.Updates[0].Seq != 0 {
		t.Fatalf("expected merged stdout at seq 0, got %+v", b.Updates[0])
	}
	if b.Updates[1].Seq != 1 || b.Updates[2].Seq != 2 {
		t.Fatalf("unexpected sequence numbers: %+v", b.Updates)
	}
}

func TestUpdatesFlushPeriodically(t *testing.T) {
	rec := &batchRecorder{}
	up := newUpdates(1, 5*time.Millisecond, rec.send)
	defer up.Close()
	up.Header("x")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.batches)
		rec.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("updates were never flushed")
}

func TestUpdatesRememberSendFailure(t *testing.T) {
	rec := &batchRecorder{err: errors.New("stream closed")}
	up := newUpdates(1, time.Hour, rec.send)
	up.Stdout("x")
	if err := up.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	up.Stdout("y")
	if err := up.Close(); err == nil || err.Error() != "stream closed" {
		t.Fatalf("expected remembered error, got %v", err)
	}
}

func TestUpdatesAcked(t *testing.T) {
	up := newUpdates(1, time.Hour, (&batchRecorder{}).send)
	defer up.Close()
	up.ack(5)
	up.ack(3)
	if got := up.Acked(); got != 5 {
		t.Fatalf("expected acked 5, got %d", got)
	}
}

func TestResolveDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base")
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", filepath.Join(base, "build"), false},
		{"src/app", filepath.Join(base, "src", "app"), false},
		{"a/../b", filepath.Join(base, "b"), false},
		{"../up", "", true},
		{"/etc", "", true},
	}
	for _, tc := range cases {
		got, err := resolveDir(base, tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("resolveDir(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("resolveDir(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestArgs(t *testing.T) {
	a := Args{
		"timeout": 1.5,
		"env":     map[string]any{"N": 3.0, "S": "x"},
		"dirs":    []any{"a", 1, "b"},
		"one":     "c",
	}
	if got := a.Seconds("timeout"); got != 1500*time.Millisecond {
		t.Fatalf("unexpected timeout %v", got)
	}
	if env := a.StringMap("env"); env["N"] != "3" || env["S"] != "x" {
		t.Fatalf("unexpected env %v", env)
	}
	if dirs := a.Strings("dirs"); len(dirs) != 2 || dirs[1] != "b" {
		t.Fatalf("unexpected dirs %v", dirs)
	}
	if one := a.Strings("one"); len(one) != 1 || one[0] != "c" {
		t.Fatalf("unexpected single string %v", one)
	}
	if a.Bool("missing") || a.String("missing") != "" || a.Seconds("missing") != 0 {
		t.Fatal("missing keys must read as zero values")
	}
}

func TestEntryAddr(t *testing.T) {
	if got := entryAddr(&mdns.ServiceEntry{AddrV4: net.ParseIP("192.168.1.5"), Port: 9989}); got != "192.168.1.5:9989" {
		t.Fatalf("unexpected v4 addr %q", got)
	}
	if got := entryAddr(&mdns.ServiceEntry{AddrV6: net.ParseIP("2001:db8::1"), Port: 9989}); got != "[2001:db8::1]:9989" {
		t.Fatalf("unexpected v6 addr %q", got)
	}
	if got := entryAddr(&mdns.ServiceEntry{Port: 9989}); got != "" {
		t.Fatalf("expected empty addr without ip, got %q", got)
	}
	if got := entryAddr(nil); got != "" {
		t.Fatalf("expected empty addr for nil entry, got %q", got)
	}
}
