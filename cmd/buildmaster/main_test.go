package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggingLevelFromEnv(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	cases := []struct {
		name    string
		env     string
		debugOn bool
		infoOn  bool
		warnOn  bool
		errorOn bool
	}{
		{name: "debug", env: "debug", debugOn: true, infoOn: true, warnOn: true, errorOn: true},
		{name: "warn", env: "warn", debugOn: false, infoOn: false, warnOn: true, errorOn: true},
		{name: "error", env: "error", debugOn: false, infoOn: false, warnOn: false, errorOn: true},
		{name: "default", env: "", debugOn: false, infoOn: true, warnOn: true, errorOn: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("BUILDMASTER_LOG_LEVEL", tc.env)
			initLogging()
			h := slog.Default().Handler()
			ctx := context.Background()
			if got := h.Enabled(ctx, slog.LevelDebug); got != tc.debugOn {
				t.Fatalf("debug enabled=%v want %v", got, tc.debugOn)
			}
			if got := h.Enabled(ctx, slog.LevelInfo); got != tc.infoOn {
				t.Fatalf("info enabled=%v want %v", got, tc.infoOn)
			}
			if got := h.Enabled(ctx, slog.LevelWarn); got != tc.warnOn {
				t.Fatalf("warn enabled=%v want %v", got, tc.warnOn)
			}
			if got := h.Enabled(ctx, slog.LevelError); got != tc.errorOn {
				t.Fatalf("error enabled=%v want %v", got, tc.errorOn)
			}
		})
	}
}

func TestUsageWritesExpectedText(t *testing.T) {
	out := captureStderr(t, usage)
	if !strings.Contains(out, "buildmaster - build orchestrator") {
		t.Fatalf("missing usage title, got: %q", out)
	}
	for _, cmd := range []string{"master", "worker", "all-in-one", "check-config"} {
		if !strings.Contains(out, cmd) {
			t.Fatalf("usage is missing %q: %q", cmd, out)
		}
	}
}

func TestLocalMasterAddr(t *testing.T) {
	cases := map[string]string{
		"":               "127.0.0.1:9989",
		":7000":          "127.0.0.1:7000",
		"0.0.0.0:7001":   "127.0.0.1:7001",
		"10.1.2.3:7002":  "10.1.2.3:7002",
		"not an address": "127.0.0.1:9989",
	}
	for in, want := range cases {
		if got := localMasterAddr(in); got != want {
			t.Fatalf("localMasterAddr(%q)=%q want %q", in, got, want)
		}
	}
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildmaster.yaml")
	cfg := `
version: 1
master:
  name: main
workers:
  - name: w1
builders:
  - name: linux
    workers: [w1]
    steps:
      - type: shell
        command: make
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	if err := checkConfig(&out, []string{path}); err != nil {
		t.Fatalf("check config: %v", err)
	}
	if !strings.Contains(out.String(), "ok (1 builders, 1 steps, 1 workers, 0 locks)") {
		t.Fatalf("unexpected summary %q", out.String())
	}

	if err := os.WriteFile(path, []byte("version: 2\nbuilders: []\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := checkConfig(&out, []string{path}); err == nil {
		t.Fatal("expected invalid config to fail")
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stderr = w
	done := make(chan string, 1)
	go func() {
		raw, _ := io.ReadAll(r)
		done <- string(raw)
	}()
	fn()
	_ = w.Close()
	os.Stderr = orig
	return <-done
}
