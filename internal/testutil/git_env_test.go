package testutil

import (
	"os"
	"testing"
)

func TestSetGitEnvHardening(t *testing.T) {
	_ = os.Unsetenv("GIT_CONFIG_NOSYSTEM")
	t.Setenv("GIT_TERMINAL_PROMPT", "1")
	t.Setenv("GIT_AUTHOR_NAME", "someone")
	restore := SetGitEnvHardening()

	want := map[string]string{
		"GIT_CONFIG_NOSYSTEM": "1",
		"GIT_CONFIG_GLOBAL":   os.DevNull,
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_AUTHOR_NAME":     "buildmaster test",
		"GIT_COMMITTER_EMAIL": "test@buildmaster.invalid",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("expected %s=%q, got %q", k, v, got)
		}
	}

	restore()
	if _, ok := os.LookupEnv("GIT_CONFIG_NOSYSTEM"); ok {
		t.Fatalf("expected unset GIT_CONFIG_NOSYSTEM after restore")
	}
	if got := os.Getenv("GIT_TERMINAL_PROMPT"); got != "1" {
		t.Fatalf("expected restored GIT_TERMINAL_PROMPT=1, got %q", got)
	}
	if got := os.Getenv("GIT_AUTHOR_NAME"); got != "someone" {
		t.Fatalf("expected restored GIT_AUTHOR_NAME, got %q", got)
	}
}

func TestSetEnvHelper(t *testing.T) {
	t.Setenv("BUILDMASTER_TEST_ENV_HELPER", "before")
	restore := setEnv("BUILDMASTER_TEST_ENV_HELPER", "after")
	if got := os.Getenv("BUILDMASTER_TEST_ENV_HELPER"); got != "after" {
		t.Fatalf("expected env to be set to after, got %q", got)
	}
	restore()
	if got := os.Getenv("BUILDMASTER_TEST_ENV_HELPER"); got != "before" {
		t.Fatalf("expected env to be restored to before, got %q", got)
	}
}
