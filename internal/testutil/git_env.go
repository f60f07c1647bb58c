// Package testutil holds helpers shared by tests that drive real tools.
package testutil

import "os"

// SetGitEnvHardening isolates git from the host configuration and gives it a
// fixed identity so tests can commit. It returns a restore func.
func SetGitEnvHardening() func() {
	restores := []func(){
		setEnv("GIT_CONFIG_NOSYSTEM", "1"),
		setEnv("GIT_CONFIG_GLOBAL", os.DevNull),
		setEnv("GIT_TERMINAL_PROMPT", "0"),
		setEnv("GIT_ASKPASS", "/usr/bin/false"),
		setEnv("GIT_AUTHOR_NAME", "buildmaster test"),
		setEnv("GIT_AUTHOR_EMAIL", "test@buildmaster.invalid"),
		setEnv("GIT_COMMITTER_NAME", "buildmaster test"),
		setEnv("GIT_COMMITTER_EMAIL", "test@buildmaster.invalid"),
	}
	return func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
}

func setEnv(key, value string) func() {
	prev, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	return func() {
		if had {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	}
}
