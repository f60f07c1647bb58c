package worker

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

var versionPattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+){1,3})`)

// detectToolVersions reports the installed version of the tools backing the
// source commands.
func detectToolVersions() map[string]string {
	tools := []struct {
		name string
		cmd  string
		args []string
	}{
		{name: "git", cmd: "git", args: []string{"--version"}},
		{name: "svn", cmd: "svn", args: []string{"--version", "--quiet"}},
	}
	out := map[string]string{}
	for _, t := range tools {
		if v := detectToolVersion(t.cmd, t.args...); v != "" {
			out[t.name] = v
		}
	}
	return out
}

func detectToolVersion(cmd string, args ...string) string {
	if _, err := exec.LookPath(cmd); err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := exec.CommandContext(ctx, cmd, args...).CombinedOutput()
	if err != nil && len(raw) == 0 {
		return ""
	}
	text := strings.TrimSpace(string(raw))
	if m := versionPattern.FindStringSubmatch(text); len(m) >= 2 {
		return m[1]
	}
	return ""
}
