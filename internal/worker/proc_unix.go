//go:build !windows

package worker

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func prepareCommandForCancellation(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptCommandTree(cmd *exec.Cmd) error {
	pid := commandPID(cmd)
	if pid <= 0 {
		return nil
	}
	// Negative pid signals the whole process group.
	return unix.Kill(-pid, unix.SIGINT)
}

func killCommandTree(cmd *exec.Cmd) error {
	pid := commandPID(cmd)
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, unix.SIGKILL)
}

func commandPID(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	return cmd.Process.Pid
}
