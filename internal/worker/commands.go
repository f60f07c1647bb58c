package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

// CommandFunc runs one command. It reports the exit code through up; a
// returned error means the command could not run at all.
type CommandFunc func(ctx context.Context, w *Worker, args Args, up *Updates) error

// Command is a command the worker offers to the master.
type Command struct {
	Version       string
	Interruptible bool
	Run           CommandFunc
}

// defaultCommands returns the built-in commands. git and svn are only
// offered when their tools are installed.
func defaultCommands(tools map[string]string) map[string]Command {
	cmds := map[string]Command{
		protocol.CommandShell: {Version: "1.0.0", Interruptible: true, Run: runShell},
		protocol.CommandRmdir: {Version: "1.0.0", Run: runRmdir},
	}
	if tools["git"] != "" {
		cmds[protocol.CommandGit] = Command{Version: "1.1.0", Interruptible: true, Run: runGit}
	}
	if tools["svn"] != "" {
		cmds[protocol.CommandSVN] = Command{Version: "1.0.0", Interruptible: true, Run: runSVN}
	}
	return cmds
}

func shellArgv(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe", "/d", "/c", command}
	}
	return []string{"sh", "-c", command}
}

func runShell(ctx context.Context, w *Worker, args Args, up *Updates) error {
	command := args.String("command")
	if strings.TrimSpace(command) == "" {
		return errors.New("shell: command is required")
	}
	dir, err := resolveDir(w.BaseDir, args.String("workdir"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	rc, err := run(ctx, process{
		argv:            shellArgv(command),
		dir:             dir,
		env:             args.StringMap("env"),
		timeout:         args.Seconds("timeout"),
		maxTime:         args.Seconds("max_time"),
		logFiles:        args.StringMap("logfiles"),
		logPollInterval: w.LogPollInterval,
	}, up)
	if err != nil {
		return err
	}
	up.RC(rc)
	return nil
}

func runRmdir(_ context.Context, w *Worker, args Args, up *Updates) error {
	dirs := args.Strings("dir")
	if len(dirs) == 0 {
		return errors.New("rmdir: dir is required")
	}
	rc := 0
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		path, err := resolveDir(w.BaseDir, d)
		if err == nil && path == filepath.Clean(w.BaseDir) {
			err = fmt.Errorf("refusing to remove the worker base directory")
		}
		if err != nil {
			up.Stderr(err.Error() + "\n")
			rc = 1
			continue
		}
		up.Header("rmdir " + path + "\n")
		if err := os.RemoveAll(path); err != nil {
			up.Stderr(fmt.Sprintf("remove %s: %v\n", path, err))
			rc = 1
		}
	}
	up.RC(rc)
	return nil
}
