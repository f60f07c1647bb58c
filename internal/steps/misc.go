package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

// SetProperty sets a build property on the master without touching the
// worker.
type SetProperty struct {
	Property string
	Value    string
}

func (s *SetProperty) Start(_ context.Context, bs *build.BuildStep) (protocol.Result, error) {
	value, err := bs.Properties().Render(s.Value)
	if err != nil {
		return protocol.Exception, fmt.Errorf("render %s: %w", s.Property, err)
	}
	bs.SetProperty(s.Property, value)
	bs.SetText("set", s.Property)
	return protocol.Success, nil
}

// RemoveDirectory deletes a directory on the worker.
type RemoveDirectory struct {
	Dir     string
	Timeout time.Duration
	IDs     remote.IDGenerator
}

func (r *RemoveDirectory) Describe(done bool) []string {
	if done {
		return []string{"removed", r.Dir}
	}
	return []string{"removing", r.Dir}
}

func (r *RemoveDirectory) Start(ctx context.Context, bs *build.BuildStep) (protocol.Result, error) {
	if _, err := bs.WorkerCommandVersion(protocol.CommandRmdir); err != nil {
		return protocol.Failure, err
	}
	dir, err := bs.Properties().Render(r.Dir)
	if err != nil {
		return protocol.Exception, fmt.Errorf("render dir: %w", err)
	}
	args := map[string]any{"dir": dir}
	if r.Timeout > 0 {
		args["timeout"] = r.Timeout.Seconds()
	}
	cmd := remote.New(protocol.CommandRmdir, args)
	cmd.IDs = r.IDs
	stdio := bs.AddLog("stdio")
	defer stdio.Finish()
	cmd.UseLog("stdio", stdio)
	if err := bs.RunCommand(ctx, cmd); err != nil {
		return protocol.Exception, err
	}
	if cmd.DidFail() {
		bs.SetText("remove", dir, "failed")
		return protocol.Failure, nil
	}
	bs.SetText("removed", dir)
	return protocol.Success, nil
}
