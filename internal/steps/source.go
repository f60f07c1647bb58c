package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

// MinShallowGitVersion is the first worker git command that can do shallow
// clones.
const MinShallowGitVersion = "1.1.0"

// Source checks out the build's source stamp with git or svn.
type Source struct {
	// Kind is protocol.CommandGit or protocol.CommandSVN.
	Kind string
	Repo string
	// BaseURL plus the build's branch forms the svn URL when Repo is empty.
	BaseURL string
	// Branch is used when the build's source stamp names none.
	Branch     string
	Mode       string
	Shallow    bool
	Submodules bool
	Workdir    string
	Timeout    time.Duration

	IDs remote.IDGenerator
}

func (s *Source) Describe(done bool) []string {
	if done {
		return []string{"update"}
	}
	return []string{"updating"}
}

func (s *Source) Start(ctx context.Context, bs *build.BuildStep) (protocol.Result, error) {
	if _, err := bs.WorkerCommandVersion(s.Kind); err != nil {
		return protocol.Failure, err
	}

	stamp := bs.Build().Source()
	branch := stamp.Branch
	if branch == "" {
		branch = s.Branch
	}
	revision := s.ComputeRevision(stamp.Changes)
	if revision == "" {
		revision = stamp.Revision
	}
	if revision != "" {
		bs.SetProperty("revision", revision)
	}

	args, err := s.args(bs, branch, revision)
	if err != nil {
		return protocol.Exception, err
	}

	stdio := bs.AddLog("stdio")
	defer stdio.Finish()
	if s.Kind == protocol.CommandGit && s.Shallow && bs.WorkerVersionIsOlderThan(protocol.CommandGit, MinShallowGitVersion) {
		bs.Logger().Warn("worker git command does not support shallow clones; doing a full clone", "min_version", MinShallowGitVersion)
		stdio.AddHeader("worker does not support shallow clones, doing a full clone\n")
		delete(args, "shallow")
	}

	cmd := remote.New(s.Kind, args)
	cmd.IDs = s.IDs
	cmd.UseLog("stdio", stdio)
	if err := bs.RunCommand(ctx, cmd); err != nil {
		return protocol.Exception, err
	}

	if v, ok := cmd.LastUpdate(protocol.UpdateGotRevision); ok {
		if got, ok := v.(string); ok && got != "" {
			bs.SetProperty("got_revision", got)
		}
	}
	rc, ok := cmd.RC()
	if !ok {
		return protocol.Exception, ErrNoExitCode
	}
	if rc != 0 {
		bs.SetText("update", "failed")
		return protocol.Failure, nil
	}
	bs.SetText(s.Describe(true)...)
	return protocol.Success, nil
}

// ComputeRevision picks the revision to check out for changes: the last
// change's revision for git, the highest numeric revision for svn.
func (s *Source) ComputeRevision(changes []protocol.Change) string {
	if len(changes) == 0 {
		return ""
	}
	if s.Kind != protocol.CommandSVN {
		return changes[len(changes)-1].Revision
	}
	best := -1
	for _, c := range changes {
		n, err := strconv.Atoi(strings.TrimSpace(c.Revision))
		if err != nil {
			continue
		}
		if n > best {
			best = n
		}
	}
	if best < 0 {
		return ""
	}
	return strconv.Itoa(best)
}

func (s *Source) args(bs *build.BuildStep, branch, revision string) (map[string]any, error) {
	props := bs.Properties()
	workdir, err := props.Render(s.Workdir)
	if err != nil {
		return nil, fmt.Errorf("render workdir: %w", err)
	}
	mode := s.Mode
	if mode == "" {
		mode = "update"
	}
	args := map[string]any{
		"workdir": workdir,
		"mode":    mode,
	}
	if revision != "" {
		args["revision"] = revision
	}
	if s.Timeout > 0 {
		args["timeout"] = s.Timeout.Seconds()
	}

	switch s.Kind {
	case protocol.CommandGit:
		repo, err := props.Render(s.Repo)
		if err != nil {
			return nil, fmt.Errorf("render repo: %w", err)
		}
		if repo == "" {
			repo = bs.Build().Source().Repository
		}
		args["repourl"] = repo
		if branch != "" {
			args["branch"] = branch
		}
		if s.Shallow {
			args["shallow"] = true
		}
		if s.Submodules {
			args["submodules"] = true
		}
	case protocol.CommandSVN:
		url := s.Repo
		if url == "" {
			url = strings.TrimRight(s.BaseURL, "/")
			if branch != "" {
				url += "/" + strings.TrimLeft(branch, "/")
			}
		}
		rendered, err := props.Render(url)
		if err != nil {
			return nil, fmt.Errorf("render svn url: %w", err)
		}
		args["svnurl"] = rendered
	default:
		return nil, fmt.Errorf("unsupported source kind %q", s.Kind)
	}
	return args, nil
}
