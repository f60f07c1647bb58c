package steps

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/izzyreal/buildmaster/internal/build"
	"github.com/izzyreal/buildmaster/internal/config"
	"github.com/izzyreal/buildmaster/internal/locks"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

// DefaultFlags returns the flags a step kind starts from before per-step
// overrides.
func DefaultFlags(kind string) build.Flags {
	switch kind {
	case config.StepCompile:
		return build.Flags{HaltOnFailure: true, FlunkOnFailure: true, WarnOnWarnings: true}
	case config.StepGit, config.StepSVN:
		return build.Flags{HaltOnFailure: true, FlunkOnFailure: true}
	case config.StepShell, config.StepTest, config.StepRemoveDirectory:
		return build.Flags{FlunkOnFailure: true}
	default:
		return build.Flags{}
	}
}

// Accesses converts configured lock accesses. Mode defaults to counting.
func Accesses(in []config.LockAccess) []locks.Access {
	if len(in) == 0 {
		return nil
	}
	out := make([]locks.Access, 0, len(in))
	for _, a := range in {
		mode := locks.Mode(strings.TrimSpace(a.Mode))
		if mode == "" {
			mode = locks.Counting
		}
		out = append(out, locks.Access{Lock: a.Lock, Mode: mode})
	}
	return out
}

// FromConfig turns one configured step into a factory. ids is shared by all
// remote commands the step sends; nil means remote.DefaultIDs.
func FromConfig(st config.Step, ids remote.IDGenerator) (build.StepFactory, error) {
	newStep, err := constructor(st, ids)
	if err != nil {
		return build.StepFactory{}, err
	}
	name := strings.TrimSpace(st.Name)
	if name == "" {
		name = defaultName(st)
	}
	f := build.StepFactory{
		Name:  name,
		Flags: applyFlags(DefaultFlags(st.Type), st),
		Locks: Accesses(st.Locks),
		New:   newStep,
	}
	if len(st.OnlyIfChanged) > 0 {
		f.DoStepIf = OnlyIfChanged(st.OnlyIfChanged)
	}
	return f, nil
}

// FactoriesFromConfig builds the step list of a builder.
func FactoriesFromConfig(b config.Builder, ids remote.IDGenerator) ([]build.StepFactory, error) {
	out := make([]build.StepFactory, 0, len(b.Steps))
	for i, st := range b.Steps {
		f, err := FromConfig(st, ids)
		if err != nil {
			return nil, fmt.Errorf("builder %s step %d: %w", b.Name, i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// OnlyIfChanged runs a step only when a changed file matches one of the
// patterns. Builds without changes, such as forced builds, always run it.
func OnlyIfChanged(patterns []string) func(*build.BuildStep) (bool, error) {
	return func(bs *build.BuildStep) (bool, error) {
		files := bs.Build().ChangedFiles()
		if len(files) == 0 {
			return true, nil
		}
		for _, file := range files {
			for _, pattern := range patterns {
				ok, err := doublestar.Match(pattern, file)
				if err != nil {
					return false, fmt.Errorf("match %q: %w", pattern, err)
				}
				if ok {
					return true, nil
				}
			}
		}
		return false, nil
	}
}

func defaultName(st config.Step) string {
	switch st.Type {
	case config.StepSetProperty:
		return "set " + st.Property
	case config.StepRemoveDirectory:
		return "rmdir"
	default:
		return st.Type
	}
}

func constructor(st config.Step, ids remote.IDGenerator) (func() (build.Step, error), error) {
	shell := func() (ShellCommand, error) {
		decode, err := decodeTable(st.DecodeRC)
		if err != nil {
			return ShellCommand{}, err
		}
		return ShellCommand{
			Command:         st.Command,
			Workdir:         st.Workdir,
			Env:             st.Env,
			Timeout:         seconds(st.TimeoutSeconds),
			MaxTime:         seconds(st.MaxTimeSeconds),
			DecodeRC:        decode,
			LogFiles:        st.LogFiles,
			Description:     fields(st.Description),
			DescriptionDone: fields(st.DescriptionDone),
			IDs:             ids,
		}, nil
	}
	if _, err := decodeTable(st.DecodeRC); err != nil {
		return nil, err
	}

	switch st.Type {
	case config.StepShell:
		return func() (build.Step, error) {
			s, err := shell()
			return &s, err
		}, nil
	case config.StepCompile:
		return func() (build.Step, error) {
			s, err := shell()
			return &Compile{ShellCommand: s, WarningPattern: st.WarningPattern}, err
		}, nil
	case config.StepTest:
		return func() (build.Step, error) {
			s, err := shell()
			return &Test{ShellCommand: s}, err
		}, nil
	case config.StepGit, config.StepSVN:
		kind := protocol.CommandGit
		if st.Type == config.StepSVN {
			kind = protocol.CommandSVN
		}
		return func() (build.Step, error) {
			return &Source{
				Kind:       kind,
				Repo:       st.Repo,
				BaseURL:    st.BaseURL,
				Branch:     st.Branch,
				Mode:       st.Mode,
				Shallow:    st.Shallow,
				Submodules: st.Submodules,
				Workdir:    st.Workdir,
				Timeout:    seconds(st.TimeoutSeconds),
				IDs:        ids,
			}, nil
		}, nil
	case config.StepSetProperty:
		return func() (build.Step, error) {
			return &SetProperty{Property: st.Property, Value: st.Value}, nil
		}, nil
	case config.StepRemoveDirectory:
		return func() (build.Step, error) {
			return &RemoveDirectory{Dir: st.Dir, Timeout: seconds(st.TimeoutSeconds), IDs: ids}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", st.Type)
	}
}

func decodeTable(in map[int]string) (map[int]protocol.Result, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[int]protocol.Result, len(in))
	for rc, name := range in {
		r, err := protocol.ParseResult(name)
		if err != nil {
			return nil, fmt.Errorf("decode_rc %d: %w", rc, err)
		}
		out[rc] = r
	}
	return out, nil
}

func applyFlags(f build.Flags, st config.Step) build.Flags {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&f.HaltOnFailure, st.HaltOnFailure)
	set(&f.FlunkOnFailure, st.FlunkOnFailure)
	set(&f.FlunkOnWarnings, st.FlunkOnWarnings)
	set(&f.WarnOnFailure, st.WarnOnFailure)
	set(&f.WarnOnWarnings, st.WarnOnWarnings)
	set(&f.AlwaysRun, st.AlwaysRun)
	return f
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func fields(s string) []string {
	return strings.Fields(s)
}
