package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

// Step kinds understood by the master.
const (
	StepShell           = "shell"
	StepCompile         = "compile"
	StepTest            = "test"
	StepGit             = "git"
	StepSVN             = "svn"
	StepSetProperty     = "set_property"
	StepRemoveDirectory = "remove_directory"
)

var stepKinds = []string{StepShell, StepCompile, StepTest, StepGit, StepSVN, StepSetProperty, StepRemoveDirectory}

type File struct {
	Version  int       `yaml:"version" json:"version"`
	Master   Master    `yaml:"master" json:"master"`
	Locks    []Lock    `yaml:"locks,omitempty" json:"locks,omitempty"`
	Workers  []Worker  `yaml:"workers" json:"workers"`
	Builders []Builder `yaml:"builders" json:"builders"`
}

type Master struct {
	Name                    string `yaml:"name" json:"name"`
	InterruptTimeoutSeconds int    `yaml:"interrupt_timeout_seconds,omitempty" json:"interrupt_timeout_seconds,omitempty"`
}

type Lock struct {
	Name              string         `yaml:"name" json:"name"`
	Kind              string         `yaml:"kind,omitempty" json:"kind,omitempty"`
	MaxCount          int            `yaml:"max_count,omitempty" json:"max_count,omitempty"`
	MaxCountForWorker map[string]int `yaml:"max_count_for_worker,omitempty" json:"max_count_for_worker,omitempty"`
}

type Worker struct {
	Name      string `yaml:"name" json:"name"`
	MaxBuilds int    `yaml:"max_builds,omitempty" json:"max_builds,omitempty"`
}

type Builder struct {
	Name          string            `yaml:"name" json:"name"`
	Workers       []string          `yaml:"workers" json:"workers"`
	Branches      []string          `yaml:"branches,omitempty" json:"branches,omitempty"`
	Properties    map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
	Requires      map[string]string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Locks         []LockAccess      `yaml:"locks,omitempty" json:"locks,omitempty"`
	MergeRequests *bool             `yaml:"merge_requests,omitempty" json:"merge_requests,omitempty"`
	Steps         []Step            `yaml:"steps" json:"steps"`
}

// ShouldMergeRequests defaults to true.
func (b Builder) ShouldMergeRequests() bool {
	return b.MergeRequests == nil || *b.MergeRequests
}

// MatchesBranch reports whether a change on branch should trigger b. An empty
// branch list matches every branch.
func (b Builder) MatchesBranch(branch string) bool {
	if len(b.Branches) == 0 {
		return true
	}
	for _, pattern := range b.Branches {
		if ok, _ := doublestar.Match(pattern, branch); ok {
			return true
		}
	}
	return false
}

type LockAccess struct {
	Lock string `yaml:"lock" json:"lock"`
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

type Step struct {
	Type    string            `yaml:"type" json:"type"`
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	Workdir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// shell, compile, test
	Command         string            `yaml:"command,omitempty" json:"command,omitempty"`
	TimeoutSeconds  int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	MaxTimeSeconds  int               `yaml:"max_time_seconds,omitempty" json:"max_time_seconds,omitempty"`
	DecodeRC        map[int]string    `yaml:"decode_rc,omitempty" json:"decode_rc,omitempty"`
	LogFiles        map[string]string `yaml:"logfiles,omitempty" json:"logfiles,omitempty"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	DescriptionDone string            `yaml:"description_done,omitempty" json:"description_done,omitempty"`
	WarningPattern  string            `yaml:"warning_pattern,omitempty" json:"warning_pattern,omitempty"`

	// git, svn
	Repo       string `yaml:"repo,omitempty" json:"repo,omitempty"`
	Branch     string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Mode       string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Shallow    bool   `yaml:"shallow,omitempty" json:"shallow,omitempty"`
	Submodules bool   `yaml:"submodules,omitempty" json:"submodules,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// set_property
	Property string `yaml:"property,omitempty" json:"property,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`

	// remove_directory
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	OnlyIfChanged []string     `yaml:"only_if_changed,omitempty" json:"only_if_changed,omitempty"`
	Locks         []LockAccess `yaml:"locks,omitempty" json:"locks,omitempty"`

	HaltOnFailure   *bool `yaml:"halt_on_failure,omitempty" json:"halt_on_failure,omitempty"`
	FlunkOnFailure  *bool `yaml:"flunk_on_failure,omitempty" json:"flunk_on_failure,omitempty"`
	FlunkOnWarnings *bool `yaml:"flunk_on_warnings,omitempty" json:"flunk_on_warnings,omitempty"`
	WarnOnFailure   *bool `yaml:"warn_on_failure,omitempty" json:"warn_on_failure,omitempty"`
	WarnOnWarnings  *bool `yaml:"warn_on_warnings,omitempty" json:"warn_on_warnings,omitempty"`
	AlwaysRun       *bool `yaml:"always_run,omitempty" json:"always_run,omitempty"`
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	return Parse(data, path)
}

func Parse(data []byte, source string) (File, error) {
	var cfg File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse YAML in %q: %w", source, err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config in %q: %s", source, strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Builder returns the builder called name.
func (cfg File) Builder(name string) (Builder, bool) {
	for _, b := range cfg.Builders {
		if b.Name == name {
			return b, true
		}
	}
	return Builder{}, false
}

// MaxBuilds returns how many concurrent builds worker may run; 1 by default.
func (cfg File) MaxBuilds(worker string) int {
	for _, w := range cfg.Workers {
		if w.Name == worker && w.MaxBuilds > 0 {
			return w.MaxBuilds
		}
	}
	return 1
}

func (cfg File) Validate() []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported config version %d", cfg.Version))
	}
	if cfg.Master.InterruptTimeoutSeconds < 0 {
		errs = append(errs, "master.interrupt_timeout_seconds must be >= 0")
	}

	lockNames := map[string]struct{}{}
	for i, l := range cfg.Locks {
		if strings.TrimSpace(l.Name) == "" {
			errs = append(errs, fmt.Sprintf("locks[%d].name is required", i))
		} else {
			if _, exists := lockNames[l.Name]; exists {
				errs = append(errs, fmt.Sprintf("locks[%d].name duplicate %q", i, l.Name))
			}
			lockNames[l.Name] = struct{}{}
		}
		if l.Kind != "" && !slices.Contains([]string{"master", "worker"}, l.Kind) {
			errs = append(errs, fmt.Sprintf("locks[%d].kind must be one of master,worker", i))
		}
		if l.MaxCount < 0 {
			errs = append(errs, fmt.Sprintf("locks[%d].max_count must be >= 0", i))
		}
		if len(l.MaxCountForWorker) > 0 && l.Kind != "worker" {
			errs = append(errs, fmt.Sprintf("locks[%d].max_count_for_worker requires kind worker", i))
		}
		for worker, n := range l.MaxCountForWorker {
			if n < 1 {
				errs = append(errs, fmt.Sprintf("locks[%d].max_count_for_worker[%q] must be >= 1", i, worker))
			}
		}
	}

	workerNames := map[string]struct{}{}
	for i, w := range cfg.Workers {
		if strings.TrimSpace(w.Name) == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].name is required", i))
			continue
		}
		if _, exists := workerNames[w.Name]; exists {
			errs = append(errs, fmt.Sprintf("workers[%d].name duplicate %q", i, w.Name))
		}
		workerNames[w.Name] = struct{}{}
		if w.MaxBuilds < 0 {
			errs = append(errs, fmt.Sprintf("workers[%d].max_builds must be >= 0", i))
		}
	}

	if len(cfg.Builders) == 0 {
		errs = append(errs, "builders must contain at least one builder")
		return errs
	}

	builderNames := map[string]struct{}{}
	for i, b := range cfg.Builders {
		if strings.TrimSpace(b.Name) == "" {
			errs = append(errs, fmt.Sprintf("builders[%d].name is required", i))
		} else {
			if _, exists := builderNames[b.Name]; exists {
				errs = append(errs, fmt.Sprintf("builders[%d].name duplicate %q", i, b.Name))
			}
			builderNames[b.Name] = struct{}{}
		}
		if len(b.Workers) == 0 {
			errs = append(errs, fmt.Sprintf("builders[%d].workers must contain at least one worker", i))
		}
		for j, w := range b.Workers {
			if _, ok := workerNames[w]; !ok {
				errs = append(errs, fmt.Sprintf("builders[%d].workers[%d] references unknown worker %q", i, j, w))
			}
		}
		for j, pattern := range b.Branches {
			if !doublestar.ValidatePattern(pattern) {
				errs = append(errs, fmt.Sprintf("builders[%d].branches[%d] invalid pattern %q", i, j, pattern))
			}
		}
		errs = append(errs, validateAccesses(fmt.Sprintf("builders[%d].locks", i), b.Locks, lockNames)...)
		if len(b.Steps) == 0 {
			errs = append(errs, fmt.Sprintf("builders[%d].steps must contain at least one step", i))
		}
		for k, st := range b.Steps {
			errs = append(errs, st.validate(fmt.Sprintf("builders[%d].steps[%d]", i, k), lockNames)...)
		}
	}

	return errs
}

func validateAccesses(path string, accesses []LockAccess, lockNames map[string]struct{}) []string {
	var errs []string
	for j, a := range accesses {
		if _, ok := lockNames[a.Lock]; !ok {
			errs = append(errs, fmt.Sprintf("%s[%d] references unknown lock %q", path, j, a.Lock))
		}
		if a.Mode != "" && !slices.Contains([]string{"counting", "exclusive"}, a.Mode) {
			errs = append(errs, fmt.Sprintf("%s[%d].mode must be one of counting,exclusive", path, j))
		}
	}
	return errs
}

func (st Step) validate(path string, lockNames map[string]struct{}) []string {
	var errs []string

	if !slices.Contains(stepKinds, st.Type) {
		errs = append(errs, fmt.Sprintf("%s.type must be one of %s", path, strings.Join(stepKinds, ",")))
		return errs
	}
	switch st.Type {
	case StepShell, StepCompile, StepTest:
		if strings.TrimSpace(st.Command) == "" {
			errs = append(errs, fmt.Sprintf("%s.command is required", path))
		}
	case StepGit, StepSVN:
		if strings.TrimSpace(st.Repo) == "" && strings.TrimSpace(st.BaseURL) == "" {
			errs = append(errs, fmt.Sprintf("%s requires repo or base_url", path))
		}
		if st.Mode != "" && !slices.Contains([]string{"update", "clobber", "copy", "export"}, st.Mode) {
			errs = append(errs, fmt.Sprintf("%s.mode must be one of update,clobber,copy,export", path))
		}
		if st.Type == StepSVN && st.Shallow {
			errs = append(errs, fmt.Sprintf("%s.shallow is only supported by git", path))
		}
	case StepSetProperty:
		if strings.TrimSpace(st.Property) == "" {
			errs = append(errs, fmt.Sprintf("%s.property is required", path))
		}
	case StepRemoveDirectory:
		if strings.TrimSpace(st.Dir) == "" {
			errs = append(errs, fmt.Sprintf("%s.dir is required", path))
		}
	}

	if st.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Sprintf("%s.timeout_seconds must be >= 0", path))
	}
	if st.MaxTimeSeconds < 0 {
		errs = append(errs, fmt.Sprintf("%s.max_time_seconds must be >= 0", path))
	}
	for rc, name := range st.DecodeRC {
		if _, err := protocol.ParseResult(name); err != nil {
			errs = append(errs, fmt.Sprintf("%s.decode_rc[%d] unknown result %q", path, rc, name))
		}
	}
	for envK := range st.Env {
		if strings.TrimSpace(envK) == "" {
			errs = append(errs, fmt.Sprintf("%s.env key must not be empty", path))
		}
	}
	for j, pattern := range st.OnlyIfChanged {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Sprintf("%s.only_if_changed[%d] invalid pattern %q", path, j, pattern))
		}
	}
	errs = append(errs, validateAccesses(path+".locks", st.Locks, lockNames)...)
	return errs
}
