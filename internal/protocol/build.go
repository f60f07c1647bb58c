package protocol

import (
	"strings"
	"time"
)

// Change is one change notification feeding a build.
type Change struct {
	Who        string    `json:"who"`
	Files      []string  `json:"files,omitempty"`
	Comments   string    `json:"comments,omitempty"`
	Revision   string    `json:"revision,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	Repository string    `json:"repository,omitempty"`
	WhenUTC    time.Time `json:"when_utc"`
}

// SourceStamp describes exactly what should be checked out for a build.
type SourceStamp struct {
	Repository string   `json:"repository,omitempty"`
	Branch     string   `json:"branch,omitempty"`
	Revision   string   `json:"revision,omitempty"`
	Changes    []Change `json:"changes,omitempty"`
}

// CanBeMergedWith reports whether two source stamps describe the same tree
// closely enough that their requests may share one build.
func (s SourceStamp) CanBeMergedWith(other SourceStamp) bool {
	if strings.TrimSpace(s.Repository) != strings.TrimSpace(other.Repository) {
		return false
	}
	if strings.TrimSpace(s.Branch) != strings.TrimSpace(other.Branch) {
		return false
	}
	// Requests for a pinned revision must not be silently widened.
	if s.Revision != "" || other.Revision != "" {
		return s.Revision == other.Revision && len(s.Changes) == 0 && len(other.Changes) == 0
	}
	return true
}

// MergeWith combines the changes of other into a copy of s.
func (s SourceStamp) MergeWith(other SourceStamp) SourceStamp {
	out := s
	out.Changes = append(append([]Change(nil), s.Changes...), other.Changes...)
	return out
}

// BuildRequest asks a builder for one build.
type BuildRequest struct {
	ID           string            `json:"id"`
	Builder      string            `json:"builder"`
	Reason       string            `json:"reason,omitempty"`
	Source       SourceStamp       `json:"source"`
	Properties   map[string]string `json:"properties,omitempty"`
	SubmittedUTC time.Time         `json:"submitted_utc"`
}

type ForceBuildRequest struct {
	Reason     string            `json:"reason,omitempty"`
	Repository string            `json:"repository,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Revision   string            `json:"revision,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type ForceBuildResponse struct {
	RequestID string `json:"request_id"`
	Builder   string `json:"builder"`
}

type ChangeResponse struct {
	RequestIDs []string `json:"request_ids"`
}

type StopBuildRequest struct {
	Reason string `json:"reason,omitempty"`
}

type LogView struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type StepView struct {
	Number      int       `json:"number"`
	Name        string    `json:"name"`
	Result      *Result   `json:"result,omitempty"`
	Text        []string  `json:"text,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	StartedUTC  time.Time `json:"started_utc,omitempty"`
	FinishedUTC time.Time `json:"finished_utc,omitempty"`
	Logs        []LogView `json:"logs,omitempty"`
}

type BuildView struct {
	ID          int64             `json:"id"`
	Builder     string            `json:"builder"`
	Number      int               `json:"number"`
	Worker      string            `json:"worker,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Result      *Result           `json:"result,omitempty"`
	Text        []string          `json:"text,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	RequestIDs  []string          `json:"request_ids,omitempty"`
	StartedUTC  time.Time         `json:"started_utc"`
	FinishedUTC time.Time         `json:"finished_utc,omitempty"`
	ETASeconds  int               `json:"eta_seconds,omitempty"`
	Steps       []StepView        `json:"steps,omitempty"`
}

type BuilderView struct {
	Name          string   `json:"name"`
	Workers       []string `json:"workers"`
	PendingCount  int      `json:"pending_count"`
	RunningBuilds []int64  `json:"running_builds,omitempty"`
}

type WorkerView struct {
	Name         string            `json:"name"`
	Connected    bool              `json:"connected"`
	Hostname     string            `json:"hostname,omitempty"`
	OS           string            `json:"os,omitempty"`
	Arch         string            `json:"arch,omitempty"`
	Version      string            `json:"version,omitempty"`
	Commands     map[string]string `json:"commands,omitempty"`
	RunningBuild int               `json:"running_builds"`
	MaxBuilds    int               `json:"max_builds"`
	LastSeenUTC  time.Time         `json:"last_seen_utc,omitempty"`
}

type ServerInfo struct {
	Name       string `json:"name"`
	APIVersion int    `json:"api_version"`
	Version    string `json:"version"`
}
