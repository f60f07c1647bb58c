package build

import (
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/remote"
)

// BuildStatus receives the lifecycle of one build. Calls are made from the
// build's goroutine, in order: BuildStarted, then step activity, then
// SetText, SetResults and BuildFinished exactly once.
type BuildStatus interface {
	BuildStarted(worker string)
	NewStep(name string) StepStatus
	SetProperty(name, value, source string)
	SetText(text []string)
	SetResults(result protocol.Result)
	BuildFinished()
}

// StepStatus receives the lifecycle of one step: StepStarted, any number of
// SetText/SetProgress/AddLog calls, then StepFinished exactly once. A step
// that never starts gets neither.
type StepStatus interface {
	StepStarted()
	SetText(text []string)
	SetProgress(p *StepProgress)
	AddLog(name string) LogFile
	StepFinished(result protocol.Result)
}

// LogFile is a named step log fed by remote command output.
type LogFile interface {
	remote.Log
	Name() string
	Finish()
}

// discardStatus is used when a caller starts a build without status.
type discardStatus struct{}

func (discardStatus) BuildStarted(string)                {}
func (discardStatus) NewStep(string) StepStatus          { return discardStepStatus{} }
func (discardStatus) SetProperty(string, string, string) {}
func (discardStatus) SetText([]string)                   {}
func (discardStatus) SetResults(protocol.Result)         {}
func (discardStatus) BuildFinished()                     {}

type discardStepStatus struct{}

func (discardStepStatus) StepStarted()                 {}
func (discardStepStatus) SetText([]string)             {}
func (discardStepStatus) SetProgress(*StepProgress)    {}
func (discardStepStatus) AddLog(name string) LogFile   { return discardLog(name) }
func (discardStepStatus) StepFinished(protocol.Result) {}

type discardLog string

func (l discardLog) Name() string   { return string(l) }
func (discardLog) AddStdout(string) {}
func (discardLog) AddStderr(string) {}
func (discardLog) AddHeader(string) {}
func (discardLog) Finish()          {}
