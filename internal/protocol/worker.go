package protocol

import "time"

// MDNSService is the service type masters advertise and workers browse for.
const MDNSService = "_buildmaster._tcp"

// Envelope types exchanged on the worker attach stream.
const (
	MessageHello     = "hello"
	MessageWelcome   = "welcome"
	MessageStart     = "start"
	MessageInterrupt = "interrupt"
	MessageAck       = "ack"
	MessageUpdate    = "update"
	MessageUpdateAck = "update_ack"
	MessageComplete  = "complete"
)

// Ack error strings the master maps back to sentinel errors.
const (
	AckErrUnknownCommand       = "unknown command"
	AckErrInterruptUnsupported = "interrupt unsupported"
	AckErrNoSuchCommand        = "no such command"
)

// Remote command names understood by workers.
const (
	CommandShell = "shell"
	CommandGit   = "git"
	CommandSVN   = "svn"
	CommandRmdir = "rmdir"
)

// Well known update keys.
const (
	UpdateStdout      = "stdout"
	UpdateStderr      = "stderr"
	UpdateHeader      = "header"
	UpdateRC          = "rc"
	UpdateLog         = "log"
	UpdateGotRevision = "got_revision"
	UpdateElapsed     = "elapsed"
)

type Hello struct {
	Type         string            `json:"type"`
	WorkerName   string            `json:"worker_name"`
	SessionID    string            `json:"session_id"`
	Version      string            `json:"version"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	Arch         string            `json:"arch"`
	Commands     map[string]string `json:"commands"`
	TimestampUTC time.Time         `json:"timestamp_utc"`
}

type Welcome struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type StartCommand struct {
	Type      string         `json:"type"`
	RequestID uint64         `json:"request_id"`
	CommandID uint64         `json:"command_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
}

type InterruptCommand struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
	CommandID uint64 `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
}

type Ack struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// SequencedUpdate is one update map tagged with the worker's sequence number.
type SequencedUpdate struct {
	Update map[string]any `json:"update"`
	Seq    uint64         `json:"seq"`
}

type UpdateBatch struct {
	Type      string            `json:"type"`
	CommandID uint64            `json:"command_id"`
	Updates   []SequencedUpdate `json:"updates"`
}

type UpdateAck struct {
	Type      string `json:"type"`
	CommandID uint64 `json:"command_id"`
	Seq       uint64 `json:"seq"`
}

type Complete struct {
	Type      string `json:"type"`
	CommandID uint64 `json:"command_id"`
	Error     string `json:"error,omitempty"`
}

// Envelope is decoded first to learn the message type.
type Envelope struct {
	Type string `json:"type"`
}
