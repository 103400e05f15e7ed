package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the lifecycle state of a run. Engine-native vocabularies are
// translated into these values by the backend adapters.
type Status string

// Run status constants.
const (
	StatusSubmitting Status = "submitting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitting, StatusRunning, StatusStopping:
		return true
	}
	return s.Terminal()
}

// EngineKind identifies which execution engine a run is submitted to.
type EngineKind string

// Engine kind constants.
const (
	EngineLoad    EngineKind = "load"
	EngineAudit   EngineKind = "audit"
	EngineBrowser EngineKind = "browser"
	EngineDefault EngineKind = "default"
)

// EngineKinds lists every supported engine kind in a stable order.
var EngineKinds = []EngineKind{EngineLoad, EngineAudit, EngineBrowser, EngineDefault}

// ParseEngineKind resolves s to an EngineKind. An empty string selects the
// default engine; "browser-automation" is accepted as an alias for browser.
func ParseEngineKind(s string) (EngineKind, bool) {
	switch s {
	case "":
		return EngineDefault, true
	case "browser-automation":
		return EngineBrowser, true
	}
	k := EngineKind(s)
	if slices.Contains(EngineKinds, k) {
		return k, true
	}
	return "", false
}

// Error kinds recorded on runs that end in a failure state.
const (
	ErrorKindSubmitFailed      = "submit_failed"
	ErrorKindEngineUnavailable = "engine_unavailable"
	ErrorKindPollFatal         = "poll_fatal"
	ErrorKindCancelRejected    = "cancel_rejected"
	ErrorKindCancelTimeout     = "cancel_timeout"
	ErrorKindRunTimeout        = "run_timeout"
	ErrorKindReconciled        = "reconciled"
)

// Failure reasons surfaced in CurrentStep and Error.
const (
	ReasonPollUnreachable = "poll unreachable"
	ReasonCancelRejected  = "cancel rejected"
	ReasonCancelTimeout   = "cancel timeout"
	ReasonRunTimeout      = "run timeout"
)

// validTransitions maps each status to the set of statuses it may move to.
// Terminal statuses have no entry, so nothing leaves them.
var validTransitions = map[Status]map[Status]bool{
	StatusSubmitting: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusRunning:   true,
		StatusStopping:  true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
		StatusTimeout:   true,
	},
	StatusStopping: {
		StatusStopped:   true,
		StatusFailed:    true,
		StatusCompleted: true,
		StatusTimeout:   true,
	},
}

// ValidTransition reports whether moving from one status to another is allowed.
// A running run may "transition" to running to record progress.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// LogEntry is one timestamped progress message of a run.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Run is the record tracked for one submitted test run.
type Run struct {
	ID                string          `json:"id"`
	RemoteID          string          `json:"remote_id,omitempty"`
	Engine            EngineKind      `json:"engine"`
	URL               string          `json:"url"`
	Config            json.RawMessage `json:"config,omitempty"`
	Status            Status          `json:"status"`
	CurrentStep       string          `json:"current_step"`
	Progress          int             `json:"progress"`
	CreatedAt         time.Time       `json:"created_at"`
	StopRequestedAt   *time.Time      `json:"stop_requested_at,omitempty"`
	TerminalAt        *time.Time      `json:"terminal_at,omitempty"`
	Logs              []LogEntry      `json:"logs"`
	LastPollError     string          `json:"last_poll_error,omitempty"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	ErrorKind         string          `json:"error_kind,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Clone returns a deep copy of r. Mutations on the copy never reach r.
func (r *Run) Clone() *Run {
	c := *r
	if r.Config != nil {
		c.Config = slices.Clone(r.Config)
	}
	if r.Logs != nil {
		c.Logs = slices.Clone(r.Logs)
	}
	if r.StopRequestedAt != nil {
		t := *r.StopRequestedAt
		c.StopRequestedAt = &t
	}
	if r.TerminalAt != nil {
		t := *r.TerminalAt
		c.TerminalAt = &t
	}
	return &c
}

// AppendLog adds a progress message stamped with at.
func (r *Run) AppendLog(at time.Time, msg string) {
	r.Logs = append(r.Logs, LogEntry{At: at, Message: msg})
}

// Finish moves r to a terminal status, stamping TerminalAt.
func (r *Run) Finish(status Status, at time.Time) {
	r.Status = status
	t := at
	r.TerminalAt = &t
}

// Fail moves r to failed with the given error kind and reason.
func (r *Run) Fail(kind, reason string, at time.Time) {
	r.Finish(StatusFailed, at)
	r.ErrorKind = kind
	r.Error = reason
	r.CurrentStep = reason
}
