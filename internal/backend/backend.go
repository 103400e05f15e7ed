package backend

import (
	"context"
	"encoding/json"

	"github.com/seantiz/probe/internal/model"
)

// Backend is the interface that every engine adapter implements. Adapters are
// stateless with respect to the orchestrator and hold no run records.
type Backend interface {
	// Validate checks the engine-specific configuration of a run before any
	// run record is created.
	Validate(config json.RawMessage) error

	// Submit hands a run to the engine and returns the engine-assigned id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Poll reports the current state of a previously submitted run.
	Poll(ctx context.Context, remoteID string) (PollResult, error)

	// Cancel asks the engine to stop a run. The bool reports whether the
	// engine acknowledged the stop.
	Cancel(ctx context.Context, remoteID string) (bool, error)

	// List returns the engine's authoritative status of every run it knows.
	List(ctx context.Context) ([]RemoteStatus, error)

	// Capabilities describes the adapter.
	Capabilities() Capabilities
}

// SubmitRequest describes a run to be handed to an engine.
type SubmitRequest struct {
	RunID  string          `json:"run_id"`
	URL    string          `json:"url"`
	Config json.RawMessage `json:"config,omitempty"`
}

// PollResult is the normalized answer to a poll.
type PollResult struct {
	Status   model.Status `json:"status"`
	Step     string       `json:"step"`
	Progress int          `json:"progress"`
	Terminal bool         `json:"terminal"`

	// Result is the engine's raw result payload, set once the run is terminal.
	Result json.RawMessage `json:"result,omitempty"`
}

// RemoteStatus is one entry of an engine's bulk listing.
type RemoteStatus struct {
	RemoteID string       `json:"remote_id"`
	Status   model.Status `json:"status"`
}

// Capabilities describes an adapter.
type Capabilities struct {
	Name     string           `json:"name"`
	Kind     model.EngineKind `json:"kind"`
	Endpoint string           `json:"endpoint"`
}

// Normalize builds a PollResult from a translated status, marking it terminal
// when the status is absorbing.
func Normalize(status model.Status, step string, progress int, result json.RawMessage) PollResult {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	pr := PollResult{
		Status:   status,
		Step:     step,
		Progress: progress,
		Terminal: status.Terminal(),
	}
	if pr.Terminal {
		pr.Result = result
	}
	return pr
}
