package model

import "encoding/json"

// RunResult is what is handed to the result store when a run reaches a
// terminal state: the final record plus the engine's raw result payload.
type RunResult struct {
	Run     *Run            `json:"run"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Key returns the result-store key of r: the engine and remote id, or the
// local id for runs that never received a remote id.
func (r RunResult) Key() string {
	if r.Run.RemoteID == "" {
		return string(r.Run.Engine) + "/local/" + r.Run.ID
	}
	return string(r.Run.Engine) + "/" + r.Run.RemoteID
}
