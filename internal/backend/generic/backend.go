// Package generic adapts an engine that already speaks the shared status
// vocabulary. It backs the "default" engine kind.
package generic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/backend/httpengine"
	"github.com/seantiz/probe/internal/model"
)

// BackendName is the adapter name reported in capabilities.
const BackendName = "generic"

const executionsPath = "/executions"

var _ backend.Backend = (*Backend)(nil)

// Backend implements backend.Backend for a generic engine.
type Backend struct {
	client *httpengine.Client
}

// NewBackend creates a generic adapter for the engine at endpoint.
func NewBackend(endpoint string, httpClient *http.Client) (*Backend, error) {
	c, err := httpengine.New(endpoint, httpClient)
	if err != nil {
		return nil, err
	}
	return &Backend{client: c}, nil
}

type executionResponse struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Step     string          `json:"step"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type cancelResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type listResponse struct {
	Executions []executionResponse `json:"executions"`
}

// Validate accepts an absent config or any JSON object.
func (b *Backend) Validate(config json.RawMessage) error {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return &backend.ConfigError{Field: "config", Message: "must be a JSON object"}
	}
	return nil
}

// Submit starts an execution and returns the engine's id.
func (b *Backend) Submit(ctx context.Context, req backend.SubmitRequest) (string, error) {
	var resp executionResponse
	if err := b.client.Do(ctx, http.MethodPost, executionsPath, req, &resp); err != nil {
		return "", fmt.Errorf("submit execution: %w", err)
	}
	if resp.ID == "" {
		return "", &backend.RejectedError{StatusCode: http.StatusOK, Reason: "engine returned no execution id"}
	}
	return resp.ID, nil
}

// Poll reports the engine's view of an execution.
func (b *Backend) Poll(ctx context.Context, remoteID string) (backend.PollResult, error) {
	var resp executionResponse
	if err := b.client.Do(ctx, http.MethodGet, executionsPath+"/"+httpengine.PathEscape(remoteID), nil, &resp); err != nil {
		return backend.PollResult{}, fmt.Errorf("poll execution: %w", err)
	}
	return backend.Normalize(MapStatus(resp.Status), resp.Step, resp.Progress, resp.Result), nil
}

// Cancel asks the engine to stop an execution.
func (b *Backend) Cancel(ctx context.Context, remoteID string) (bool, error) {
	var resp cancelResponse
	if err := b.client.Do(ctx, http.MethodPost, executionsPath+"/"+httpengine.PathEscape(remoteID)+"/cancel", nil, &resp); err != nil {
		return false, fmt.Errorf("cancel execution: %w", err)
	}
	return resp.Acknowledged, nil
}

// List returns the status of every execution the engine knows.
func (b *Backend) List(ctx context.Context) ([]backend.RemoteStatus, error) {
	var resp listResponse
	if err := b.client.Do(ctx, http.MethodGet, executionsPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]backend.RemoteStatus, 0, len(resp.Executions))
	for _, e := range resp.Executions {
		out = append(out, backend.RemoteStatus{RemoteID: e.ID, Status: MapStatus(e.Status)})
	}
	return out, nil
}

// Capabilities describes the adapter.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:     BackendName,
		Kind:     model.EngineDefault,
		Endpoint: b.client.Endpoint(),
	}
}

// MapStatus accepts the shared vocabulary plus the common cancelled and
// pending spellings. Stopping and submitting are orchestrator-side states
// and are read as still running.
func MapStatus(native string) model.Status {
	switch s := strings.ToLower(strings.TrimSpace(native)); s {
	case "cancelled", "canceled":
		return model.StatusStopped
	default:
		st := model.Status(s)
		if st.Terminal() {
			return st
		}
		return model.StatusRunning
	}
}
