// Package browser adapts a Playwright-style browser-automation runner to
// backend.Backend.
package browser

import (
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
const BackendName = "playwright-runner"

const runsPath = "/runs"

var _ backend.Backend = (*Backend)(nil)

// Backend implements backend.Backend for the browser runner.
type Backend struct {
	client *httpengine.Client
}

// NewBackend creates a browser adapter for the runner at endpoint.
func NewBackend(endpoint string, httpClient *http.Client) (*Backend, error) {
	c, err := httpengine.New(endpoint, httpClient)
	if err != nil {
		return nil, err
	}
	return &Backend{client: c}, nil
}

type submitRequest struct {
	Reference string          `json:"reference"`
	URL       string          `json:"url"`
	Browser   string          `json:"browser"`
	Script    string          `json:"script"`
	Options   json.RawMessage `json:"options,omitempty"`
}

type runResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	CurrentStep string          `json:"currentStep"`
	StepIndex   int             `json:"stepIndex"`
	StepCount   int             `json:"stepCount"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type cancelResponse struct {
	OK bool `json:"ok"`
}

type listResponse struct {
	Runs []runResponse `json:"runs"`
}

// Validate checks that a script is present and the browser is supported.
func (b *Backend) Validate(config json.RawMessage) error {
	_, err := parseConfig(config)
	return err
}

// Submit schedules a browser run and returns the runner's run id.
func (b *Backend) Submit(ctx context.Context, req backend.SubmitRequest) (string, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return "", err
	}

	var resp runResponse
	body := submitRequest{
		Reference: req.RunID,
		URL:       req.URL,
		Browser:   cfg.Browser,
		Script:    cfg.Script,
		Options:   req.Config,
	}
	if err := b.client.Do(ctx, http.MethodPost, runsPath, body, &resp); err != nil {
		return "", fmt.Errorf("submit browser run: %w", err)
	}
	if resp.ID == "" {
		return "", &backend.RejectedError{StatusCode: http.StatusOK, Reason: "runner returned no run id"}
	}
	return resp.ID, nil
}

// Poll reports the runner's view of a browser run.
func (b *Backend) Poll(ctx context.Context, remoteID string) (backend.PollResult, error) {
	var resp runResponse
	if err := b.client.Do(ctx, http.MethodGet, runsPath+"/"+httpengine.PathEscape(remoteID), nil, &resp); err != nil {
		return backend.PollResult{}, fmt.Errorf("poll browser run: %w", err)
	}
	progress := 0
	if resp.StepCount > 0 {
		progress = resp.StepIndex * 100 / resp.StepCount
	}
	step := resp.CurrentStep
	if step == "" {
		step = strings.ToLower(resp.Status)
	}
	return backend.Normalize(MapStatus(resp.Status), step, progress, resp.Result), nil
}

// Cancel asks the runner to abort a browser run.
func (b *Backend) Cancel(ctx context.Context, remoteID string) (bool, error) {
	var resp cancelResponse
	if err := b.client.Do(ctx, http.MethodPost, runsPath+"/"+httpengine.PathEscape(remoteID)+"/cancel", nil, &resp); err != nil {
		return false, fmt.Errorf("cancel browser run: %w", err)
	}
	return resp.OK, nil
}

// List returns the status of every run the runner knows.
func (b *Backend) List(ctx context.Context) ([]backend.RemoteStatus, error) {
	var resp listResponse
	if err := b.client.Do(ctx, http.MethodGet, runsPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("list browser runs: %w", err)
	}
	out := make([]backend.RemoteStatus, 0, len(resp.Runs))
	for _, r := range resp.Runs {
		out = append(out, backend.RemoteStatus{RemoteID: r.ID, Status: MapStatus(r.Status)})
	}
	return out, nil
}

// Capabilities describes the adapter.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:     BackendName,
		Kind:     model.EngineBrowser,
		Endpoint: b.client.Endpoint(),
	}
}

// MapStatus translates a runner status into the shared vocabulary. The
// runner uses title case (Queued, Running, Passed, ...); matching is case
// insensitive and tolerates snake or kebab casing of TimedOut.
func MapStatus(native string) model.Status {
	s := strings.ToLower(strings.TrimSpace(native))
	s = strings.NewReplacer("_", "", "-", "").Replace(s)
	switch s {
	case "passed":
		return model.StatusCompleted
	case "failed":
		return model.StatusFailed
	case "cancelled", "canceled":
		return model.StatusStopped
	case "timedout":
		return model.StatusTimeout
	default:
		return model.StatusRunning
	}
}
