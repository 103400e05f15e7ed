// Package load adapts a k6-style load-testing runner to backend.Backend.
package load

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
const BackendName = "k6-runner"

const testsPath = "/api/v1/tests"

// Terminal statuses of the load runner. Everything else (created,
// initializing, running) is in progress.
const (
	nativeFinished = "finished"
	nativeAborted  = "aborted"
	nativeStopped  = "stopped"
	nativeFailed   = "failed"
	nativeErrored  = "errored"
	nativeTimedOut = "timed_out"
)

var _ backend.Backend = (*Backend)(nil)

// Backend implements backend.Backend for the load runner.
type Backend struct {
	client *httpengine.Client
}

// NewBackend creates a load adapter for the runner at endpoint.
func NewBackend(endpoint string, httpClient *http.Client) (*Backend, error) {
	c, err := httpengine.New(endpoint, httpClient)
	if err != nil {
		return nil, err
	}
	return &Backend{client: c}, nil
}

type submitRequest struct {
	RunID    string          `json:"run_id"`
	URL      string          `json:"url"`
	VUs      int             `json:"vus"`
	Duration string          `json:"duration"`
	Options  json.RawMessage `json:"options,omitempty"`
}

type submitResponse struct {
	TestID string `json:"test_id"`
}

type testResponse struct {
	TestID   string          `json:"test_id"`
	Status   string          `json:"status"`
	Stage    string          `json:"stage"`
	Progress float64         `json:"progress"`
	Summary  json.RawMessage `json:"summary,omitempty"`
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

type listResponse struct {
	Tests []testResponse `json:"tests"`
}

// Validate checks that vus and duration are set.
func (b *Backend) Validate(config json.RawMessage) error {
	_, err := parseConfig(config)
	return err
}

// Submit starts a load test and returns the runner's test id.
func (b *Backend) Submit(ctx context.Context, req backend.SubmitRequest) (string, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	body := submitRequest{
		RunID:    req.RunID,
		URL:      req.URL,
		VUs:      cfg.VUs,
		Duration: cfg.Duration,
		Options:  req.Config,
	}
	if err := b.client.Do(ctx, http.MethodPost, testsPath, body, &resp); err != nil {
		return "", fmt.Errorf("submit load test: %w", err)
	}
	if resp.TestID == "" {
		return "", &backend.RejectedError{StatusCode: http.StatusOK, Reason: "runner returned no test id"}
	}
	return resp.TestID, nil
}

// Poll reports the runner's view of a test. Progress is reported by the
// runner as a 0..1 fraction.
func (b *Backend) Poll(ctx context.Context, remoteID string) (backend.PollResult, error) {
	var resp testResponse
	if err := b.client.Do(ctx, http.MethodGet, testsPath+"/"+httpengine.PathEscape(remoteID), nil, &resp); err != nil {
		return backend.PollResult{}, fmt.Errorf("poll load test: %w", err)
	}
	status := MapStatus(resp.Status)
	step := resp.Stage
	if step == "" {
		step = resp.Status
	}
	return backend.Normalize(status, step, int(resp.Progress*100), resp.Summary), nil
}

// Cancel asks the runner to stop a test.
func (b *Backend) Cancel(ctx context.Context, remoteID string) (bool, error) {
	var resp stopResponse
	if err := b.client.Do(ctx, http.MethodPost, testsPath+"/"+httpengine.PathEscape(remoteID)+"/stop", nil, &resp); err != nil {
		return false, fmt.Errorf("stop load test: %w", err)
	}
	return resp.Stopped, nil
}

// List returns the status of every test the runner knows.
func (b *Backend) List(ctx context.Context) ([]backend.RemoteStatus, error) {
	var resp listResponse
	if err := b.client.Do(ctx, http.MethodGet, testsPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("list load tests: %w", err)
	}
	out := make([]backend.RemoteStatus, 0, len(resp.Tests))
	for _, t := range resp.Tests {
		out = append(out, backend.RemoteStatus{RemoteID: t.TestID, Status: MapStatus(t.Status)})
	}
	return out, nil
}

// Capabilities describes the adapter.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:     BackendName,
		Kind:     model.EngineLoad,
		Endpoint: b.client.Endpoint(),
	}
}

// MapStatus translates a runner status into the shared vocabulary. Unknown
// values are treated as still running.
func MapStatus(native string) model.Status {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case nativeFinished:
		return model.StatusCompleted
	case nativeAborted, nativeStopped:
		return model.StatusStopped
	case nativeFailed, nativeErrored:
		return model.StatusFailed
	case nativeTimedOut:
		return model.StatusTimeout
	default:
		return model.StatusRunning
	}
}
