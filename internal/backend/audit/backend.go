// Package audit adapts a Lighthouse-style page-quality auditor to
// backend.Backend.
package audit

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
const BackendName = "lighthouse"

const auditsPath = "/audits"

// Native states of the auditor. QUEUED and AUDITING are in progress.
const (
	stateDone      = "DONE"
	stateErrored   = "ERRORED"
	stateCancelled = "CANCELLED"
)

var _ backend.Backend = (*Backend)(nil)

// Backend implements backend.Backend for the auditor.
type Backend struct {
	client *httpengine.Client
}

// NewBackend creates an audit adapter for the auditor at endpoint.
func NewBackend(endpoint string, httpClient *http.Client) (*Backend, error) {
	c, err := httpengine.New(endpoint, httpClient)
	if err != nil {
		return nil, err
	}
	return &Backend{client: c}, nil
}

type submitRequest struct {
	CorrelationID string          `json:"correlationId"`
	URL           string          `json:"url"`
	Device        string          `json:"device"`
	Categories    []string        `json:"categories"`
	Settings      json.RawMessage `json:"settings,omitempty"`
}

type auditResponse struct {
	AuditID             string          `json:"auditId"`
	State               string          `json:"state"`
	Message             string          `json:"message"`
	CompletedCategories int             `json:"completedCategories"`
	TotalCategories     int             `json:"totalCategories"`
	LHR                 json.RawMessage `json:"lhr,omitempty"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type listResponse struct {
	Audits []auditResponse `json:"audits"`
}

// Validate checks that a device and at least one category are set.
func (b *Backend) Validate(config json.RawMessage) error {
	_, err := parseConfig(config)
	return err
}

// Submit queues an audit and returns the auditor's audit id.
func (b *Backend) Submit(ctx context.Context, req backend.SubmitRequest) (string, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return "", err
	}

	var resp auditResponse
	body := submitRequest{
		CorrelationID: req.RunID,
		URL:           req.URL,
		Device:        cfg.Device,
		Categories:    cfg.Categories,
		Settings:      req.Config,
	}
	if err := b.client.Do(ctx, http.MethodPost, auditsPath, body, &resp); err != nil {
		return "", fmt.Errorf("submit audit: %w", err)
	}
	if resp.AuditID == "" {
		return "", &backend.RejectedError{StatusCode: http.StatusOK, Reason: "auditor returned no audit id"}
	}
	return resp.AuditID, nil
}

// Poll reports the auditor's view of an audit. Progress is derived from the
// number of completed categories.
func (b *Backend) Poll(ctx context.Context, remoteID string) (backend.PollResult, error) {
	var resp auditResponse
	if err := b.client.Do(ctx, http.MethodGet, auditsPath+"/"+httpengine.PathEscape(remoteID), nil, &resp); err != nil {
		return backend.PollResult{}, fmt.Errorf("poll audit: %w", err)
	}
	progress := 0
	if resp.TotalCategories > 0 {
		progress = resp.CompletedCategories * 100 / resp.TotalCategories
	}
	step := resp.Message
	if step == "" {
		step = strings.ToLower(resp.State)
	}
	return backend.Normalize(MapStatus(resp.State), step, progress, resp.LHR), nil
}

// Cancel deletes a queued or running audit.
func (b *Backend) Cancel(ctx context.Context, remoteID string) (bool, error) {
	var resp cancelResponse
	if err := b.client.Do(ctx, http.MethodDelete, auditsPath+"/"+httpengine.PathEscape(remoteID), nil, &resp); err != nil {
		return false, fmt.Errorf("cancel audit: %w", err)
	}
	return resp.Cancelled, nil
}

// List returns the state of every audit the auditor knows.
func (b *Backend) List(ctx context.Context) ([]backend.RemoteStatus, error) {
	var resp listResponse
	if err := b.client.Do(ctx, http.MethodGet, auditsPath, nil, &resp); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	out := make([]backend.RemoteStatus, 0, len(resp.Audits))
	for _, a := range resp.Audits {
		out = append(out, backend.RemoteStatus{RemoteID: a.AuditID, Status: MapStatus(a.State)})
	}
	return out, nil
}

// Capabilities describes the adapter.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:     BackendName,
		Kind:     model.EngineAudit,
		Endpoint: b.client.Endpoint(),
	}
}

// MapStatus translates an auditor state into the shared vocabulary.
func MapStatus(native string) model.Status {
	switch strings.ToUpper(strings.TrimSpace(native)) {
	case stateDone:
		return model.StatusCompleted
	case stateErrored:
		return model.StatusFailed
	case stateCancelled:
		return model.StatusStopped
	default:
		return model.StatusRunning
	}
}
