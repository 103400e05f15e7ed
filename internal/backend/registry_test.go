package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/model"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	name string
	kind model.EngineKind
}

func (s *stubBackend) Validate(json.RawMessage) error { return nil }

func (s *stubBackend) Submit(context.Context, backend.SubmitRequest) (string, error) {
	return "r-1", nil
}

func (s *stubBackend) Poll(context.Context, string) (backend.PollResult, error) {
	return backend.PollResult{Status: model.StatusRunning}, nil
}

func (s *stubBackend) Cancel(context.Context, string) (bool, error) { return true, nil }

func (s *stubBackend) List(context.Context) ([]backend.RemoteStatus, error) { return nil, nil }

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: s.name, Kind: s.kind}
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(model.EngineLoad, &stubBackend{name: "k6", kind: model.EngineLoad})
	reg.Register(model.EngineAudit, &stubBackend{name: "lighthouse", kind: model.EngineAudit})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d backends, want 2", len(list))
	}
	if list[0].Kind != model.EngineAudit || list[1].Kind != model.EngineLoad {
		t.Errorf("List() order = [%s %s], want [audit load]", list[0].Kind, list[1].Kind)
	}

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != model.EngineAudit {
		t.Errorf("Kinds() = %v, want [audit load]", kinds)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(model.EngineBrowser, &stubBackend{name: "playwright", kind: model.EngineBrowser})

	b, err := reg.Resolve(model.EngineBrowser)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Capabilities().Name != "playwright" {
		t.Errorf("resolved backend name = %q, want %q", b.Capabilities().Name, "playwright")
	}
}

func TestRegistryResolveNotRegistered(t *testing.T) {
	reg := backend.NewRegistry()
	if _, err := reg.Resolve(model.EngineLoad); err == nil {
		t.Error("expected error for unregistered engine, got nil")
	}
}

func TestNormalize(t *testing.T) {
	payload := json.RawMessage(`{"score":0.9}`)

	pr := backend.Normalize(model.StatusRunning, "step 1", 150, payload)
	if pr.Terminal || pr.Result != nil || pr.Progress != 100 {
		t.Errorf("running Normalize = %+v, want non-terminal, no result, progress clamped to 100", pr)
	}

	pr = backend.Normalize(model.StatusCompleted, "done", -3, payload)
	if !pr.Terminal || string(pr.Result) != string(payload) || pr.Progress != 0 {
		t.Errorf("completed Normalize = %+v, want terminal with result, progress 0", pr)
	}
}

func TestRejectedError(t *testing.T) {
	var err error = &backend.RejectedError{StatusCode: 422, Reason: "bad script"}
	wrapped := errors.Join(errors.New("submit"), err)
	if !backend.IsRejected(wrapped) {
		t.Error("IsRejected(wrapped) = false, want true")
	}
	if backend.IsRejected(backend.ErrUnavailable) {
		t.Error("IsRejected(ErrUnavailable) = true, want false")
	}
	if got := err.Error(); got != "engine rejected request (status 422): bad script" {
		t.Errorf("Error() = %q", got)
	}
}
