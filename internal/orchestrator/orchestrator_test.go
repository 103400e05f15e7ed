package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/backend/audit"
	"github.com/seantiz/probe/internal/backend/load"
	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/orchestrator"
	"github.com/seantiz/probe/internal/registry"
	"github.com/seantiz/probe/internal/store"
)

// pollStep is one scripted answer of scriptBackend.Poll.
type pollStep struct {
	res backend.PollResult
	err error
}

func running(step string) pollStep {
	return pollStep{res: backend.Normalize(model.StatusRunning, step, 0, nil)}
}

// scriptBackend is a configurable fake engine. Poll walks through polls and
// repeats the last entry once the script is exhausted.
type scriptBackend struct {
	kind      model.EngineKind
	submitErr error
	remoteID  string

	mu    sync.Mutex
	polls []pollStep
	next  int

	listing []backend.RemoteStatus
	listErr error

	cancel func(ctx context.Context) (bool, error)

	submitCalls atomic.Int32
	pollCalls   atomic.Int32
	cancelCalls atomic.Int32
}

func (s *scriptBackend) Validate(json.RawMessage) error { return nil }

func (s *scriptBackend) Submit(_ context.Context, req backend.SubmitRequest) (string, error) {
	s.submitCalls.Add(1)
	if s.submitErr != nil {
		return "", s.submitErr
	}
	if s.remoteID != "" {
		return s.remoteID, nil
	}
	return "remote-" + req.RunID, nil
}

func (s *scriptBackend) Poll(context.Context, string) (backend.PollResult, error) {
	s.pollCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.polls) == 0 {
		return running("").res, nil
	}
	step := s.polls[min(s.next, len(s.polls)-1)]
	s.next++
	return step.res, step.err
}

func (s *scriptBackend) setPolls(steps ...pollStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = steps
	s.next = 0
}

func (s *scriptBackend) Cancel(ctx context.Context, _ string) (bool, error) {
	s.cancelCalls.Add(1)
	if s.cancel == nil {
		return true, nil
	}
	return s.cancel(ctx)
}

func (s *scriptBackend) List(context.Context) ([]backend.RemoteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listing, s.listErr
}

func (s *scriptBackend) setListing(l []backend.RemoteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listing = l
}

func (s *scriptBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "script", Kind: s.kind}
}

// recordingSink captures every terminal handoff.
type recordingSink struct {
	mu  sync.Mutex
	got []model.RunResult
}

func (r *recordingSink) Archive(_ context.Context, res model.RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
	return nil
}

func (r *recordingSink) results() []model.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RunResult(nil), r.got...)
}

func testConfig() orchestrator.Config {
	return orchestrator.Config{
		PollInterval:       10 * time.Millisecond,
		PollTimeout:        200 * time.Millisecond,
		MaxRunDuration:     10 * time.Second,
		CancelTimeout:      200 * time.Millisecond,
		PollErrorThreshold: 2,
		ReconcileInterval:  time.Hour,
		TerminalRetention:  time.Minute,
	}
}

type fixture struct {
	o    *orchestrator.Orchestrator
	runs *registry.Registry
	sink *recordingSink
}

func newFixture(t *testing.T, cfg orchestrator.Config, maxActive int, backends map[model.EngineKind]backend.Backend) fixture {
	t.Helper()
	reg := backend.NewRegistry()
	for kind, b := range backends {
		reg.Register(kind, b)
	}
	runs := registry.New(maxActive)
	sink := &recordingSink{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	o := orchestrator.New(cfg, runs, reg, sink, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return fixture{o: o, runs: runs, sink: sink}
}

// waitForStatus polls the orchestrator until the run reaches the expected status.
func waitForStatus(t *testing.T, o *orchestrator.Orchestrator, id string, expected model.Status, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := o.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if run.Status == expected {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := o.Get(id)
	t.Fatalf("timed out waiting for status %q, last status %q", expected, run.Status)
	return nil
}

func submitRunning(t *testing.T, o *orchestrator.Orchestrator, engine model.EngineKind) *model.Run {
	t.Helper()
	run, err := o.Submit(context.Background(), orchestrator.Request{URL: "https://example.com", Engine: string(engine)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != model.StatusRunning {
		t.Fatalf("status = %q, want running", run.Status)
	}
	return run
}

// loadRunner serves the load engine protocol with a scripted sequence of
// poll answers.
func loadRunner(t *testing.T, script []string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tests", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"test_id":"t-1"}`)
	})
	mux.HandleFunc("GET /api/v1/tests/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := int(polls.Add(1)) - 1
		fmt.Fprint(w, script[min(n, len(script)-1)])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitLoadScenario(t *testing.T) {
	srv := loadRunner(t, []string{
		`{"test_id":"t-1","status":"running","stage":"ramp-up","progress":0.25}`,
		`{"test_id":"t-1","status":"running","stage":"steady","progress":0.5}`,
		`{"test_id":"t-1","status":"finished","stage":"done","progress":1,"summary":{"p95_ms":120}}`,
	})
	lb, err := load.NewBackend(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	archive, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	reg := backend.NewRegistry()
	reg.Register(model.EngineLoad, lb)
	o := orchestrator.New(testConfig(), registry.New(0), reg, archive, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	run, err := o.Submit(context.Background(), orchestrator.Request{
		URL:    "https://example.com",
		Engine: "load",
		Config: json.RawMessage(`{"vus":10,"duration":"30s"}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.RemoteID != "t-1" {
		t.Errorf("remote id = %q, want t-1", run.RemoteID)
	}

	final := waitForStatus(t, o, run.ID, model.StatusCompleted, 2*time.Second)
	if len(final.Logs) != 2 {
		t.Fatalf("logs = %d, want 2: %+v", len(final.Logs), final.Logs)
	}
	if final.Logs[0].Message != "ramp-up" || final.Logs[1].Message != "steady" {
		t.Errorf("log messages = %q, %q", final.Logs[0].Message, final.Logs[1].Message)
	}
	if final.TerminalAt == nil {
		t.Error("terminal_at not set")
	}
	if final.Progress != 100 {
		t.Errorf("progress = %d, want 100", final.Progress)
	}

	o.Wait()
	archived, err := archive.GetRunByRemote(context.Background(), model.EngineLoad, "t-1")
	if err != nil {
		t.Fatalf("GetRunByRemote: %v", err)
	}
	if archived.Status != model.StatusCompleted {
		t.Errorf("archived status = %q", archived.Status)
	}
	if string(archived.Result) != `{"p95_ms":120}` {
		t.Errorf("archived result = %s", archived.Result)
	}
}

func TestSubmitAuditEmptyCategoriesRejected(t *testing.T) {
	ab, err := audit.NewBackend("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineAudit: ab})

	_, err = f.o.Submit(context.Background(), orchestrator.Request{
		URL:    "https://example.com",
		Engine: "audit",
		Config: json.RawMessage(`{"device":"mobile","categories":[]}`),
	})
	var ve *orchestrator.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ve.Field != "categories" {
		t.Errorf("field = %q, want categories", ve.Field)
	}
	if f.runs.Len() != 0 {
		t.Errorf("registry size = %d, want 0", f.runs.Len())
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{
		model.EngineDefault: &scriptBackend{kind: model.EngineDefault},
	})

	tests := []struct {
		name  string
		req   orchestrator.Request
		field string
	}{
		{"empty url", orchestrator.Request{}, "url"},
		{"relative url", orchestrator.Request{URL: "/just/a/path"}, "url"},
		{"ftp scheme", orchestrator.Request{URL: "ftp://example.com"}, "url"},
		{"no host", orchestrator.Request{URL: "https://"}, "url"},
		{"unknown engine", orchestrator.Request{URL: "https://example.com", Engine: "fuzz"}, "engine"},
		{"unconfigured engine", orchestrator.Request{URL: "https://example.com", Engine: "load"}, "engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.o.Submit(context.Background(), tt.req)
			var ve *orchestrator.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
	if f.runs.Len() != 0 {
		t.Errorf("registry size = %d, want 0", f.runs.Len())
	}
}

func TestSubmitDefaultEngine(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, "")
	if run.Engine != model.EngineDefault {
		t.Errorf("engine = %q, want default", run.Engine)
	}
	if run.RemoteID != "remote-"+run.ID {
		t.Errorf("remote id = %q", run.RemoteID)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, testConfig(), 1, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	submitRunning(t, f.o, model.EngineDefault)

	_, err := f.o.Submit(context.Background(), orchestrator.Request{URL: "https://example.com"})
	if !errors.Is(err, orchestrator.ErrBackpressure) {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
	if got := fake.submitCalls.Load(); got != 1 {
		t.Errorf("engine submit calls = %d, want 1", got)
	}
	if f.runs.Len() != 1 {
		t.Errorf("registry size = %d, want 1", f.runs.Len())
	}
}

func TestSubmitEngineFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   string
		reason string
	}{
		{
			name:   "rejected",
			err:    &backend.RejectedError{StatusCode: 422, Reason: "quota exceeded"},
			kind:   model.ErrorKindSubmitFailed,
			reason: "quota exceeded",
		},
		{
			name: "unreachable",
			err:  fmt.Errorf("dial: %w", backend.ErrUnavailable),
			kind: model.ErrorKindEngineUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &scriptBackend{kind: model.EngineDefault, submitErr: tt.err}
			f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

			run, err := f.o.Submit(context.Background(), orchestrator.Request{URL: "https://example.com"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if run.Status != model.StatusFailed {
				t.Errorf("status = %q, want failed", run.Status)
			}
			if run.ErrorKind != tt.kind {
				t.Errorf("error kind = %q, want %q", run.ErrorKind, tt.kind)
			}
			if tt.reason != "" && run.Error != tt.reason {
				t.Errorf("error = %q, want %q", run.Error, tt.reason)
			}
			if run.RemoteID != "" {
				t.Errorf("remote id = %q, want empty", run.RemoteID)
			}
			if f.runs.Active() != 0 {
				t.Errorf("active = %d, want 0", f.runs.Active())
			}
			if got := f.sink.results(); len(got) != 1 || got[0].Key() != "default/local/"+run.ID {
				t.Errorf("sink results = %+v", got)
			}
		})
	}
}

func TestSubmitDuplicateRemoteIDCancelsEngineRun(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	fake := &scriptBackend{kind: model.EngineDefault, remoteID: "remote-shared"}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	first := submitRunning(t, f.o, model.EngineDefault)
	second, err := f.o.Submit(context.Background(), orchestrator.Request{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if second.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", second.Status)
	}
	if second.ErrorKind != model.ErrorKindSubmitFailed {
		t.Errorf("error kind = %q, want %q", second.ErrorKind, model.ErrorKindSubmitFailed)
	}
	if second.RemoteID != "" {
		t.Errorf("remote id = %q, want empty", second.RemoteID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.cancelCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fake.cancelCalls.Load(); got != 1 {
		t.Errorf("cancel calls = %d, want 1", got)
	}

	kept, err := f.o.Get(first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if kept.Status != model.StatusRunning || kept.RemoteID != "remote-shared" {
		t.Errorf("first run = %s/%q, want running/remote-shared", kept.Status, kept.RemoteID)
	}
}

func TestPollerCompletesWithinOneInterval(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 50 * time.Millisecond
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	time.Sleep(120 * time.Millisecond)

	fake.setPolls(pollStep{res: backend.Normalize(model.StatusCompleted, "done", 100, json.RawMessage(`{"ok":true}`))})
	observable := time.Now()
	waitForStatus(t, f.o, run.ID, model.StatusCompleted, time.Second)

	if elapsed := time.Since(observable); elapsed > 3*cfg.PollInterval {
		t.Errorf("completion noticed after %v, want within about %v", elapsed, cfg.PollInterval)
	}
}

func TestPollerTransientErrorsRecover(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(
		pollStep{err: backend.ErrUnavailable},
		pollStep{err: backend.ErrUnavailable},
		running("warming"),
		pollStep{res: backend.Normalize(model.StatusCompleted, "done", 100, nil)},
	)
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	final := waitForStatus(t, f.o, run.ID, model.StatusCompleted, 2*time.Second)
	if final.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, want 0", final.ConsecutiveErrors)
	}
	if final.LastPollError != "" {
		t.Errorf("last poll error = %q, want empty", final.LastPollError)
	}
	if len(final.Logs) != 1 {
		t.Errorf("logs = %d, want 1", len(final.Logs))
	}
}

func TestPollerFatalAfterThreshold(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(pollStep{err: fmt.Errorf("connection refused: %w", backend.ErrUnavailable)})
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	final := waitForStatus(t, f.o, run.ID, model.StatusFailed, 2*time.Second)

	if final.ErrorKind != model.ErrorKindPollFatal {
		t.Errorf("error kind = %q, want %q", final.ErrorKind, model.ErrorKindPollFatal)
	}
	if final.CurrentStep != model.ReasonPollUnreachable {
		t.Errorf("current step = %q, want %q", final.CurrentStep, model.ReasonPollUnreachable)
	}
	if final.ConsecutiveErrors != 3 {
		t.Errorf("consecutive errors = %d, want 3", final.ConsecutiveErrors)
	}
	f.o.Wait()
	if got := fake.pollCalls.Load(); got != 3 {
		t.Errorf("poll calls = %d, want 3", got)
	}
}

func TestPollerRejectsTerminalPollWithLiveStatus(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(pollStep{res: backend.PollResult{Status: model.StatusRunning, Step: "warming up", Terminal: true}})
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	final := waitForStatus(t, f.o, run.ID, model.StatusFailed, 2*time.Second)

	if final.ErrorKind != model.ErrorKindPollFatal {
		t.Errorf("error kind = %q, want %q", final.ErrorKind, model.ErrorKindPollFatal)
	}
	if !strings.Contains(final.LastPollError, "terminal") {
		t.Errorf("last poll error = %q", final.LastPollError)
	}
	if len(final.Logs) != 0 {
		t.Errorf("logs = %d, want 0", len(final.Logs))
	}
	f.o.Wait()
	if got := fake.pollCalls.Load(); got != 3 {
		t.Errorf("poll calls = %d, want 3", got)
	}
}

func TestPollerRunTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRunDuration = 100 * time.Millisecond
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	final := waitForStatus(t, f.o, run.ID, model.StatusTimeout, 2*time.Second)
	if final.ErrorKind != model.ErrorKindRunTimeout {
		t.Errorf("error kind = %q, want %q", final.ErrorKind, model.ErrorKindRunTimeout)
	}

	f.o.Wait()
	if got := fake.cancelCalls.Load(); got != 1 {
		t.Errorf("best-effort cancel calls = %d, want 1", got)
	}
}

func TestStopAcknowledged(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})
	run := submitRunning(t, f.o, model.EngineDefault)

	final, err := f.o.Stop(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != model.StatusStopped {
		t.Errorf("status = %q, want stopped", final.Status)
	}
	if final.StopRequestedAt == nil || final.TerminalAt == nil {
		t.Error("stop_requested_at and terminal_at must be set")
	}
	if got := fake.cancelCalls.Load(); got != 1 {
		t.Errorf("cancel calls = %d, want 1", got)
	}
}

func TestStopRejected(t *testing.T) {
	fake := &scriptBackend{
		kind:   model.EngineDefault,
		cancel: func(context.Context) (bool, error) { return false, nil },
	}
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})
	run := submitRunning(t, f.o, model.EngineDefault)

	final, err := f.o.Stop(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != model.StatusFailed || final.ErrorKind != model.ErrorKindCancelRejected {
		t.Errorf("status/kind = %q/%q, want failed/%s", final.Status, final.ErrorKind, model.ErrorKindCancelRejected)
	}
	if final.CurrentStep != model.ReasonCancelRejected {
		t.Errorf("current step = %q", final.CurrentStep)
	}
}

func TestStopCancelTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CancelTimeout = 150 * time.Millisecond
	fake := &scriptBackend{
		kind: model.EngineDefault,
		cancel: func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})
	run := submitRunning(t, f.o, model.EngineDefault)

	start := time.Now()
	final, err := f.o.Stop(context.Background(), run.ID)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed < cfg.CancelTimeout {
		t.Errorf("resolved after %v, before the %v cancel timeout", elapsed, cfg.CancelTimeout)
	}
	if final.Status != model.StatusFailed || final.ErrorKind != model.ErrorKindCancelTimeout {
		t.Errorf("status/kind = %q/%q, want failed/%s", final.Status, final.ErrorKind, model.ErrorKindCancelTimeout)
	}
	if final.CurrentStep != model.ReasonCancelTimeout {
		t.Errorf("current step = %q", final.CurrentStep)
	}
}

func TestStopEngineIgnoresDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.CancelTimeout = 100 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fake := &scriptBackend{
		kind: model.EngineDefault,
		cancel: func(context.Context) (bool, error) {
			<-release
			return true, nil
		},
	}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})
	run := submitRunning(t, f.o, model.EngineDefault)

	start := time.Now()
	final, err := f.o.Stop(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop blocked for %v", elapsed)
	}
	if final.ErrorKind != model.ErrorKindCancelTimeout {
		t.Errorf("error kind = %q, want %q", final.ErrorKind, model.ErrorKindCancelTimeout)
	}
}

func TestStopTerminalRunUnchanged(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(pollStep{res: backend.Normalize(model.StatusCompleted, "done", 100, nil)})
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	before := waitForStatus(t, f.o, run.ID, model.StatusCompleted, time.Second)

	_, err := f.o.Stop(context.Background(), run.ID)
	if !errors.Is(err, orchestrator.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	after, err := f.o.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("terminal run changed:\nbefore %+v\nafter  %+v", before, after)
	}
	if got := fake.cancelCalls.Load(); got != 0 {
		t.Errorf("cancel calls = %d, want 0", got)
	}
}

func TestStopNotFound(t *testing.T) {
	f := newFixture(t, testConfig(), 0, nil)
	if _, err := f.o.Stop(context.Background(), "nope"); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentStopsIssueOneCancel(t *testing.T) {
	fake := &scriptBackend{
		kind: model.EngineDefault,
		cancel: func(context.Context) (bool, error) {
			time.Sleep(30 * time.Millisecond)
			return true, nil
		},
	}
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})
	run := submitRunning(t, f.o, model.EngineDefault)

	const callers = 10
	var wg sync.WaitGroup
	var wins, invalid atomic.Int32
	for range callers {
		wg.Go(func() {
			_, err := f.o.Stop(context.Background(), run.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, orchestrator.ErrInvalidState):
				invalid.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
	if invalid.Load() != callers-1 {
		t.Errorf("invalid state = %d, want %d", invalid.Load(), callers-1)
	}
	if got := fake.cancelCalls.Load(); got != 1 {
		t.Errorf("cancel calls = %d, want 1", got)
	}
}

func TestReconcilerCorrectsRemoteCancel(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	fake := &scriptBackend{kind: model.EngineBrowser}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineBrowser: fake})
	run := submitRunning(t, f.o, model.EngineBrowser)

	fake.setListing([]backend.RemoteStatus{
		{RemoteID: run.RemoteID, Status: model.StatusStopped},
		{RemoteID: "someone-else", Status: model.StatusCompleted},
	})
	rep := f.o.Reconciler().RunOnce(context.Background())
	if rep.Corrected != 1 {
		t.Fatalf("corrected = %d, want 1", rep.Corrected)
	}

	final, err := f.o.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != model.StatusStopped {
		t.Errorf("status = %q, want stopped", final.Status)
	}
	if final.ErrorKind != model.ErrorKindReconciled {
		t.Errorf("error kind = %q, want %q", final.ErrorKind, model.ErrorKindReconciled)
	}
	if len(f.sink.results()) != 1 {
		t.Errorf("sink results = %d, want 1", len(f.sink.results()))
	}
	f.o.Wait()
	if f.runs.ActivePollers() != 0 {
		t.Errorf("pollers still active after correction")
	}
}

func TestReconcilerSkipsFailingEngine(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	broken := &scriptBackend{kind: model.EngineLoad, listErr: backend.ErrUnavailable}
	fine := &scriptBackend{kind: model.EngineAudit}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{
		model.EngineLoad:  broken,
		model.EngineAudit: fine,
	})
	loadRun := submitRunning(t, f.o, model.EngineLoad)
	auditRun := submitRunning(t, f.o, model.EngineAudit)
	fine.setListing([]backend.RemoteStatus{{RemoteID: auditRun.RemoteID, Status: model.StatusCompleted}})

	rep := f.o.Reconciler().RunOnce(context.Background())
	if rep.Engines != 2 {
		t.Errorf("engines = %d, want 2", rep.Engines)
	}
	if _, ok := rep.FailedEngines[model.EngineLoad]; !ok {
		t.Errorf("failed engines = %v, want load", rep.FailedEngines)
	}
	if rep.Corrected != 1 {
		t.Errorf("corrected = %d, want 1", rep.Corrected)
	}

	got, _ := f.o.Get(loadRun.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("load run status = %q, want running", got.Status)
	}
	got, _ = f.o.Get(auditRun.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("audit run status = %q, want completed", got.Status)
	}
}

func TestReconcilerLeavesTerminalRunsAlone(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(pollStep{res: backend.Normalize(model.StatusCompleted, "done", 100, nil)})
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	before := waitForStatus(t, f.o, run.ID, model.StatusCompleted, time.Second)

	fake.setListing([]backend.RemoteStatus{{RemoteID: run.RemoteID, Status: model.StatusFailed}})
	if rep := f.o.Reconciler().RunOnce(context.Background()); rep.Corrected != 0 {
		t.Errorf("corrected = %d, want 0", rep.Corrected)
	}
	after, _ := f.o.Get(run.ID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("terminal run changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestReconcilerEvictsAfterRetention(t *testing.T) {
	cfg := testConfig()
	cfg.TerminalRetention = 20 * time.Millisecond
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(pollStep{res: backend.Normalize(model.StatusCompleted, "done", 100, nil)})
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := submitRunning(t, f.o, model.EngineDefault)
	waitForStatus(t, f.o, run.ID, model.StatusCompleted, time.Second)

	if rep := f.o.Reconciler().RunOnce(context.Background()); rep.Evicted != 0 {
		t.Errorf("evicted %d runs inside the retention window", rep.Evicted)
	}
	time.Sleep(40 * time.Millisecond)
	if rep := f.o.Reconciler().RunOnce(context.Background()); rep.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", rep.Evicted)
	}
	if _, err := f.o.Get(run.ID); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Errorf("Get after eviction: err = %v, want ErrNotFound", err)
	}
}

func TestReconcilerExpiresStuckStop(t *testing.T) {
	cfg := testConfig()
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := &model.Run{
		ID:        model.NewID(),
		RemoteID:  "remote-stuck",
		Engine:    model.EngineDefault,
		URL:       "https://example.com",
		Status:    model.StatusRunning,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := f.runs.Insert(run); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := f.runs.Update(run.ID, model.StatusRunning, func(r *model.Run) {
		at := time.Now().UTC().Add(-time.Hour)
		r.Status = model.StatusStopping
		r.StopRequestedAt = &at
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rep := f.o.Reconciler().RunOnce(context.Background())
	if rep.StopsExpired != 1 {
		t.Fatalf("stops expired = %d, want 1", rep.StopsExpired)
	}
	if rep.Corrected != 0 {
		t.Errorf("corrected = %d, want 0", rep.Corrected)
	}

	final, err := f.o.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if final.ErrorKind != model.ErrorKindCancelTimeout {
		t.Errorf("error kind = %q, want %q", final.ErrorKind, model.ErrorKindCancelTimeout)
	}
	if len(f.sink.results()) != 1 {
		t.Errorf("sink results = %d, want 1", len(f.sink.results()))
	}
	if fake.cancelCalls.Load() != 0 {
		t.Errorf("reconciler issued %d cancels, want 0", fake.cancelCalls.Load())
	}
}

func TestReconcilerLeavesRecentStopAlone(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	run := &model.Run{
		ID:        model.NewID(),
		RemoteID:  "remote-recent",
		Engine:    model.EngineDefault,
		URL:       "https://example.com",
		Status:    model.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.runs.Insert(run); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := f.runs.Update(run.ID, model.StatusRunning, func(r *model.Run) {
		at := time.Now().UTC()
		r.Status = model.StatusStopping
		r.StopRequestedAt = &at
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if rep := f.o.Reconciler().RunOnce(context.Background()); rep.StopsExpired != 0 {
		t.Errorf("stops expired = %d, want 0", rep.StopsExpired)
	}
	cur, err := f.o.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != model.StatusStopping {
		t.Errorf("status = %q, want stopping", cur.Status)
	}
}

func TestListFilters(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	f := newFixture(t, cfg, 0, map[model.EngineKind]backend.Backend{
		model.EngineLoad:    &scriptBackend{kind: model.EngineLoad},
		model.EngineDefault: &scriptBackend{kind: model.EngineDefault, submitErr: &backend.RejectedError{StatusCode: 400}},
	})
	first := submitRunning(t, f.o, model.EngineLoad)
	second := submitRunning(t, f.o, model.EngineLoad)
	if _, err := f.o.Submit(context.Background(), orchestrator.Request{URL: "https://example.com"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	all := f.o.List(orchestrator.Filter{})
	if len(all) != 3 {
		t.Fatalf("List = %d runs, want 3", len(all))
	}
	loadRuns := f.o.List(orchestrator.Filter{Engine: model.EngineLoad})
	if len(loadRuns) != 2 || loadRuns[0].ID != second.ID || loadRuns[1].ID != first.ID {
		t.Errorf("load runs not newest first: %v", loadRuns)
	}
	failed := f.o.List(orchestrator.Filter{Status: model.StatusFailed})
	if len(failed) != 1 || failed[0].Engine != model.EngineDefault {
		t.Errorf("failed runs = %v", failed)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	fake := &scriptBackend{kind: model.EngineDefault}
	fake.setPolls(running("a"), pollStep{res: backend.Normalize(model.StatusCompleted, "done", 100, nil)})
	f := newFixture(t, testConfig(), 0, map[model.EngineKind]backend.Backend{model.EngineDefault: fake})

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			run, err := f.o.Submit(context.Background(), orchestrator.Request{URL: "https://example.com"})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			ids[i] = run.ID
		})
	}
	wg.Wait()

	for _, id := range ids {
		if id == "" {
			continue
		}
		run := waitForStatus(t, f.o, id, model.StatusCompleted, 3*time.Second)
		if run.TerminalAt == nil {
			t.Errorf("run %s missing terminal_at", id)
		}
	}
	f.o.Wait()
	if f.runs.Active() != 0 {
		t.Errorf("active = %d, want 0", f.runs.Active())
	}
}
