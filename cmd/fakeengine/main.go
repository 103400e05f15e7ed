// fakeengine serves the load, audit, browser and generic engine protocols
// from memory so probe can be exercised end to end without real engines.
// Point every PROBE_*_ENDPOINT at its address.
// Usage: go run ./cmd/fakeengine
package main

import (
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/probe/internal/config"
)

const (
	envAddr         = "FAKEENGINE_LISTEN_ADDR"
	envStepDuration = "FAKEENGINE_STEP_DURATION"
)

type server struct {
	load    *simulator
	audit   *simulator
	browser *simulator
	generic *simulator
	logger  *slog.Logger
}

func main() {
	addr := ":9090"
	if v := os.Getenv(envAddr); v != "" {
		addr = v
	}
	step := 2 * time.Second
	if v := os.Getenv(envStepDuration); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			step = d
		}
	}

	logger := config.NewLogger(os.Stdout, slog.LevelInfo)
	s := &server{
		load:    newSimulator("t", step),
		audit:   newSimulator("audit", step),
		browser: newSimulator("run", step),
		generic: newSimulator("exec", step),
		logger:  logger,
	}

	logger.Info("fakeengine listening", "addr", addr, "step_duration", step)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("fakeengine: %v", err)
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/tests", func(r chi.Router) {
		r.Post("/", s.loadSubmit)
		r.Get("/", s.loadList)
		r.Get("/{id}", s.loadGet)
		r.Post("/{id}/stop", s.loadStop)
	})
	r.Route("/audits", func(r chi.Router) {
		r.Post("/", s.auditSubmit)
		r.Get("/", s.auditList)
		r.Get("/{id}", s.auditGet)
		r.Delete("/{id}", s.auditCancel)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.browserSubmit)
		r.Get("/", s.browserList)
		r.Get("/{id}", s.browserGet)
		r.Post("/{id}/cancel", s.browserCancel)
	})
	r.Route("/executions", func(r chi.Router) {
		r.Post("/", s.genericSubmit)
		r.Get("/", s.genericList)
		r.Get("/{id}", s.genericGet)
		r.Post("/{id}/cancel", s.genericCancel)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// lookup resolves the {id} path parameter against sim, writing a 404 when
// the run is unknown.
func lookup(w http.ResponseWriter, r *http.Request, sim *simulator) (snapshot, bool) {
	snap, ok := sim.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown id")
	}
	return snap, ok
}

// load runner protocol

var loadStages = []string{"ramp-up", "steady", "ramp-down"}

type loadTest struct {
	TestID   string          `json:"test_id"`
	Status   string          `json:"status"`
	Stage    string          `json:"stage"`
	Progress float64         `json:"progress"`
	Summary  json.RawMessage `json:"summary,omitempty"`
}

func loadView(snap snapshot) loadTest {
	t := loadTest{TestID: snap.id, Stage: snap.step}
	switch snap.phase {
	case phaseQueued:
		t.Status = "created"
	case phaseRunning:
		t.Status = "running"
		t.Progress = float64(snap.stepIndex) / float64(snap.stepCount)
	case phaseDone:
		t.Status = "finished"
		t.Progress = 1
		t.Summary = json.RawMessage(`{"http_reqs":1200,"p95_ms":184,"failed":0}`)
	case phaseCancelled:
		t.Status = "aborted"
	}
	return t
}

func (s *server) loadSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
		VUs int    `json:"vus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VUs <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "vus must be positive")
		return
	}
	id := s.load.create(loadStages)
	s.logger.Info("load test created", "test_id", id, "url", req.URL, "vus", req.VUs)
	writeJSON(w, http.StatusCreated, map[string]string{"test_id": id})
}

func (s *server) loadGet(w http.ResponseWriter, r *http.Request) {
	if snap, ok := lookup(w, r, s.load); ok {
		writeJSON(w, http.StatusOK, loadView(snap))
	}
}

func (s *server) loadStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.load.cancel(chi.URLParam(r, "id"))})
}

func (s *server) loadList(w http.ResponseWriter, _ *http.Request) {
	snaps := s.load.list()
	tests := make([]loadTest, len(snaps))
	for i, snap := range snaps {
		tests[i] = loadView(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tests": tests})
}

// audit protocol

type audit struct {
	AuditID             string          `json:"auditId"`
	State               string          `json:"state"`
	Message             string          `json:"message"`
	CompletedCategories int             `json:"completedCategories"`
	TotalCategories     int             `json:"totalCategories"`
	LHR                 json.RawMessage `json:"lhr,omitempty"`
}

func auditView(snap snapshot) audit {
	a := audit{AuditID: snap.id, TotalCategories: snap.stepCount, CompletedCategories: snap.stepIndex}
	switch snap.phase {
	case phaseQueued:
		a.State = "QUEUED"
	case phaseRunning:
		a.State = "AUDITING"
		a.Message = "auditing " + snap.step
	case phaseDone:
		a.State = "DONE"
		a.LHR = json.RawMessage(`{"categories":{"performance":{"score":0.91}}}`)
	case phaseCancelled:
		a.State = "CANCELLED"
	}
	return a
}

func (s *server) auditSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL        string   `json:"url"`
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Categories) == 0 {
		writeError(w, http.StatusBadRequest, "categories are required")
		return
	}
	id := s.audit.create(req.Categories)
	s.logger.Info("audit created", "audit_id", id, "url", req.URL)
	writeJSON(w, http.StatusAccepted, map[string]string{"auditId": id})
}

func (s *server) auditGet(w http.ResponseWriter, r *http.Request) {
	if snap, ok := lookup(w, r, s.audit); ok {
		writeJSON(w, http.StatusOK, auditView(snap))
	}
}

func (s *server) auditCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.audit.cancel(chi.URLParam(r, "id"))})
}

func (s *server) auditList(w http.ResponseWriter, _ *http.Request) {
	snaps := s.audit.list()
	audits := make([]audit, len(snaps))
	for i, snap := range snaps {
		audits[i] = auditView(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

// browser runner protocol

var browserSteps = []string{"open page", "log in", "add to cart", "checkout"}

type browserRun struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	CurrentStep string          `json:"currentStep"`
	StepIndex   int             `json:"stepIndex"`
	StepCount   int             `json:"stepCount"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func browserView(snap snapshot) browserRun {
	b := browserRun{ID: snap.id, CurrentStep: snap.step, StepIndex: snap.stepIndex, StepCount: snap.stepCount}
	switch snap.phase {
	case phaseQueued:
		b.Status = "Queued"
	case phaseRunning:
		b.Status = "Running"
	case phaseDone:
		b.Status = "Passed"
		b.Result = json.RawMessage(`{"passed":4,"failed":0,"trace":"trace.zip"}`)
	case phaseCancelled:
		b.Status = "Cancelled"
	}
	return b
}

func (s *server) browserSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Script == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}
	id := s.browser.create(browserSteps)
	s.logger.Info("browser run created", "id", id, "url", req.URL)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *server) browserGet(w http.ResponseWriter, r *http.Request) {
	if snap, ok := lookup(w, r, s.browser); ok {
		writeJSON(w, http.StatusOK, browserView(snap))
	}
}

func (s *server) browserCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": s.browser.cancel(chi.URLParam(r, "id"))})
}

func (s *server) browserList(w http.ResponseWriter, _ *http.Request) {
	snaps := s.browser.list()
	runs := make([]browserRun, len(snaps))
	for i, snap := range snaps {
		runs[i] = browserView(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// generic execution protocol

var genericSteps = []string{"prepare", "execute", "collect"}

type execution struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Step     string          `json:"step"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func genericView(snap snapshot) execution {
	e := execution{ID: snap.id, Step: snap.step}
	if snap.stepCount > 0 {
		e.Progress = snap.stepIndex * 100 / snap.stepCount
	}
	switch snap.phase {
	case phaseQueued:
		e.Status = "pending"
	case phaseRunning:
		e.Status = "running"
	case phaseDone:
		e.Status = "completed"
		e.Progress = 100
		e.Result = json.RawMessage(`{"ok":true}`)
	case phaseCancelled:
		e.Status = "cancelled"
	}
	return e
}

func (s *server) genericSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := s.generic.create(genericSteps)
	s.logger.Info("execution created", "id", id, "run_id", req.RunID, "url", req.URL)
	writeJSON(w, http.StatusCreated, execution{ID: id, Status: "pending"})
}

func (s *server) genericGet(w http.ResponseWriter, r *http.Request) {
	if snap, ok := lookup(w, r, s.generic); ok {
		writeJSON(w, http.StatusOK, genericView(snap))
	}
}

func (s *server) genericCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": s.generic.cancel(chi.URLParam(r, "id"))})
}

func (s *server) genericList(w http.ResponseWriter, _ *http.Request) {
	snaps := s.generic.list()
	execs := make([]execution, len(snaps))
	for i, snap := range snaps {
		execs[i] = genericView(snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}
