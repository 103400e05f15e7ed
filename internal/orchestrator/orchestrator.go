package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/registry"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultPollInterval       = time.Second
	DefaultPollTimeout        = 5 * time.Second
	DefaultMaxRunDuration     = 300 * time.Second
	DefaultCancelTimeout      = 10 * time.Second
	DefaultPollErrorThreshold = 5
	DefaultReconcileInterval  = 15 * time.Second
	DefaultTerminalRetention  = 10 * time.Minute
)

// handoffTimeout bounds a single ResultSink delivery.
const handoffTimeout = 10 * time.Second

// Config holds the timing and threshold settings of an Orchestrator.
type Config struct {
	// PollInterval is the delay between two polls of the same run.
	PollInterval time.Duration
	// PollTimeout bounds each engine call made while submitting or polling.
	PollTimeout time.Duration
	// MaxRunDuration is how long a run may stay running before it times out.
	MaxRunDuration time.Duration
	// CancelTimeout bounds how long a stop waits for the engine to acknowledge.
	CancelTimeout time.Duration
	// PollErrorThreshold is the number of consecutive poll failures tolerated.
	PollErrorThreshold int
	// ReconcileInterval is the delay between two reconciliation cycles.
	ReconcileInterval time.Duration
	// TerminalRetention is how long terminal runs stay queryable.
	TerminalRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = DefaultMaxRunDuration
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	if c.PollErrorThreshold <= 0 {
		c.PollErrorThreshold = DefaultPollErrorThreshold
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}
	return c
}

// ResultSink receives every run that reaches a terminal state.
type ResultSink interface {
	Archive(ctx context.Context, res model.RunResult) error
}

// Request is a run submission.
type Request struct {
	URL    string          `json:"url"`
	Engine string          `json:"engine"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status model.Status
	Engine model.EngineKind
}

// Orchestrator owns the run registry and every goroutine that mutates it.
type Orchestrator struct {
	cfg      Config
	runs     *registry.Registry
	backends *backend.Registry
	sink     ResultSink
	logger   *slog.Logger
	broker   *LogBroker

	reconciler *Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
}

// New creates an Orchestrator. sink may be nil.
func New(cfg Config, runs *registry.Registry, backends *backend.Registry, sink ResultSink, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		runs:     runs,
		backends: backends,
		sink:     sink,
		logger:   logger,
		broker:   NewLogBroker(),
		ctx:      ctx,
		cancel:   cancel,
		pollers:  make(map[string]context.CancelFunc),
	}
	o.reconciler = &Reconciler{o: o}
	return o
}

// Broker returns the log broker used for live log streaming.
func (o *Orchestrator) Broker() *LogBroker {
	return o.broker
}

// Reconciler returns the orchestrator's reconciler.
func (o *Orchestrator) Reconciler() *Reconciler {
	return o.reconciler
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Engines returns the registered engine adapters.
func (o *Orchestrator) Engines() []backend.BackendInfo {
	return o.backends.List()
}

// ActiveRuns returns the number of non-terminal runs.
func (o *Orchestrator) ActiveRuns() int {
	return o.runs.Active()
}

// Start launches the reconciliation loop.
func (o *Orchestrator) Start() {
	o.wg.Go(func() {
		o.reconciler.Run(o.ctx)
	})
}

// Shutdown signals every poller and the reconciler to exit and waits for
// them, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every goroutine started by the orchestrator has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Submit validates req, hands the run to its engine and starts its poller.
//
// Validation failures return a *ValidationError and create no run. When the
// number of non-terminal runs is at the cap Submit returns ErrBackpressure
// without calling the engine. An engine that refuses or cannot be reached
// yields a failed run and a nil error.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*model.Run, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	kind, ok := model.ParseEngineKind(req.Engine)
	if !ok {
		return nil, &ValidationError{Field: "engine", Message: fmt.Sprintf("unknown engine %q", req.Engine)}
	}
	b, err := o.backends.Resolve(kind)
	if err != nil {
		return nil, &ValidationError{Field: "engine", Message: fmt.Sprintf("engine %q is not configured", kind)}
	}
	if err := b.Validate(req.Config); err != nil {
		var ce *backend.ConfigError
		if errors.As(err, &ce) {
			return nil, &ValidationError{Field: ce.Field, Message: ce.Message}
		}
		return nil, &ValidationError{Field: "config", Message: err.Error()}
	}

	run := &model.Run{
		ID:        model.NewID(),
		Engine:    kind,
		URL:       req.URL,
		Config:    req.Config,
		Status:    model.StatusSubmitting,
		CreatedAt: time.Now().UTC(),
		Logs:      []model.LogEntry{},
	}
	if err := o.runs.Insert(run); err != nil {
		if errors.Is(err, registry.ErrBackpressure) {
			return nil, ErrBackpressure
		}
		return nil, fmt.Errorf("track run: %w", err)
	}
	runsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	o.observe()

	logger := o.logger.With("run_id", run.ID, "engine", kind)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PollTimeout)
	remoteID, err := b.Submit(sctx, backend.SubmitRequest{
		RunID:  run.ID,
		URL:    run.URL,
		Config: run.Config,
	})
	cancel()
	if err != nil {
		errKind, reason := classifySubmitError(err)
		logger.Warn("submit failed", "error_kind", errKind, "error", err)
		return o.failSubmit(run.ID, errKind, reason)
	}

	updated, err := o.runs.Update(run.ID, model.StatusSubmitting, func(r *model.Run) {
		r.RemoteID = remoteID
		r.Status = model.StatusRunning
	})
	if err != nil {
		logger.Error("failed to record engine acknowledgement", "remote_id", remoteID, "error", err)
		o.abandonRemote(b, remoteID, logger)
		return o.failSubmit(run.ID, model.ErrorKindSubmitFailed, err.Error())
	}

	logger.Info("run submitted", "remote_id", remoteID)
	o.startPoller(updated, b)
	return updated, nil
}

func (o *Orchestrator) failSubmit(id, kind, reason string) (*model.Run, error) {
	failed, err := o.runs.Update(id, model.StatusSubmitting, func(r *model.Run) {
		r.Fail(kind, reason, time.Now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("record submit failure: %w", err)
	}
	o.finish(failed, nil)
	return failed, nil
}

// abandonRemote asks the engine to cancel a run the registry refused to
// track, without waiting for the answer.
func (o *Orchestrator) abandonRemote(b backend.Backend, remoteID string, logger *slog.Logger) {
	o.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelTimeout)
		defer cancel()
		if _, err := b.Cancel(ctx, remoteID); err != nil {
			logger.Warn("best-effort cancel of untracked remote run failed", "remote_id", remoteID, "error", err)
		}
	})
}

func classifySubmitError(err error) (kind, reason string) {
	var re *backend.RejectedError
	if errors.As(err, &re) {
		reason = re.Reason
		if reason == "" {
			reason = re.Error()
		}
		return model.ErrorKindSubmitFailed, reason
	}
	return model.ErrorKindEngineUnavailable, err.Error()
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "url", Message: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Message: "is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Message: "host is required"}
	}
	return nil
}

// Get returns a copy of the run with the given id.
func (o *Orchestrator) Get(id string) (*model.Run, error) {
	return o.runs.Get(id)
}

// List returns the tracked runs matching f, newest first.
func (o *Orchestrator) List(f Filter) []*model.Run {
	all := o.runs.List()
	if f.Status == "" && f.Engine == "" {
		return all
	}
	out := make([]*model.Run, 0, len(all))
	for _, r := range all {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Engine != "" && r.Engine != f.Engine {
			continue
		}
		out = append(out, r)
	}
	return out
}

// startPoller launches the poller for run unless one already holds the claim.
func (o *Orchestrator) startPoller(run *model.Run, b backend.Backend) {
	if !o.runs.ClaimPoller(run.ID) {
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.pollers[run.ID] = cancel
	o.mu.Unlock()
	o.observe()

	o.wg.Go(func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.pollers, run.ID)
			o.mu.Unlock()
			o.runs.ReleasePoller(run.ID)
			o.observe()
		}()
		p := &poller{
			o:        o,
			backend:  b,
			runID:    run.ID,
			remoteID: run.RemoteID,
			engine:   run.Engine,
			deadline: run.CreatedAt.Add(o.cfg.MaxRunDuration),
			logger:   o.logger.With("run_id", run.ID, "remote_id", run.RemoteID, "engine", run.Engine),
		}
		p.run(ctx)
	})
}

// signalPoller tells the poller of id, if any, to exit.
func (o *Orchestrator) signalPoller(id string) {
	o.mu.Lock()
	cancel, ok := o.pollers[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// finish hands a run that just became terminal to the result sink. Sink
// errors are logged and never change the run.
func (o *Orchestrator) finish(run *model.Run, payload json.RawMessage) {
	runsTerminalTotal.WithLabelValues(string(run.Engine), string(run.Status)).Inc()
	o.observe()
	o.broker.Close(run.ID)

	o.logger.Info("run finished",
		"run_id", run.ID,
		"remote_id", run.RemoteID,
		"engine", run.Engine,
		"status", run.Status,
		"error_kind", run.ErrorKind,
	)

	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handoffTimeout)
	defer cancel()
	if err := o.sink.Archive(ctx, model.RunResult{Run: run, Payload: payload}); err != nil {
		o.logger.Error("failed to hand off terminal run", "run_id", run.ID, "error", err)
	}
}

// publishLog forwards the newest log entry of run to live subscribers.
func (o *Orchestrator) publishLog(run *model.Run) {
	if n := len(run.Logs); n > 0 {
		o.broker.Publish(run.ID, run.Logs[n-1])
	}
}

func (o *Orchestrator) observe() {
	activeRuns.Set(float64(o.runs.Active()))
	activePollers.Set(float64(o.runs.ActivePollers()))
}
