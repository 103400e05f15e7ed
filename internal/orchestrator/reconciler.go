package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/model"
)

// Report summarizes one reconciliation cycle.
type Report struct {
	Engines       int                         `json:"engines"`
	FailedEngines map[model.EngineKind]string `json:"failed_engines,omitempty"`
	Corrected     int                         `json:"corrected"`
	StopsExpired  int                         `json:"stops_expired"`
	Evicted       int                         `json:"evicted"`
}

// Reconciler compares local runs with each engine's authoritative listing
// and forces runs the engine already finished into that terminal status.
type Reconciler struct {
	o *Orchestrator
}

// Run reconciles every ReconcileInterval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := r.RunOnce(ctx)
			if rep.Corrected > 0 || rep.StopsExpired > 0 || len(rep.FailedEngines) > 0 {
				r.o.logger.Info("reconcile cycle",
					"corrected", rep.Corrected,
					"stops_expired", rep.StopsExpired,
					"evicted", rep.Evicted,
					"failed_engines", len(rep.FailedEngines),
				)
			}
		}
	}
}

// RunOnce performs a single reconciliation cycle. Engines whose listing
// fails are skipped for this cycle.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	kinds := r.o.backends.Kinds()
	listings := make([][]backend.RemoteStatus, len(kinds))
	errs := make([]error, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			b, err := r.o.backends.Resolve(kind)
			if err != nil {
				errs[i] = err
				return nil
			}
			lctx, cancel := context.WithTimeout(gctx, r.o.cfg.PollTimeout)
			defer cancel()
			listings[i], errs[i] = b.List(lctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Engines: len(kinds)}
	remote := make(map[model.EngineKind]map[string]model.Status, len(kinds))
	for i, kind := range kinds {
		if errs[i] != nil {
			if rep.FailedEngines == nil {
				rep.FailedEngines = make(map[model.EngineKind]string)
			}
			rep.FailedEngines[kind] = errs[i].Error()
			r.o.logger.Warn("engine listing failed, skipping", "engine", kind, "error", errs[i])
			continue
		}
		byID := make(map[string]model.Status, len(listings[i]))
		for _, rs := range listings[i] {
			byID[rs.RemoteID] = rs.Status
		}
		remote[kind] = byID
	}

	now := time.Now().UTC()
	for _, run := range r.o.runs.List() {
		if run.Status.Terminal() {
			continue
		}
		if r.expireStop(run, now) {
			rep.StopsExpired++
			continue
		}
		if run.RemoteID == "" {
			continue
		}
		statuses, ok := remote[run.Engine]
		if !ok {
			continue
		}
		st, ok := statuses[run.RemoteID]
		if !ok || !st.Terminal() {
			continue
		}
		if r.correct(run, st, now) {
			rep.Corrected++
		}
	}

	cutoff := now.Add(-r.o.cfg.TerminalRetention)
	for _, run := range r.o.runs.Evict(cutoff) {
		r.o.broker.Forget(run.ID)
		rep.Evicted++
	}
	return rep
}

// correct forces run into the terminal status st reported by its engine.
func (r *Reconciler) correct(run *model.Run, st model.Status, now time.Time) bool {
	final, err := r.o.runs.Update(run.ID, run.Status, func(cur *model.Run) {
		cur.Finish(st, now)
		cur.ErrorKind = model.ErrorKindReconciled
		cur.Error = fmt.Sprintf("engine reported %s while run was %s", st, run.Status)
		cur.CurrentStep = string(st)
	})
	if err != nil {
		return false
	}
	reconcileCorrectionsTotal.WithLabelValues(string(run.Engine)).Inc()
	r.o.logger.Info("run corrected from engine listing",
		"run_id", run.ID,
		"remote_id", run.RemoteID,
		"engine", run.Engine,
		"from", run.Status,
		"status", st,
	)
	r.o.signalPoller(run.ID)
	r.o.finish(final, nil)
	return true
}

// expireStop fails a run stuck in stopping well past the cancel timeout.
func (r *Reconciler) expireStop(run *model.Run, now time.Time) bool {
	if run.Status != model.StatusStopping || run.StopRequestedAt == nil {
		return false
	}
	if now.Sub(*run.StopRequestedAt) <= 2*r.o.cfg.CancelTimeout {
		return false
	}
	final, err := r.o.runs.Update(run.ID, model.StatusStopping, cancelTimedOut)
	if err != nil {
		return false
	}
	r.o.logger.Warn("stop never resolved, failing run", "run_id", run.ID, "remote_id", run.RemoteID)
	r.o.finish(final, nil)
	return true
}
