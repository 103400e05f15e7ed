package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/probe/internal/backend"
	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/registry"
)

// poller follows one running run until it becomes terminal, leaves the
// running status, or passes its deadline.
type poller struct {
	o        *Orchestrator
	backend  backend.Backend
	runID    string
	remoteID string
	engine   model.EngineKind
	deadline time.Time
	logger   *slog.Logger
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.o.cfg.PollInterval)
	defer ticker.Stop()

	expiry := time.NewTimer(time.Until(p.deadline))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			p.expire()
			return
		case <-ticker.C:
		}

		if !time.Now().Before(p.deadline) {
			p.expire()
			return
		}
		if !p.pollOnce(ctx) {
			return
		}
	}
}

// pollOnce performs a single poll and records its outcome. It reports
// whether polling should continue.
func (p *poller) pollOnce(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.o.cfg.PollTimeout)
	res, err := p.backend.Poll(pctx, p.remoteID)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	now := time.Now().UTC()
	if err != nil {
		return p.recordError(err, now)
	}
	if res.Terminal && !res.Status.Terminal() {
		return p.recordError(fmt.Errorf("engine marked poll terminal with status %q", res.Status), now)
	}

	run, uerr := p.o.runs.Update(p.runID, model.StatusRunning, func(r *model.Run) {
		r.ConsecutiveErrors = 0
		r.LastPollError = ""
		r.Progress = res.Progress
		if res.Step != "" {
			r.CurrentStep = res.Step
		}
		if res.Terminal {
			r.Finish(res.Status, now)
			return
		}
		if res.Step != "" {
			r.AppendLog(now, res.Step)
		}
	})
	if uerr != nil {
		p.exitOn(uerr)
		return false
	}

	if run.Status.Terminal() {
		p.o.finish(run, res.Result)
		return false
	}
	if res.Step != "" {
		p.o.publishLog(run)
	}
	return true
}

func (p *poller) recordError(pollErr error, now time.Time) bool {
	pollErrorsTotal.WithLabelValues(string(p.engine)).Inc()
	threshold := p.o.cfg.PollErrorThreshold

	run, err := p.o.runs.Update(p.runID, model.StatusRunning, func(r *model.Run) {
		r.ConsecutiveErrors++
		r.LastPollError = pollErr.Error()
		if r.ConsecutiveErrors > threshold {
			r.Fail(model.ErrorKindPollFatal, model.ReasonPollUnreachable, now)
		}
	})
	if err != nil {
		p.exitOn(err)
		return false
	}

	if run.Status.Terminal() {
		p.logger.Error("engine unreachable, giving up", "consecutive_errors", run.ConsecutiveErrors, "error", pollErr)
		p.o.finish(run, nil)
		return false
	}
	p.logger.Warn("poll failed", "consecutive_errors", run.ConsecutiveErrors, "error", pollErr)
	return true
}

// expire times the run out and asks the engine to stop it without waiting
// for the answer.
func (p *poller) expire() {
	run, err := p.o.runs.Update(p.runID, model.StatusRunning, func(r *model.Run) {
		r.Finish(model.StatusTimeout, time.Now().UTC())
		r.ErrorKind = model.ErrorKindRunTimeout
		r.Error = model.ReasonRunTimeout
		r.CurrentStep = model.ReasonRunTimeout
	})
	if err != nil {
		p.exitOn(err)
		return
	}
	p.o.finish(run, nil)

	p.o.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.o.cfg.CancelTimeout)
		defer cancel()
		if _, err := p.backend.Cancel(ctx, p.remoteID); err != nil {
			p.logger.Warn("best-effort cancel after run timeout failed", "error", err)
		}
	})
}

// exitOn logs why the poller is giving up its run.
func (p *poller) exitOn(err error) {
	switch {
	case errors.Is(err, registry.ErrStale), errors.Is(err, registry.ErrTerminal):
		p.logger.Debug("run left running status, poller exiting", "reason", err)
	default:
		p.logger.Error("failed to update run, poller exiting", "error", err)
	}
}
