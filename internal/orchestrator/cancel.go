package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/registry"
)

const stepStopping = "stopping"

type cancelAnswer struct {
	ack bool
	err error
}

// Stop asks the engine to cancel a running run and waits at most the cancel
// timeout for its answer.
//
// Unknown ids return ErrNotFound. Runs that are not running, including
// those already being stopped by another caller, return ErrInvalidState and
// are left untouched. Only the caller that moves the run to stopping issues
// the engine cancel.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*model.Run, error) {
	cur, err := o.runs.Get(id)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.StatusRunning {
		return cur, fmt.Errorf("run is %s: %w", cur.Status, ErrInvalidState)
	}
	b, err := o.backends.Resolve(cur.Engine)
	if err != nil {
		return cur, fmt.Errorf("resolve engine: %w", err)
	}

	stopping, err := o.runs.Update(id, model.StatusRunning, func(r *model.Run) {
		now := time.Now().UTC()
		r.Status = model.StatusStopping
		r.StopRequestedAt = &now
		r.CurrentStep = stepStopping
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
		latest, gerr := o.runs.Get(id)
		if gerr != nil {
			latest = cur
		}
		return latest, fmt.Errorf("run is %s: %w", latest.Status, ErrInvalidState)
	}
	o.signalPoller(id)

	logger := o.logger.With("run_id", id, "remote_id", stopping.RemoteID, "engine", stopping.Engine)
	logger.Info("stop requested")

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CancelTimeout)
	defer cancel()

	answer := make(chan cancelAnswer, 1)
	go func() {
		ack, err := b.Cancel(cctx, stopping.RemoteID)
		answer <- cancelAnswer{ack: ack, err: err}
	}()

	var resolve func(*model.Run)
	select {
	case a := <-answer:
		switch {
		case a.err == nil && a.ack:
			resolve = func(r *model.Run) {
				r.Finish(model.StatusStopped, time.Now().UTC())
				r.CurrentStep = string(model.StatusStopped)
			}
		case errors.Is(a.err, context.DeadlineExceeded):
			resolve = cancelTimedOut
		default:
			logger.Warn("engine rejected cancel", "ack", a.ack, "error", a.err)
			resolve = func(r *model.Run) {
				r.Fail(model.ErrorKindCancelRejected, model.ReasonCancelRejected, time.Now().UTC())
			}
		}
	case <-cctx.Done():
		resolve = cancelTimedOut
	}

	final, err := o.runs.Update(id, model.StatusStopping, resolve)
	if err != nil {
		// Resolved elsewhere, typically by the reconciler.
		latest, gerr := o.runs.Get(id)
		if gerr != nil {
			return stopping, nil
		}
		return latest, nil
	}
	if final.ErrorKind == model.ErrorKindCancelTimeout {
		logger.Warn("engine did not acknowledge cancel in time", "timeout", o.cfg.CancelTimeout)
	}
	o.finish(final, nil)
	return final, nil
}

func cancelTimedOut(r *model.Run) {
	r.Fail(model.ErrorKindCancelTimeout, model.ReasonCancelTimeout, time.Now().UTC())
}
