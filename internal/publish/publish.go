// Package publish hands terminal runs to external result stores. Each sink
// receives the final run record plus the engine's raw result payload.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/probe/internal/model"
)

// Sink receives terminal runs.
type Sink interface {
	Name() string
	Archive(ctx context.Context, res model.RunResult) error
}

// Fanout delivers each result to every configured sink. A failing sink does
// not prevent delivery to the others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a Fanout over sinks. Nil sinks are skipped.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Archive delivers res to all sinks and joins their errors.
func (f *Fanout) Archive(ctx context.Context, res model.RunResult) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Archive(ctx, res); err != nil {
			f.logger.Error("result sink failed",
				"sink", s.Name(),
				"run_id", res.Run.ID,
				"remote_id", res.Run.RemoteID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Names returns the names of the configured sinks.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}
