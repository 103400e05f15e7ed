package store

import (
	"context"
	"encoding/json"

	"github.com/seantiz/probe/internal/model"
)

// RunStats holds aggregate statistics over archived runs.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByEngine map[string]int `json:"count_by_engine"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// ArchivedRun is a terminal run as persisted in the archive.
type ArchivedRun struct {
	model.Run
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Store defines the persistence operations of the terminal-run archive.
type Store interface {
	Archive(ctx context.Context, res model.RunResult) error
	GetRun(ctx context.Context, id string) (*ArchivedRun, error)
	GetRunByRemote(ctx context.Context, engine model.EngineKind, remoteID string) (*ArchivedRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*ArchivedRun, int, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
