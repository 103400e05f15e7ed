package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/probe/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    remote_id         TEXT NOT NULL,
    engine            TEXT NOT NULL,
    url               TEXT NOT NULL,
    config            BLOB,
    status            TEXT NOT NULL,
    current_step      TEXT NOT NULL,
    progress          INTEGER NOT NULL,
    error_kind        TEXT NOT NULL,
    error             TEXT NOT NULL,
    result            BLOB,
    duration_ms       INTEGER NOT NULL,
    created_at        DATETIME NOT NULL,
    stop_requested_at DATETIME,
    terminal_at       DATETIME,
    archived_at       DATETIME NOT NULL
)`

const createRunsRemoteIndex = `
CREATE INDEX IF NOT EXISTS idx_runs_remote ON runs (engine, remote_id)`

const createRunLogsTable = `
CREATE TABLE IF NOT EXISTS run_logs (
    run_id  TEXT NOT NULL,
    seq     INTEGER NOT NULL,
    message TEXT NOT NULL,
    at      DATETIME NOT NULL,
    PRIMARY KEY (run_id, seq)
)`

const runColumns = `id, remote_id, engine, url, config, status, current_step, progress,
	error_kind, error, result, duration_ms, created_at, stop_requested_at, terminal_at`

// ErrNotFound is returned when an archived run is not found.
var ErrNotFound = errors.New("run not found")

// ErrNotTerminal is returned when archiving a run that has not finished.
var ErrNotTerminal = errors.New("run is not terminal")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers for SQLite.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunsRemoteIndex, createRunLogsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Name identifies the store in sink logs.
func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// Archive persists a terminal run and its logs. Archiving the same run again
// replaces the previous copy.
func (s *SQLiteStore) Archive(ctx context.Context, res model.RunResult) error {
	r := res.Run
	if !r.Status.Terminal() {
		return ErrNotTerminal
	}

	var durationMS int64
	if r.TerminalAt != nil {
		durationMS = r.TerminalAt.Sub(r.CreatedAt).Milliseconds()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			status = excluded.status,
			current_step = excluded.current_step,
			progress = excluded.progress,
			error_kind = excluded.error_kind,
			error = excluded.error,
			result = excluded.result,
			duration_ms = excluded.duration_ms,
			stop_requested_at = excluded.stop_requested_at,
			terminal_at = excluded.terminal_at,
			archived_at = excluded.archived_at`,
		r.ID, r.RemoteID, string(r.Engine), r.URL, []byte(r.Config), string(r.Status), r.CurrentStep, r.Progress,
		r.ErrorKind, r.Error, []byte(res.Payload), durationMS, r.CreatedAt, r.StopRequestedAt, r.TerminalAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_logs WHERE run_id = ?", r.ID); err != nil {
		return fmt.Errorf("clear run logs: %w", err)
	}
	for i, entry := range r.Logs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO run_logs (run_id, seq, message, at) VALUES (?, ?, ?, ?)",
			r.ID, i, entry.Message, entry.At,
		); err != nil {
			return fmt.Errorf("insert run log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*ArchivedRun, error) {
	a := &ArchivedRun{}
	var engine, status string
	var config, result []byte
	if err := row.Scan(
		&a.ID, &a.RemoteID, &engine, &a.URL, &config, &status, &a.CurrentStep, &a.Progress,
		&a.ErrorKind, &a.Error, &result, &a.DurationMS, &a.CreatedAt, &a.StopRequestedAt, &a.TerminalAt,
	); err != nil {
		return nil, err
	}
	a.Engine = model.EngineKind(engine)
	a.Status = model.Status(status)
	if len(config) > 0 {
		a.Config = append([]byte(nil), config...)
	}
	if len(result) > 0 {
		a.Result = append([]byte(nil), result...)
	}
	return a, nil
}

// GetRun retrieves an archived run by local id, including its logs.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*ArchivedRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return s.getRun(ctx, row)
}

// GetRunByRemote retrieves the most recently archived run for an engine's
// remote id, including its logs.
func (s *SQLiteStore) GetRunByRemote(ctx context.Context, engine model.EngineKind, remoteID string) (*ArchivedRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE engine = ? AND remote_id = ?
		ORDER BY archived_at DESC LIMIT 1`, string(engine), remoteID)
	return s.getRun(ctx, row)
}

func (s *SQLiteStore) getRun(ctx context.Context, row *sql.Row) (*ArchivedRun, error) {
	a, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	logs, err := s.getLogs(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Logs = logs
	return a, nil
}

func (s *SQLiteStore) getLogs(ctx context.Context, runID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT message, at FROM run_logs WHERE run_id = ? ORDER BY seq ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("query run logs: %w", err)
	}
	defer rows.Close()

	logs := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run logs: %w", err)
	}
	return logs, nil
}

// ListRuns returns a paginated list of archived runs ordered by created_at
// DESC, along with the total count. Logs are not included.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*ArchivedRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*ArchivedRun
	for rows.Next() {
		a, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// GetRunStats aggregates archived runs by status and engine.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByEngine: make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM runs").Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "engine", stats.CountByEngine); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills dst with row counts grouped by column. column is always a
// fixed identifier from this file, never user input.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}
